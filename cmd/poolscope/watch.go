package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"poolScope/internal/model"
	"poolScope/internal/refresh"
	"poolScope/internal/storage"
)

var errWatchDone = errors.New("watch done")

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	registry := prometheus.NewRegistry()
	sub, err := refresh.New(e.key(), e.snapshots, e.reader, e.refreshConfig(registry))
	if err != nil {
		return err
	}

	var sink storage.Sink
	if e.cfg.Out != "" {
		sink = storage.NewJsonlStorage(e.cfg.Out)
	}

	e.logger.Info("watch start",
		zap.Uint64("chain_id", e.cfg.ChainID),
		zap.String("pool", e.cfg.Pool),
		zap.String("source", e.cfg.Source),
		zap.Duration("poll_interval", e.cfg.PollInterval),
		zap.Duration("dedupe_interval", e.cfg.DedupeInterval),
		zap.String("out", e.cfg.Out),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sub.Run(gctx); err != nil {
			return err
		}
		// polling disabled: flush the first result and stop
		select {
		case res := <-sub.Updates():
			if err := handleUpdate(e.logger, sink, res); err != nil {
				return err
			}
		default:
		}
		return errWatchDone
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case res := <-sub.Updates():
				if err := handleUpdate(e.logger, sink, res); err != nil {
					return err
				}
			}
		}
	})

	if e.cfg.RevalidateOnFocus {
		focus := make(chan os.Signal, 1)
		signal.Notify(focus, syscall.SIGUSR1)
		defer signal.Stop(focus)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-focus:
					sub.Focus(gctx)
				}
			}
		})
	}

	if e.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              e.cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !isShutdown(err) && !errors.Is(err, errWatchDone) {
		return err
	}
	e.logger.Info("watch stopped")
	return nil
}

func handleUpdate(logger *zap.Logger, sink storage.Sink, res refresh.Result) error {
	switch res.State {
	case refresh.StateReady:
		logger.Info("pool updated",
			zap.String("pool", res.Pool.Address),
			zap.String("status", string(res.Pool.PoolStatus)),
			zap.Stringp("withdrawn", res.Pool.Withdrawn.Formatted),
		)
		if sink == nil {
			return nil
		}
		return sink.PutPools([]model.NormalizedPool{res.Pool})
	case refresh.StateFailed:
		logger.Warn("pool refresh failed",
			zap.String("key", res.Key.String()),
			zap.Bool("transient", errors.Is(res.Err, refresh.ErrTransient)),
			zap.Error(res.Err),
		)
	default:
		logger.Debug("pool pending", zap.String("key", res.Key.String()))
	}
	return nil
}
