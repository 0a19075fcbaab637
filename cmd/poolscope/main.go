package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"poolScope/internal/chain"
	"poolScope/internal/config"
	"poolScope/internal/refresh"
	"poolScope/internal/storage/postgres"
	"poolScope/internal/subgraph"
)

func main() {
	root := &cobra.Command{
		Use:          "poolscope",
		Short:        "Aelin pool snapshot and live state reconciler",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Assemble a pool once and print it as JSON",
		RunE:  runShow,
	}
	addCommonFlags(showCmd.Flags())
	root.AddCommand(showCmd)

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll a pool and emit every new assembled record",
		RunE:  runWatch,
	}
	addCommonFlags(watchCmd.Flags())
	watchCmd.Flags().Duration("poll-interval", 15*time.Second, "refresh interval, 0 disables polling")
	watchCmd.Flags().Duration("dedupe-interval", 2*time.Second, "reuse fetch results younger than this")
	watchCmd.Flags().Bool("revalidate-on-focus", false, "revalidate on SIGUSR1")
	watchCmd.Flags().String("out", "", "optional output JSONL path")
	watchCmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address")
	root.AddCommand(watchCmd)

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Copy pool snapshots from the subgraph into Postgres",
		RunE:  runSync,
	}
	syncCmd.Flags().Uint64("chain-id", 0, "chain id")
	syncCmd.Flags().StringSlice("pools", nil, "pool addresses (comma-separated)")
	syncCmd.Flags().String("subgraph-url", "", "subgraph GraphQL endpoint")
	syncCmd.Flags().String("subgraph-api-key", "", "subgraph API key")
	syncCmd.Flags().String("pg-dsn", "", "Postgres DSN")
	syncCmd.Flags().String("rpc", "", "EVM RPC URL")
	syncCmd.Flags().String("pool", "", "single pool address")
	syncCmd.Flags().Bool("backfill-token-meta", false, "read missing purchase token decimals and symbol from chain")
	syncCmd.Flags().Int("max-retries", 3, "maximum retry attempts")
	syncCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	syncCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(syncCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addCommonFlags(flags *pflag.FlagSet) {
	flags.String("rpc", "", "EVM RPC URL")
	flags.Uint64("chain-id", 0, "chain id")
	flags.String("pool", "", "pool address")
	flags.String("source", config.SourceSubgraph, "snapshot source (subgraph, postgres)")
	flags.String("subgraph-url", "", "subgraph GraphQL endpoint")
	flags.String("subgraph-api-key", "", "subgraph API key")
	flags.String("pg-dsn", "", "Postgres DSN")
	flags.Int("max-retries", 3, "maximum retry attempts")
	flags.Duration("retry-backoff", 500*time.Millisecond, "initial retry backoff")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
}

// env bundles what show and watch share.
type env struct {
	cfg       config.Config
	logger    *zap.Logger
	snapshots refresh.SnapshotFetcher
	reader    *chain.Reader
	closers   []func()
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func setup(ctx context.Context, cmd *cobra.Command) (*env, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, logger: logger}
	e.closers = append(e.closers, func() { _ = logger.Sync() })

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("connect rpc: %w", err)
	}
	e.closers = append(e.closers, chainClient.Close)

	remoteID, err := chainClient.GetChainID(ctx)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	if !remoteID.IsUint64() || remoteID.Uint64() != cfg.ChainID {
		e.Close()
		return nil, fmt.Errorf("rpc serves chain %s, configured %d", remoteID, cfg.ChainID)
	}

	e.reader = chain.NewReader(chainClient, cfg.ChainID, chain.ReaderConfig{
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, logger)

	switch cfg.Source {
	case config.SourcePostgres:
		store, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.closers = append(e.closers, store.Close)
		e.snapshots = store
	default:
		e.snapshots = subgraph.NewClient(subgraph.Config{
			Endpoints:    cfg.SubgraphEndpoints,
			APIKey:       cfg.SubgraphAPIKey,
			MaxRetries:   cfg.MaxRetries,
			RetryBackoff: cfg.RetryBackoff,
		}, logger)
	}

	return e, nil
}

func (e *env) refreshConfig(registerer prometheus.Registerer) refresh.Config {
	return refresh.Config{
		PollInterval:      e.cfg.PollInterval,
		DedupeInterval:    e.cfg.DedupeInterval,
		RevalidateOnFocus: e.cfg.RevalidateOnFocus,
		Logger:            e.logger,
		Registerer:        registerer,
	}
}

func (e *env) key() refresh.Key {
	return refresh.Key{ChainID: e.cfg.ChainID, PoolAddress: e.cfg.Pool}
}

func runShow(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	cfg := e.refreshConfig(nil)
	cfg.PollInterval = 0
	_, res, err := refresh.Subscribe(ctx, e.key(), e.snapshots, e.reader, cfg)
	if err != nil {
		e.logger.Error("load pool", zap.String("pool", e.cfg.Pool), zap.Error(err))
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res.Pool)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
