package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"poolScope/internal/chain"
	"poolScope/internal/config"
	"poolScope/internal/model"
	"poolScope/internal/storage/postgres"
	"poolScope/internal/subgraph"
)

func runSync(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	pools, _ := cmd.Flags().GetStringSlice("pools")
	if cfg.Pool != "" {
		pools = append(pools, cfg.Pool)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain id is required")
	}
	if len(pools) == 0 {
		return fmt.Errorf("pool list is required")
	}
	if cfg.PGDSN == "" {
		return fmt.Errorf("pg dsn is required")
	}
	if cfg.SubgraphEndpoints[cfg.ChainID] == "" {
		return fmt.Errorf("subgraph url is required for chain %d", cfg.ChainID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := subgraph.NewClient(subgraph.Config{
		Endpoints:    cfg.SubgraphEndpoints,
		APIKey:       cfg.SubgraphAPIKey,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
	}, logger)

	backfill, _ := cmd.Flags().GetBool("backfill-token-meta")
	var (
		chainClient *chain.Client
		tokenCache  = chain.NewTokenMetaCache()
	)
	if backfill {
		if cfg.RPCURL == "" {
			return fmt.Errorf("rpc url is required for token metadata backfill")
		}
		chainClient, err = chain.NewClient(ctx, cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("connect rpc: %w", err)
		}
		defer chainClient.Close()
	}

	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	snapshots := make([]model.RawPoolSnapshot, 0, len(pools))
	for _, pool := range pools {
		pool = strings.TrimSpace(pool)
		if pool == "" {
			continue
		}
		snap, err := client.FetchPoolByID(ctx, cfg.ChainID, pool)
		if err != nil {
			return fmt.Errorf("fetch pool %s: %w", pool, err)
		}
		if snap == nil {
			logger.Warn("pool not indexed", zap.String("pool", pool))
			continue
		}
		if chainClient != nil {
			backfillToken(ctx, chainClient, tokenCache, snap, logger)
		}
		snapshots = append(snapshots, *snap)
	}

	if err := store.UpsertPoolSnapshots(ctx, cfg.ChainID, snapshots); err != nil {
		return err
	}

	logger.Info("sync done",
		zap.Uint64("chain_id", cfg.ChainID),
		zap.Int("requested", len(pools)),
		zap.Int("written", len(snapshots)),
	)
	return nil
}

func backfillToken(ctx context.Context, caller chain.Caller, cache *chain.TokenMetaCache, snap *model.RawPoolSnapshot, logger *zap.Logger) {
	if snap.PurchaseTokenDecimals != nil && snap.PurchaseTokenSymbol != "" {
		return
	}
	token, err := chain.ParseAddress(snap.PurchaseToken)
	if err != nil {
		logger.Warn("invalid purchase token", zap.String("pool", snap.ID), zap.Error(err))
		return
	}
	meta, ok := cache.Get(token)
	if !ok {
		meta, err = chain.FetchTokenMeta(ctx, caller, token.Hex(), logger)
		if err != nil {
			logger.Warn("token metadata fetch failed", zap.String("token", token.Hex()), zap.Error(err))
			return
		}
		cache.Set(token, meta)
	}
	if chain.BackfillTokenMeta(snap, meta) {
		logger.Info("token metadata backfilled",
			zap.String("pool", snap.ID),
			zap.String("token", meta.Address),
			zap.Uint8("decimals", meta.Decimals),
		)
	}
}
