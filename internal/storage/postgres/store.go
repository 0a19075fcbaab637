package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"poolScope/internal/derive"
	"poolScope/internal/model"
	"poolScope/internal/retry"
)

// Store reads and mirrors indexed pool snapshots in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const selectPoolSQL = `
	SELECT pool_address, name, symbol, sponsor, purchase_token, purchase_token_symbol,
		purchase_token_decimals, purchase_token_cap, contributions, total_supply, sponsor_fee,
		purchase_duration, duration, purchase_expiry, created_ts, deal_address, pool_status
	FROM pool_created
	WHERE chain_id = $1 AND pool_address = $2
`

// FetchPoolByID returns the mirrored snapshot, or nil when the pool has not
// been indexed.
func (s *Store) FetchPoolByID(ctx context.Context, chainID uint64, poolAddress string) (*model.RawPoolSnapshot, error) {
	var (
		snap     model.RawPoolSnapshot
		decimals *int16
	)
	row := s.pool.QueryRow(ctx, selectPoolSQL, int64(chainID), strings.ToLower(poolAddress))
	err := row.Scan(
		&snap.ID,
		&snap.Name,
		&snap.Symbol,
		&snap.Sponsor,
		&snap.PurchaseToken,
		&snap.PurchaseTokenSymbol,
		&decimals,
		&snap.PurchaseTokenCap,
		&snap.Contributions,
		&snap.TotalSupply,
		&snap.SponsorFee,
		&snap.PurchaseDuration,
		&snap.Duration,
		&snap.PurchaseExpiry,
		&snap.Timestamp,
		&snap.DealAddress,
		&snap.PoolStatus,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select pool %s: %w", poolAddress, err)
	}
	snap.PurchaseTokenDecimals, err = tokenDecimals(decimals)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("pool %s: %w", poolAddress, err))
	}
	return &snap, nil
}

// tokenDecimals narrows the smallint column to uint8; NULL stays nil.
func tokenDecimals(value *int16) (*uint8, error) {
	if value == nil {
		return nil, nil
	}
	if *value < 0 || *value > 255 {
		return nil, &derive.MalformedError{Field: "purchase_token_decimals", Value: strconv.Itoa(int(*value)), Reason: "out of range"}
	}
	d := uint8(*value)
	return &d, nil
}

// UpsertPoolSnapshots inserts or updates mirrored snapshots.
func (s *Store) UpsertPoolSnapshots(ctx context.Context, chainID uint64, snapshots []model.RawPoolSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		var decimals *int16
		if snap.PurchaseTokenDecimals != nil {
			d := int16(*snap.PurchaseTokenDecimals)
			decimals = &d
		}
		batch.Queue(`
			INSERT INTO pool_created (
				chain_id, pool_address, name, symbol, sponsor, purchase_token, purchase_token_symbol,
				purchase_token_decimals, purchase_token_cap, contributions, total_supply, sponsor_fee,
				purchase_duration, duration, purchase_expiry, created_ts, deal_address, pool_status,
				updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,now())
			ON CONFLICT (chain_id, pool_address)
			DO UPDATE SET
				name = EXCLUDED.name,
				symbol = EXCLUDED.symbol,
				purchase_token_decimals = COALESCE(EXCLUDED.purchase_token_decimals, pool_created.purchase_token_decimals),
				purchase_token_cap = EXCLUDED.purchase_token_cap,
				contributions = EXCLUDED.contributions,
				total_supply = EXCLUDED.total_supply,
				sponsor_fee = EXCLUDED.sponsor_fee,
				purchase_expiry = EXCLUDED.purchase_expiry,
				deal_address = EXCLUDED.deal_address,
				pool_status = EXCLUDED.pool_status,
				updated_at = now()
		`,
			int64(chainID),
			strings.ToLower(snap.ID),
			snap.Name,
			snap.Symbol,
			snap.Sponsor,
			snap.PurchaseToken,
			snap.PurchaseTokenSymbol,
			decimals,
			snap.PurchaseTokenCap,
			snap.Contributions,
			snap.TotalSupply,
			snap.SponsorFee,
			snap.PurchaseDuration,
			snap.Duration,
			snap.PurchaseExpiry,
			snap.Timestamp,
			snap.DealAddress,
			snap.PoolStatus,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range snapshots {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}
