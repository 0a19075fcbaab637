// Package refresh keeps a normalized pool record current by fetching the
// indexer snapshot and the live withdrawn total and re-assembling only when
// one of the inputs changed.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"poolScope/internal/assemble"
	"poolScope/internal/derive"
	"poolScope/internal/model"
	"poolScope/internal/retry"
)

// SnapshotFetcher is the query-layer capability. A nil snapshot with a nil
// error means the indexer has no such pool.
type SnapshotFetcher interface {
	FetchPoolByID(ctx context.Context, chainID uint64, poolAddress string) (*model.RawPoolSnapshot, error)
}

// ContractReader is the on-chain read capability. A nil value with a nil
// error means the call returned nothing.
type ContractReader interface {
	ReadContractMethod(ctx context.Context, chainID uint64, contract string, method string, args ...interface{}) (*big.Int, error)
}

// Key identifies the pool a subscription follows.
type Key struct {
	ChainID     uint64
	PoolAddress string
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%s", k.ChainID, k.PoolAddress)
}

func (k Key) validate() error {
	if k.ChainID == 0 {
		return errors.New("chain id is required")
	}
	if strings.TrimSpace(k.PoolAddress) == "" {
		return errors.New("pool address is required")
	}
	return nil
}

// Config mirrors the fetch options a consumer can pass.
type Config struct {
	// PollInterval re-runs Load on a timer; zero disables polling.
	PollInterval time.Duration
	// DedupeInterval reuses a completed fetch for the same key when a new
	// one is requested within the window.
	DedupeInterval time.Duration
	// RevalidateOnFocus makes Focus trigger a load.
	RevalidateOnFocus bool

	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

type memoKey struct {
	chainID      uint64
	poolAddress  string
	snapshotHash uint64
	withdrawn    string
	decimals     int
}

type cachedSnapshot struct {
	key       Key
	snapshot  *model.RawPoolSnapshot
	fetchedAt time.Time
}

type cachedLive struct {
	key       Key
	value     *big.Int
	fetchedAt time.Time
}

// Subscription follows one pool. All state is replaced under mu so readers
// never observe a partially updated record.
type Subscription struct {
	snapshots SnapshotFetcher
	reader    ContractReader
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics
	now       func() time.Time

	mu       sync.Mutex
	key      Key
	gen      uint64
	started  uint64
	applied  uint64
	result   Result
	snapshot *cachedSnapshot
	live     *cachedLive
	hasMemo  bool
	memo     memoKey
	memoPool model.NormalizedPool
	updates  chan Result
}

// New creates a subscription without fetching anything yet.
func New(key Key, snapshots SnapshotFetcher, reader ContractReader, cfg Config) (*Subscription, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	if snapshots == nil {
		return nil, errors.New("snapshot fetcher is required")
	}
	if reader == nil {
		return nil, errors.New("contract reader is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscription{
		snapshots: snapshots,
		reader:    reader,
		cfg:       cfg,
		logger:    logger,
		metrics:   newMetrics(cfg.Registerer),
		now:       time.Now,
		key:       key,
		result:    Result{Key: key, State: StatePending},
		updates:   make(chan Result, 1),
	}, nil
}

// Subscribe creates a subscription and performs the first load. The returned
// error is set when that load failed.
func Subscribe(ctx context.Context, key Key, snapshots SnapshotFetcher, reader ContractReader, cfg Config) (*Subscription, Result, error) {
	sub, err := New(key, snapshots, reader, cfg)
	if err != nil {
		return nil, Result{}, err
	}
	res := sub.Load(ctx)
	if res.State == StateFailed {
		return sub, res, res.Err
	}
	return sub, res, nil
}

// Pool returns the current result. Its amounts are copies the caller owns.
func (s *Subscription) Pool() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result.clone()
}

// Key returns the key currently followed.
func (s *Subscription) Key() Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Updates delivers each new result. Only the latest undelivered result is kept.
func (s *Subscription) Updates() <-chan Result {
	return s.updates
}

// Load fetches both inputs, honouring the dedupe window, and re-assembles
// when they changed.
func (s *Subscription) Load(ctx context.Context) Result {
	res, _, _ := s.load(ctx, false)
	return res.clone()
}

// Refetch forces a new query-layer fetch and returns a copy of the fetched
// snapshot. The error is set whenever the load did not end Ready; the
// snapshot is still returned when the fetch itself produced one.
func (s *Subscription) Refetch(ctx context.Context) (*model.RawPoolSnapshot, error) {
	res, snap, err := s.load(ctx, true)
	if err != nil {
		return cloneSnapshot(snap), err
	}
	if res.State == StateFailed {
		return cloneSnapshot(snap), res.Err
	}
	return cloneSnapshot(snap), nil
}

// Focus revalidates when RevalidateOnFocus is enabled and otherwise returns
// the current result.
func (s *Subscription) Focus(ctx context.Context) Result {
	if !s.cfg.RevalidateOnFocus {
		return s.Pool()
	}
	return s.Load(ctx)
}

// SwitchKey follows another pool. Loads still in flight for the previous key
// are discarded when they complete.
func (s *Subscription) SwitchKey(key Key) error {
	if err := key.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if key == s.key {
		return nil
	}
	s.logger.Info("switch pool", zap.String("from", s.key.String()), zap.String("to", key.String()))
	s.key = key
	s.gen++
	s.snapshot = nil
	s.live = nil
	s.result = Result{Key: key, State: StatePending}
	s.publishLocked(s.result)
	return nil
}

// Run loads once and then polls every PollInterval until ctx is done. With
// polling disabled it returns after the first load.
func (s *Subscription) Run(ctx context.Context) error {
	s.Load(ctx)
	if s.cfg.PollInterval <= 0 {
		return nil
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Load(ctx)
		}
	}
}

func (s *Subscription) load(ctx context.Context, forceSnapshot bool) (Result, *model.RawPoolSnapshot, error) {
	start := s.now()

	s.mu.Lock()
	key, gen := s.key, s.gen
	s.started++
	seq := s.started
	cachedSnap, snapFresh := s.freshSnapshotLocked(key, start)
	cachedValue, liveFresh := s.freshLiveLocked(key, start)
	s.mu.Unlock()

	if forceSnapshot {
		snapFresh = false
	}

	var (
		snap  = cachedSnap
		value = cachedValue
	)
	g, gctx := errgroup.WithContext(ctx)
	if !snapFresh {
		g.Go(func() error {
			fetched, err := s.snapshots.FetchPoolByID(gctx, key.ChainID, key.PoolAddress)
			if err != nil {
				return fetchFailure(key.PoolAddress, FetchSnapshot, err)
			}
			snap = fetched
			return nil
		})
	}
	if !liveFresh {
		g.Go(func() error {
			fetched, err := s.reader.ReadContractMethod(gctx, key.ChainID, key.PoolAddress, FetchWithdrawn)
			if err != nil {
				return fetchFailure(key.PoolAddress, FetchWithdrawn, err)
			}
			value = fetched
			return nil
		})
	}
	fetchErr := g.Wait()
	s.metrics.loadDuration.Observe(s.now().Sub(start).Seconds())

	if ctx.Err() != nil {
		return s.Pool(), nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || seq < s.applied {
		s.metrics.staleDropped.Inc()
		s.logger.Debug("drop stale result", zap.String("key", key.String()), zap.Uint64("seq", seq))
		return s.result, nil, fmt.Errorf("pool %s: result superseded", key.PoolAddress)
	}
	s.applied = seq

	if fetchErr != nil {
		s.failLocked(key, fetchErr, failureKind(fetchErr))
		return s.result, nil, fetchErr
	}

	now := s.now()
	if !snapFresh {
		s.snapshot = &cachedSnapshot{key: key, snapshot: snap, fetchedAt: now}
	}
	if !liveFresh {
		s.live = &cachedLive{key: key, value: value, fetchedAt: now}
	}

	if snap == nil {
		err := &FetchError{Pool: key.PoolAddress, Fetch: FetchSnapshot, Err: ErrPoolNotFound}
		s.failLocked(key, err, "not_found")
		return s.result, nil, err
	}
	if value == nil {
		err := &FetchError{Pool: key.PoolAddress, Fetch: FetchWithdrawn, Err: ErrNoData}
		s.failLocked(key, err, "no_data")
		return s.result, snap, nil
	}

	s.assembleLocked(key, snap, value)
	return s.result, snap, nil
}

func (s *Subscription) assembleLocked(key Key, snap *model.RawPoolSnapshot, value *big.Int) {
	mk, err := buildMemoKey(key, snap, value)
	if err != nil {
		s.failLocked(key, fmt.Errorf("pool %s: hash snapshot: %w", key.PoolAddress, err), "malformed")
		return
	}

	if s.hasMemo && mk == s.memo {
		s.metrics.memoHits.Inc()
		if s.result.State != StateReady || s.result.Key != key {
			s.result = Result{Key: key, State: StateReady, Pool: clonePool(s.memoPool)}
			s.publishLocked(s.result)
		}
		return
	}

	pool, err := assemble.Assemble(key.ChainID, snap, key.PoolAddress, model.Loaded(value), snap.PurchaseTokenDecimals)
	if err != nil {
		kind := "unresolved"
		if errors.Is(err, derive.ErrMalformed) {
			kind = "malformed"
		}
		s.failLocked(key, err, kind)
		return
	}

	s.metrics.assemblies.Inc()
	s.hasMemo = true
	s.memo = mk
	s.memoPool = pool
	s.result = Result{Key: key, State: StateReady, Pool: clonePool(pool)}
	s.logger.Debug("pool assembled",
		zap.String("key", key.String()),
		zap.String("withdrawn", value.String()),
		zap.String("status", string(pool.PoolStatus)),
	)
	s.publishLocked(s.result)
}

func (s *Subscription) failLocked(key Key, err error, kind string) {
	s.metrics.failures.WithLabelValues(kind).Inc()
	s.logger.Warn("pool load failed", zap.String("key", key.String()), zap.String("kind", kind), zap.Error(err))

	prev := s.result
	s.result = Result{Key: key, State: StateFailed, Err: err}
	if prev.State == StateFailed && prev.Key == key && prev.Err != nil && prev.Err.Error() == err.Error() {
		return
	}
	s.publishLocked(s.result)
}

func (s *Subscription) publishLocked(res Result) {
	res = res.clone()
	select {
	case s.updates <- res:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- res:
	default:
	}
}

func (s *Subscription) freshSnapshotLocked(key Key, now time.Time) (*model.RawPoolSnapshot, bool) {
	c := s.snapshot
	if c == nil || c.key != key || s.cfg.DedupeInterval <= 0 {
		return nil, false
	}
	if now.Sub(c.fetchedAt) >= s.cfg.DedupeInterval {
		return nil, false
	}
	return c.snapshot, true
}

func (s *Subscription) freshLiveLocked(key Key, now time.Time) (*big.Int, bool) {
	c := s.live
	if c == nil || c.key != key || s.cfg.DedupeInterval <= 0 {
		return nil, false
	}
	if now.Sub(c.fetchedAt) >= s.cfg.DedupeInterval {
		return nil, false
	}
	return c.value, true
}

func buildMemoKey(key Key, snap *model.RawPoolSnapshot, value *big.Int) (memoKey, error) {
	encoded, err := json.Marshal(snap)
	if err != nil {
		return memoKey{}, err
	}
	decimals := -1
	if snap.PurchaseTokenDecimals != nil {
		decimals = int(*snap.PurchaseTokenDecimals)
	}
	return memoKey{
		chainID:      key.ChainID,
		poolAddress:  key.PoolAddress,
		snapshotHash: xxhash.Sum64(encoded),
		withdrawn:    value.String(),
		decimals:     decimals,
	}, nil
}

func cloneSnapshot(snap *model.RawPoolSnapshot) *model.RawPoolSnapshot {
	if snap == nil {
		return nil
	}
	out := *snap
	if snap.PurchaseTokenDecimals != nil {
		d := *snap.PurchaseTokenDecimals
		out.PurchaseTokenDecimals = &d
	}
	if snap.DealAddress != nil {
		addr := *snap.DealAddress
		out.DealAddress = &addr
	}
	return &out
}

// fetchFailure wraps a fetch-layer error. Only errors the fetch layer could
// still retry are transient; permanent and malformed ones are not.
func fetchFailure(pool, fetch string, err error) *FetchError {
	transient := !retry.IsPermanent(err) && !errors.Is(err, derive.ErrMalformed)
	return &FetchError{Pool: pool, Fetch: fetch, Transient: transient, Err: err}
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, derive.ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "permanent"
	}
}
