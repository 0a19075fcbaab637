package refresh

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"poolScope/internal/assemble"
	"poolScope/internal/derive"
	"poolScope/internal/model"
	"poolScope/internal/retry"
	"poolScope/internal/subgraph"
)

const (
	poolA = "0x1111111111111111111111111111111111111111"
	poolB = "0x2222222222222222222222222222222222222222"
)

type fakeSnapshots struct {
	mu    sync.Mutex
	pools map[string]*model.RawPoolSnapshot
	gates map[string]chan struct{}
	err   error
	calls int
}

// FetchPoolByID reads the pool when called. A gate holds back only the next
// fetch of that pool.
func (f *fakeSnapshots) FetchPoolByID(ctx context.Context, _ uint64, poolAddress string) (*model.RawPoolSnapshot, error) {
	f.mu.Lock()
	f.calls++
	gate := f.gates[poolAddress]
	delete(f.gates, poolAddress)
	snap, err := cloneSnapshot(f.pools[poolAddress]), f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (f *fakeSnapshots) gate(address string) chan struct{} {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[address] = gate
	f.mu.Unlock()
	return gate
}

func (f *fakeSnapshots) set(address string, snap *model.RawPoolSnapshot) {
	f.mu.Lock()
	f.pools[address] = snap
	f.mu.Unlock()
}

func (f *fakeSnapshots) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeReader struct {
	mu     sync.Mutex
	values map[string]*big.Int
	calls  int
}

func (f *fakeReader) ReadContractMethod(_ context.Context, _ uint64, contract string, method string, _ ...interface{}) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if method != FetchWithdrawn {
		return nil, errors.New("unexpected method " + method)
	}
	v, ok := f.values[contract]
	if !ok || v == nil {
		return nil, nil
	}
	return new(big.Int).Set(v), nil
}

func (f *fakeReader) set(contract string, v *big.Int) {
	f.mu.Lock()
	f.values[contract] = v
	f.mu.Unlock()
}

func testSnapshot(address, name string) *model.RawPoolSnapshot {
	decimals := uint8(6)
	return &model.RawPoolSnapshot{
		ID:                    address,
		Name:                  name,
		Sponsor:               "0x3333333333333333333333333333333333333333",
		PurchaseToken:         "0x4444444444444444444444444444444444444444",
		PurchaseTokenSymbol:   "USDC",
		PurchaseTokenDecimals: &decimals,
		PurchaseTokenCap:      "1500000000",
		Contributions:         "500000000",
		TotalSupply:           "400000000",
		SponsorFee:            "2000000000000000000",
		PurchaseDuration:      "86400",
		Duration:              "604800",
		Timestamp:             "1700000000",
		PoolStatus:            "PoolOpen",
	}
}

func newFakes() (*fakeSnapshots, *fakeReader) {
	snaps := &fakeSnapshots{
		pools: map[string]*model.RawPoolSnapshot{poolA: testSnapshot(poolA, "pool-a")},
		gates: map[string]chan struct{}{},
	}
	reader := &fakeReader{values: map[string]*big.Int{poolA: big.NewInt(0)}}
	return snaps, reader
}

func TestSubscribeReady(t *testing.T) {
	snaps, reader := newFakes()

	sub, res, err := Subscribe(context.Background(), Key{ChainID: 1, PoolAddress: poolA}, snaps, reader, Config{Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if res.State != StateReady {
		t.Fatalf("expected ready, got %s", res.State)
	}
	if res.Pool.Withdrawn.Formatted == nil || *res.Pool.Withdrawn.Formatted != "0" {
		t.Fatalf("withdrawn should be formatted zero")
	}
	if *res.Pool.PoolCap.Formatted != "1500" {
		t.Fatalf("pool cap mismatch: %s", *res.Pool.PoolCap.Formatted)
	}
	if sub.Pool().State != StateReady {
		t.Fatalf("current result should be ready")
	}
}

func TestSubscribeNotFound(t *testing.T) {
	snaps, reader := newFakes()
	snaps.set(poolA, nil)

	_, res, err := Subscribe(context.Background(), Key{ChainID: 1, PoolAddress: poolA}, snaps, reader, Config{})
	if !errors.Is(err, ErrPoolNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Fetch != FetchSnapshot || fetchErr.Pool != poolA {
		t.Fatalf("error should name pool and fetch: %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("expected failed, got %s", res.State)
	}
}

func TestLoadWithdrawnNoData(t *testing.T) {
	snaps, reader := newFakes()
	reader.set(poolA, nil)

	_, res, err := Subscribe(context.Background(), Key{ChainID: 1, PoolAddress: poolA}, snaps, reader, Config{})
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected no data, got %v", err)
	}
	var fetchErr *FetchError
	if !errors.As(res.Err, &fetchErr) || fetchErr.Fetch != FetchWithdrawn {
		t.Fatalf("error should name the withdrawn fetch: %v", res.Err)
	}
}

func TestLoadMissingDecimals(t *testing.T) {
	snaps, reader := newFakes()
	snap := testSnapshot(poolA, "pool-a")
	snap.PurchaseTokenDecimals = nil
	snaps.set(poolA, snap)

	_, _, err := Subscribe(context.Background(), Key{ChainID: 1, PoolAddress: poolA}, snaps, reader, Config{})
	if !errors.Is(err, assemble.ErrUnresolved) {
		t.Fatalf("expected unresolved dependency, got %v", err)
	}
}

func TestLoadTransientFailure(t *testing.T) {
	snaps, reader := newFakes()
	snaps.err = errors.New("connection refused")

	_, res, err := Subscribe(context.Background(), Key{ChainID: 1, PoolAddress: poolA}, snaps, reader, Config{})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("expected failed state")
	}
}

func TestLoadMemoizesUnchangedInputs(t *testing.T) {
	snaps, reader := newFakes()
	reg := prometheus.NewRegistry()
	sub, err := New(Key{ChainID: 1, PoolAddress: poolA}, snaps, reader, Config{Registerer: reg})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	first := sub.Load(context.Background())
	second := sub.Load(context.Background())
	if first.State != StateReady || second.State != StateReady {
		t.Fatalf("expected ready results")
	}
	if !reflect.DeepEqual(first.Pool, second.Pool) {
		t.Fatalf("unchanged inputs should yield the same pool")
	}
	if got := testutil.ToFloat64(sub.metrics.assemblies); got != 1 {
		t.Fatalf("unchanged inputs should reuse the assembled pool, assemblies=%v", got)
	}
	if got := testutil.ToFloat64(sub.metrics.memoHits); got != 1 {
		t.Fatalf("expected one memo hit, got %v", got)
	}

	reader.set(poolA, big.NewInt(250000000))
	third := sub.Load(context.Background())
	if got := testutil.ToFloat64(sub.metrics.assemblies); got != 2 {
		t.Fatalf("changed withdrawn total should re-assemble, assemblies=%v", got)
	}
	if *third.Pool.Withdrawn.Formatted != "250" {
		t.Fatalf("withdrawn mismatch: %s", *third.Pool.Withdrawn.Formatted)
	}

	snap := testSnapshot(poolA, "pool-a-renamed")
	snaps.set(poolA, snap)
	fourth := sub.Load(context.Background())
	if fourth.Pool.Name != "pool-a-renamed" {
		t.Fatalf("changed snapshot should re-assemble, got %s", fourth.Pool.Name)
	}
}

func TestSharedRegistry(t *testing.T) {
	snaps, reader := newFakes()
	reg := prometheus.NewRegistry()
	for i := 0; i < 2; i++ {
		if _, err := New(Key{ChainID: 1, PoolAddress: poolA}, snaps, reader, Config{Registerer: reg}); err != nil {
			t.Fatalf("new %d: %v", i, err)
		}
	}
}

func TestDedupeInterval(t *testing.T) {
	snaps, reader := newFakes()
	sub, err := New(Key{ChainID: 1, PoolAddress: poolA}, snaps, reader, Config{DedupeInterval: time.Minute})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	now := time.Unix(1700000000, 0)
	sub.now = func() time.Time { return now }

	sub.Load(context.Background())
	sub.Load(context.Background())
	if snaps.callCount() != 1 {
		t.Fatalf("expected deduped snapshot fetch, got %d calls", snaps.callCount())
	}

	if _, err := sub.Refetch(context.Background()); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if snaps.callCount() != 2 {
		t.Fatalf("refetch should bypass dedupe, got %d calls", snaps.callCount())
	}

	now = now.Add(2 * time.Minute)
	sub.Load(context.Background())
	if snaps.callCount() != 3 {
		t.Fatalf("expired window should fetch again, got %d calls", snaps.callCount())
	}
}

func TestRefetchReturnsNewSnapshot(t *testing.T) {
	snaps, reader := newFakes()
	sub, _, err := Subscribe(context.Background(), Key{ChainID: 1, PoolAddress: poolA}, snaps, reader, Config{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	updated := testSnapshot(poolA, "pool-a")
	updated.Contributions = "900000000"
	snaps.set(poolA, updated)

	snap, err := sub.Refetch(context.Background())
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if snap.Contributions != "900000000" {
		t.Fatalf("refetch returned stale snapshot")
	}
	if got := *sub.Pool().Pool.Funded.Formatted; got != "900" {
		t.Fatalf("pool not updated after refetch: %s", got)
	}
}

func TestFocus(t *testing.T) {
	snaps, reader := newFakes()
	sub, _, err := Subscribe(context.Background(), Key{ChainID: 1, PoolAddress: poolA}, snaps, reader, Config{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Focus(context.Background())
	if snaps.callCount() != 1 {
		t.Fatalf("focus should not revalidate when disabled")
	}

	sub.cfg.RevalidateOnFocus = true
	sub.Focus(context.Background())
	if snaps.callCount() != 2 {
		t.Fatalf("focus should revalidate when enabled")
	}
}

func TestSwitchKeyDropsStaleResult(t *testing.T) {
	snaps, reader := newFakes()
	snaps.set(poolB, testSnapshot(poolB, "pool-b"))
	reader.set(poolB, big.NewInt(1000000))
	gate := snaps.gate(poolA)

	sub, err := New(Key{ChainID: 1, PoolAddress: poolA}, snaps, reader, Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	done := make(chan Result)
	go func() {
		done <- sub.Load(context.Background())
	}()

	waitFor(t, func() bool { return snaps.callCount() == 1 })

	if err := sub.SwitchKey(Key{ChainID: 1, PoolAddress: poolB}); err != nil {
		t.Fatalf("switch: %v", err)
	}
	current := sub.Load(context.Background())
	if current.State != StateReady || current.Pool.Address != poolB {
		t.Fatalf("expected pool b ready, got %+v", current)
	}

	close(gate)
	<-done

	after := sub.Pool()
	if after.Key.PoolAddress != poolB || after.Pool.Name != "pool-b" {
		t.Fatalf("stale result for pool a overwrote pool b: %+v", after)
	}
}

func TestRunPublishesUpdates(t *testing.T) {
	snaps, reader := newFakes()
	sub, err := New(Key{ChainID: 1, PoolAddress: poolA}, snaps, reader, Config{PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sub.Run(ctx) }()

	first := <-sub.Updates()
	if first.State != StateReady || *first.Pool.Withdrawn.Formatted != "0" {
		t.Fatalf("unexpected first update: %+v", first)
	}

	reader.set(poolA, big.NewInt(5000000))
	deadline := time.After(2 * time.Second)
	for {
		select {
		case res := <-sub.Updates():
			if res.State == StateReady && *res.Pool.Withdrawn.Formatted == "5" {
				cancel()
				if err := <-errCh; !errors.Is(err, context.Canceled) {
					t.Fatalf("run should stop with context.Canceled, got %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatalf("poll did not publish the new withdrawn total")
		}
	}
}

func TestLoadPermanentFailureNotTransient(t *testing.T) {
	snaps, reader := newFakes()
	snaps.err = retry.Permanent(errors.New("subgraph: no endpoint for chain 1"))

	_, res, err := Subscribe(context.Background(), Key{ChainID: 1, PoolAddress: poolA}, snaps, reader, Config{})
	if err == nil || errors.Is(err, ErrTransient) {
		t.Fatalf("permanent error reported as transient: %v", err)
	}
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Transient || fetchErr.Fetch != FetchSnapshot {
		t.Fatalf("fetch error mismatch: %+v", fetchErr)
	}
	if res.State != StateFailed {
		t.Fatalf("expected failed state")
	}
}

const subgraphPool = `{"data":{"poolCreated":{
	"id":"0x1111111111111111111111111111111111111111",
	"name":"pool-a",
	"symbol":"aeP-A",
	"sponsor":"0x3333333333333333333333333333333333333333",
	"purchaseToken":"0x4444444444444444444444444444444444444444",
	"purchaseTokenSymbol":"USDC",
	"purchaseTokenDecimals":300,
	"purchaseTokenCap":"1500000000",
	"contributions":"500000000",
	"totalSupply":"400000000",
	"sponsorFee":"2000000000000000000",
	"purchaseDuration":"86400",
	"duration":"604800",
	"purchaseExpiry":"",
	"timestamp":"1700000000",
	"dealAddress":null,
	"poolStatus":"PoolOpen"
}}}`

func TestSubgraphFailuresNotTransient(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		malformed bool
	}{
		{name: "graphql error", body: `{"errors":[{"message":"Type PoolCreated has no field foo"}]}`},
		{name: "decimals out of range", body: subgraphPool, malformed: true},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(tc.body))
		}))
		client := subgraph.NewClient(subgraph.Config{
			Endpoints:    map[uint64]string{1: server.URL},
			MaxRetries:   2,
			RetryBackoff: time.Millisecond,
		}, nil)
		_, reader := newFakes()

		_, res, err := Subscribe(context.Background(), Key{ChainID: 1, PoolAddress: poolA}, client, reader, Config{})
		server.Close()

		if res.State != StateFailed {
			t.Fatalf("%s: expected failed, got %s", tc.name, res.State)
		}
		if errors.Is(err, ErrTransient) {
			t.Fatalf("%s: reported as transient: %v", tc.name, err)
		}
		if got := errors.Is(err, derive.ErrMalformed); got != tc.malformed {
			t.Fatalf("%s: malformed=%v, want %v: %v", tc.name, got, tc.malformed, err)
		}
	}
}

func TestRefetchReportsLoadFailure(t *testing.T) {
	snaps, reader := newFakes()
	sub, _, err := Subscribe(context.Background(), Key{ChainID: 1, PoolAddress: poolA}, snaps, reader, Config{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	reader.set(poolA, nil)
	snap, err := sub.Refetch(context.Background())
	if !errors.Is(err, ErrNoData) {
		t.Fatalf("expected no data error, got %v", err)
	}
	if snap == nil || snap.ID != poolA {
		t.Fatalf("fetched snapshot should still be returned: %+v", snap)
	}
	if sub.Pool().State != StateFailed {
		t.Fatalf("expected failed state")
	}

	reader.set(poolA, big.NewInt(0))
	broken := testSnapshot(poolA, "pool-a")
	broken.TotalSupply = "-1"
	snaps.set(poolA, broken)
	if _, err := sub.Refetch(context.Background()); !errors.Is(err, derive.ErrMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}

	snaps.set(poolA, nil)
	snap, err = sub.Refetch(context.Background())
	if !errors.Is(err, ErrPoolNotFound) || snap != nil {
		t.Fatalf("expected not found without snapshot, got %+v, %v", snap, err)
	}
}

func TestOlderLoadDroppedAfterRefetch(t *testing.T) {
	snaps, reader := newFakes()
	reg := prometheus.NewRegistry()
	sub, err := New(Key{ChainID: 1, PoolAddress: poolA}, snaps, reader, Config{Registerer: reg})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	gate := snaps.gate(poolA)

	done := make(chan Result)
	go func() {
		done <- sub.Load(context.Background())
	}()
	waitFor(t, func() bool { return snaps.callCount() == 1 })

	snaps.set(poolA, testSnapshot(poolA, "pool-a-newer"))
	if _, err := sub.Refetch(context.Background()); err != nil {
		t.Fatalf("refetch: %v", err)
	}

	close(gate)
	<-done

	current := sub.Pool()
	if current.State != StateReady || current.Pool.Name != "pool-a-newer" {
		t.Fatalf("older load overwrote the refetched record: %+v", current)
	}
	if got := testutil.ToFloat64(sub.metrics.staleDropped); got != 1 {
		t.Fatalf("expected one dropped result, got %v", got)
	}
}

func TestResultAmountsAreCopies(t *testing.T) {
	snaps, reader := newFakes()
	reader.set(poolA, big.NewInt(5000000))
	sub, first, err := Subscribe(context.Background(), Key{ChainID: 1, PoolAddress: poolA}, snaps, reader, Config{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	first.Pool.Withdrawn.Raw.SetInt64(1)
	*first.Pool.PoolCap.Formatted = "tampered"
	<-sub.Updates()

	again := sub.Load(context.Background())
	if again.Pool.Withdrawn.Raw.Int64() != 5000000 || *again.Pool.PoolCap.Formatted != "1500" {
		t.Fatalf("cached record mutated through a result: %+v", again.Pool)
	}
	current := sub.Pool()
	current.Pool.Funded.Raw.SetInt64(7)
	if sub.Pool().Pool.Funded.Raw.Int64() != 500000000 {
		t.Fatalf("current result mutated through Pool()")
	}
}

func TestNewValidates(t *testing.T) {
	snaps, reader := newFakes()
	if _, err := New(Key{PoolAddress: poolA}, snaps, reader, Config{}); err == nil {
		t.Fatalf("expected chain id error")
	}
	if _, err := New(Key{ChainID: 1}, snaps, reader, Config{}); err == nil {
		t.Fatalf("expected pool address error")
	}
	if _, err := New(Key{ChainID: 1, PoolAddress: poolA}, nil, reader, Config{}); err == nil {
		t.Fatalf("expected fetcher error")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}
