package refresh

import (
	"errors"
	"fmt"
	"math/big"

	"poolScope/internal/model"
)

// State tells a consumer whether Pool can be rendered.
type State int

const (
	StatePending State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is the current outcome for a subscription. Pool is only meaningful
// when State is StateReady; Err is only set when State is StateFailed.
type Result struct {
	Key   Key
	State State
	Pool  model.NormalizedPool
	Err   error
}

func (r Result) clone() Result {
	r.Pool = clonePool(r.Pool)
	return r
}

func clonePool(p model.NormalizedPool) model.NormalizedPool {
	p.SponsorFee = cloneAmount(p.SponsorFee)
	p.PoolCap = cloneAmount(p.PoolCap)
	p.AmountInPool = cloneAmount(p.AmountInPool)
	p.Funded = cloneAmount(p.Funded)
	p.Withdrawn = cloneAmount(p.Withdrawn)
	if p.DealAddress != nil {
		addr := *p.DealAddress
		p.DealAddress = &addr
	}
	return p
}

func cloneAmount(a model.DetailedAmount) model.DetailedAmount {
	if a.Raw != nil {
		a.Raw = new(big.Int).Set(a.Raw)
	}
	if a.Formatted != nil {
		f := *a.Formatted
		a.Formatted = &f
	}
	return a
}

var (
	// ErrPoolNotFound means the query layer completed but has no such pool.
	ErrPoolNotFound = errors.New("pool not found")
	// ErrNoData means the contract read completed without a value.
	ErrNoData = errors.New("no data returned")
	// ErrTransient marks transport failures that outlasted the fetch layer's
	// retries. Permanent fetch errors and malformed data never match it.
	ErrTransient = errors.New("transient fetch failure")
)

// Fetch names used in FetchError.
const (
	FetchSnapshot  = "snapshot"
	FetchWithdrawn = "totalAmountWithdrawn"
)

// FetchError reports which fetch failed for which pool.
type FetchError struct {
	Pool      string
	Fetch     string
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("pool %s: fetch %s: %v", e.Pool, e.Fetch, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	return e.Transient && target == ErrTransient
}
