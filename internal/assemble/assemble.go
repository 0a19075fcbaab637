// Package assemble reconciles an indexer snapshot with live contract state
// into a model.NormalizedPool.
package assemble

import (
	"errors"
	"fmt"
	"strings"

	"poolScope/internal/derive"
	"poolScope/internal/model"
)

// Dependencies that must be resolved before a pool can be assembled.
const (
	DependencySnapshot  = "snapshot"
	DependencyWithdrawn = "totalAmountWithdrawn"
	DependencyDecimals  = "purchaseTokenDecimals"
)

// ErrUnresolved marks a required upstream value that is still absent.
var ErrUnresolved = errors.New("unresolved dependency")

// UnresolvedError names the pool and the dependency that is missing.
type UnresolvedError struct {
	Pool       string
	Dependency string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("pool %s: %s is not available", e.Pool, e.Dependency)
}

func (e *UnresolvedError) Is(target error) bool {
	return target == ErrUnresolved
}

// Assemble builds the normalized pool. The withdrawn total comes from the
// live read; every other field comes from the snapshot. Identical inputs
// always yield deep-equal outputs and the result shares no memory with them.
func Assemble(chainID uint64, raw *model.RawPoolSnapshot, poolAddress string, live model.LiveAmount, decimals *uint8) (model.NormalizedPool, error) {
	if raw == nil {
		return model.NormalizedPool{}, &UnresolvedError{Pool: poolAddress, Dependency: DependencySnapshot}
	}
	if !live.Loaded || live.Int == nil {
		return model.NormalizedPool{}, &UnresolvedError{Pool: poolAddress, Dependency: DependencyWithdrawn}
	}
	if decimals == nil {
		return model.NormalizedPool{}, &UnresolvedError{Pool: poolAddress, Dependency: DependencyDecimals}
	}

	pool, err := build(chainID, *raw, poolAddress, live, *decimals)
	if err != nil {
		return model.NormalizedPool{}, fmt.Errorf("pool %s: %w", poolAddress, err)
	}
	return pool, nil
}

func build(chainID uint64, raw model.RawPoolSnapshot, poolAddress string, live model.LiveAmount, decimals uint8) (model.NormalizedPool, error) {
	status, err := model.ParsePoolStatus(raw.PoolStatus)
	if err != nil {
		return model.NormalizedPool{}, &derive.MalformedError{Field: "poolStatus", Value: raw.PoolStatus, Reason: "unknown status"}
	}

	start, err := derive.PoolCreatedDate(raw)
	if err != nil {
		return model.NormalizedPool{}, err
	}
	investmentDeadline, err := derive.InvestmentDeadline(raw)
	if err != nil {
		return model.NormalizedPool{}, err
	}
	purchaseExpiry, err := derive.PurchaseExpiry(raw)
	if err != nil {
		return model.NormalizedPool{}, err
	}
	dealDeadline, err := derive.DealDeadline(raw)
	if err != nil {
		return model.NormalizedPool{}, err
	}

	sponsorFee, err := derive.SponsorFee(raw)
	if err != nil {
		return model.NormalizedPool{}, err
	}
	poolCap, err := derive.PurchaseTokenCap(raw, &decimals)
	if err != nil {
		return model.NormalizedPool{}, err
	}
	amountInPool, err := derive.AmountInPool(raw, &decimals)
	if err != nil {
		return model.NormalizedPool{}, err
	}
	funded, err := derive.AmountFunded(raw, &decimals)
	if err != nil {
		return model.NormalizedPool{}, err
	}

	return model.NormalizedPool{
		ChainID:                 chainID,
		Name:                    raw.Name,
		Symbol:                  raw.Symbol,
		Address:                 poolAddress,
		Start:                   start,
		InvestmentToken:         raw.PurchaseToken,
		InvestmentTokenSymbol:   raw.PurchaseTokenSymbol,
		InvestmentTokenDecimals: decimals,
		InvestmentDeadline:      investmentDeadline,
		PurchaseExpiry:          purchaseExpiry,
		DealDeadline:            dealDeadline,
		DealAddress:             dealAddress(raw.DealAddress),
		Sponsor:                 raw.Sponsor,
		SponsorFee:              sponsorFee,
		PoolCap:                 poolCap,
		AmountInPool:            amountInPool,
		Funded:                  funded,
		Withdrawn:               derive.AmountWithdrawn(live, &decimals),
		PoolStatus:              status,
	}, nil
}

func dealAddress(input *string) *string {
	if input == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*input)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
