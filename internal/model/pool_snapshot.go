package model

import (
	"fmt"
	"strings"
)

// PoolStatus is the lifecycle stage of a pool.
type PoolStatus string

const (
	PoolStatusPending PoolStatus = "pending"
	PoolStatusFunding PoolStatus = "funding"
	PoolStatusInDeal  PoolStatus = "in_deal"
	PoolStatusClosed  PoolStatus = "closed"
)

var poolStatusAliases = map[string]PoolStatus{
	"pending":     PoolStatusPending,
	"funding":     PoolStatusFunding,
	"in_deal":     PoolStatusInDeal,
	"in-deal":     PoolStatusInDeal,
	"closed":      PoolStatusClosed,
	"poolopen":    PoolStatusFunding,
	"fundingdeal": PoolStatusInDeal,
	"dealopen":    PoolStatusInDeal,
}

// ParsePoolStatus maps both the canonical names and the indexer enum values
// (PoolOpen, FundingDeal, DealOpen, Closed) to a PoolStatus.
func ParsePoolStatus(input string) (PoolStatus, error) {
	status, ok := poolStatusAliases[strings.ToLower(strings.TrimSpace(input))]
	if !ok {
		return "", fmt.Errorf("unknown pool status %q", input)
	}
	return status, nil
}

// RawPoolSnapshot is the indexer's PoolCreated record. Numeric fields are
// base-10 integer strings exactly as the query layer returns them.
type RawPoolSnapshot struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name"`
	Symbol                string  `json:"symbol"`
	Sponsor               string  `json:"sponsor"`
	PurchaseToken         string  `json:"purchaseToken"`
	PurchaseTokenSymbol   string  `json:"purchaseTokenSymbol"`
	PurchaseTokenDecimals *uint8  `json:"purchaseTokenDecimals"`
	PurchaseTokenCap      string  `json:"purchaseTokenCap"`
	Contributions         string  `json:"contributions"`
	TotalSupply           string  `json:"totalSupply"`
	SponsorFee            string  `json:"sponsorFee"`
	PurchaseDuration      string  `json:"purchaseDuration"`
	Duration              string  `json:"duration"`
	PurchaseExpiry        string  `json:"purchaseExpiry"`
	Timestamp             string  `json:"timestamp"`
	DealAddress           *string `json:"dealAddress"`
	PoolStatus            string  `json:"poolStatus"`
}
