package model

import "time"

// NormalizedPool is the reconciled, display-ready view of a pool.
type NormalizedPool struct {
	ChainID                 uint64         `json:"chain_id"`
	Name                    string         `json:"name"`
	Symbol                  string         `json:"symbol"`
	Address                 string         `json:"address"`
	Start                   time.Time      `json:"start"`
	InvestmentToken         string         `json:"investment_token"`
	InvestmentTokenSymbol   string         `json:"investment_token_symbol"`
	InvestmentTokenDecimals uint8          `json:"investment_token_decimals"`
	InvestmentDeadline      time.Time      `json:"investment_deadline"`
	PurchaseExpiry          time.Time      `json:"purchase_expiry"`
	DealDeadline            time.Time      `json:"deal_deadline"`
	DealAddress             *string        `json:"deal_address"`
	Sponsor                 string         `json:"sponsor"`
	SponsorFee              DetailedAmount `json:"sponsor_fee"`
	PoolCap                 DetailedAmount `json:"pool_cap"`
	AmountInPool            DetailedAmount `json:"amount_in_pool"`
	Funded                  DetailedAmount `json:"funded"`
	Withdrawn               DetailedAmount `json:"withdrawn"`
	PoolStatus              PoolStatus     `json:"pool_status"`
}
