package derive

import (
	"math/big"
	"time"

	"poolScope/internal/model"
)

// SponsorFeeDecimals is the fixed-point precision of the sponsor fee
// percentage (1e18 == 1%).
const SponsorFeeDecimals uint8 = 18

// PoolCreatedDate is the pool's creation time.
func PoolCreatedDate(pool model.RawPoolSnapshot) (time.Time, error) {
	return UnixDate("timestamp", pool.Timestamp)
}

// InvestmentDeadline is creation time plus the purchase duration.
func InvestmentDeadline(pool model.RawPoolSnapshot) (time.Time, error) {
	created, err := PoolCreatedDate(pool)
	if err != nil {
		return time.Time{}, err
	}
	return AddSeconds(created, "purchaseDuration", pool.PurchaseDuration)
}

// PurchaseExpiry uses the snapshot's absolute purchaseExpiry when the
// indexer recorded one and falls back to the investment deadline.
func PurchaseExpiry(pool model.RawPoolSnapshot) (time.Time, error) {
	if pool.PurchaseExpiry != "" {
		return UnixDate("purchaseExpiry", pool.PurchaseExpiry)
	}
	return InvestmentDeadline(pool)
}

// DealDeadline is the purchase expiry plus the pool duration.
func DealDeadline(pool model.RawPoolSnapshot) (time.Time, error) {
	expiry, err := PurchaseExpiry(pool)
	if err != nil {
		return time.Time{}, err
	}
	return AddSeconds(expiry, "duration", pool.Duration)
}

// PurchaseTokenCap reads purchaseTokenCap, the most the pool accepts.
func PurchaseTokenCap(pool model.RawPoolSnapshot, decimals *uint8) (model.DetailedAmount, error) {
	return detailedField("purchaseTokenCap", pool.PurchaseTokenCap, decimals)
}

// AmountInPool reads totalSupply, the pool tokens outstanding.
func AmountInPool(pool model.RawPoolSnapshot, decimals *uint8) (model.DetailedAmount, error) {
	return detailedField("totalSupply", pool.TotalSupply, decimals)
}

// AmountFunded reads contributions, the purchase tokens deposited.
func AmountFunded(pool model.RawPoolSnapshot, decimals *uint8) (model.DetailedAmount, error) {
	return detailedField("contributions", pool.Contributions, decimals)
}

// SponsorFee is formatted with SponsorFeeDecimals regardless of the
// purchase token.
func SponsorFee(pool model.RawPoolSnapshot) (model.DetailedAmount, error) {
	decimals := SponsorFeeDecimals
	return detailedField("sponsorFee", pool.SponsorFee, &decimals)
}

// AmountWithdrawn converts the live withdrawn total. A value that has not
// been loaded yet becomes an explicit zero.
func AmountWithdrawn(live model.LiveAmount, decimals *uint8) model.DetailedAmount {
	if !live.Loaded || live.Int == nil {
		return Detailed(new(big.Int), decimals)
	}
	return Detailed(live.Int, decimals)
}

func detailedField(field, value string, decimals *uint8) (model.DetailedAmount, error) {
	raw, err := ParseRaw(field, value)
	if err != nil {
		return model.DetailedAmount{}, err
	}
	return Detailed(raw, decimals), nil
}
