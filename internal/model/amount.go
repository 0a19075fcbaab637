package model

import (
	"encoding/json"
	"math/big"
)

// DetailedAmount pairs an unscaled integer with its decimal rendering.
// Formatted is nil when the token precision is unknown.
type DetailedAmount struct {
	Raw       *big.Int
	Formatted *string
}

type detailedAmountJSON struct {
	Raw       string  `json:"raw"`
	Formatted *string `json:"formatted"`
}

// MarshalJSON encodes Raw as a decimal string so large values survive JSON.
func (d DetailedAmount) MarshalJSON() ([]byte, error) {
	raw := "0"
	if d.Raw != nil {
		raw = d.Raw.String()
	}
	return json.Marshal(detailedAmountJSON{Raw: raw, Formatted: d.Formatted})
}

// LiveAmount is a value read directly from the contract. Loaded is false
// until the read has produced a value; a loaded zero is a real zero.
type LiveAmount struct {
	Int    *big.Int
	Loaded bool
}

// NotLoaded is the LiveAmount before the on-chain read completes.
func NotLoaded() LiveAmount {
	return LiveAmount{}
}

// Loaded wraps a value returned by the contract. A nil value stays not loaded.
func Loaded(v *big.Int) LiveAmount {
	if v == nil {
		return LiveAmount{}
	}
	return LiveAmount{Int: new(big.Int).Set(v), Loaded: true}
}

// String renders the amount for keys and logs.
func (l LiveAmount) String() string {
	if !l.Loaded || l.Int == nil {
		return "<not loaded>"
	}
	return l.Int.String()
}
