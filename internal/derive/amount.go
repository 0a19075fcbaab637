package derive

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"poolScope/internal/model"
)

// ParseRaw parses an unsigned base-10 integer field.
func ParseRaw(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, &MalformedError{Field: field, Value: value, Reason: "empty"}
	}
	if !isNumeric(trimmed) {
		if strings.HasPrefix(trimmed, "-") {
			return nil, &MalformedError{Field: field, Value: value, Reason: "negative"}
		}
		return nil, &MalformedError{Field: field, Value: value, Reason: "not an unsigned integer"}
	}
	out, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, &MalformedError{Field: field, Value: value, Reason: "not an unsigned integer"}
	}
	return out, nil
}

// FormatUnits renders raw / 10^decimals exactly, without trailing zeros.
func FormatUnits(raw *big.Int, decimals uint8) string {
	if raw == nil {
		return "0"
	}
	return decimal.NewFromBigInt(raw, -int32(decimals)).String()
}

// Detailed builds a DetailedAmount. Raw is always kept; Formatted is left nil
// when decimals is unknown.
func Detailed(raw *big.Int, decimals *uint8) model.DetailedAmount {
	if raw == nil {
		return model.DetailedAmount{}
	}
	out := model.DetailedAmount{Raw: new(big.Int).Set(raw)}
	if decimals != nil {
		formatted := FormatUnits(raw, *decimals)
		out.Formatted = &formatted
	}
	return out
}

func isNumeric(input string) bool {
	for _, r := range input {
		if r < '0' || r > '9' {
			return false
		}
	}
	return input != ""
}
