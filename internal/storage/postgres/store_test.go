package postgres

import (
	"errors"
	"testing"

	"poolScope/internal/derive"
)

func TestTokenDecimals(t *testing.T) {
	got, err := tokenDecimals(nil)
	if err != nil || got != nil {
		t.Fatalf("NULL column: got %v, err %v", got, err)
	}

	six := int16(6)
	got, err = tokenDecimals(&six)
	if err != nil || got == nil || *got != 6 {
		t.Fatalf("decimals mismatch: got %v, err %v", got, err)
	}

	for _, value := range []int16{-1, 256, 300} {
		v := value
		_, err := tokenDecimals(&v)
		if !errors.Is(err, derive.ErrMalformed) {
			t.Fatalf("tokenDecimals(%d) expected malformed error, got %v", value, err)
		}
	}
}
