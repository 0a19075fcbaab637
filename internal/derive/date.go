package derive

import (
	"math/big"
	"time"
)

// UnixDate converts a unix-seconds field into a UTC time.
func UnixDate(field, value string) (time.Time, error) {
	secs, err := parseSeconds(field, value)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

// AddSeconds returns base shifted by the duration held in a seconds field.
func AddSeconds(base time.Time, field, value string) (time.Time, error) {
	secs, err := parseSeconds(field, value)
	if err != nil {
		return time.Time{}, err
	}
	end := base.Unix() + secs
	if end > maxUnixSeconds.Int64() {
		return time.Time{}, &MalformedError{Field: field, Value: value, Reason: "date out of range"}
	}
	return time.Unix(end, int64(base.Nanosecond())).UTC(), nil
}

func parseSeconds(field, value string) (int64, error) {
	raw, err := ParseRaw(field, value)
	if err != nil {
		return 0, err
	}
	if !raw.IsInt64() || raw.Cmp(maxUnixSeconds) > 0 {
		return 0, &MalformedError{Field: field, Value: value, Reason: "out of range"}
	}
	return raw.Int64(), nil
}

// year 9999, well inside time.Time's range.
var maxUnixSeconds = big.NewInt(253402300799)
