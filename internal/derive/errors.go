package derive

import (
	"errors"
	"fmt"
)

// ErrMalformed marks a present upstream value that failed numeric conversion.
var ErrMalformed = errors.New("malformed data")

// MalformedError names the snapshot field that could not be converted.
type MalformedError struct {
	Field  string
	Value  string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}
