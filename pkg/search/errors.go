package search

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Reason classifies why a query failed.
type Reason string

const (
	ReasonNotFound               Reason = "NOT_FOUND"
	ReasonNotUnique              Reason = "NOT_UNIQUE"
	ReasonSecondaryStorageNotSet Reason = "SECONDARY_STORAGE_NOT_SET"
	ReasonForbidden              Reason = "FORBIDDEN"
	ReasonInvalidArgument        Reason = "INVALID_ARGUMENT"
	ReasonConnectionFailed       Reason = "CONNECTION_FAILED"
	ReasonUnknown                Reason = "UNKNOWN"
)

// Error is a query failure carrying a classifiable reason.
type Error struct {
	Reason Reason
	cause  error
}

func NewError(reason Reason, cause error) *Error {
	return &Error{Reason: reason, cause: cause}
}

func Errorf(reason Reason, format string, args ...interface{}) *Error {
	return &Error{Reason: reason, cause: errors.NewWithDepthf(1, format, args...)}
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("search failed: %s", e.Reason)
	}
	return fmt.Sprintf("search failed (%s): %v", e.Reason, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// ReasonOf returns the reason of the first search Error in err's chain.
func ReasonOf(err error) (Reason, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Reason, true
	}
	return "", false
}
