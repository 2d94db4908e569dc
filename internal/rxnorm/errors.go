package rxnorm

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means RxNav answered definitively that no concept exists.
	ErrNotFound = errors.New("rxnorm: no concept for identifier")
	// ErrUnavailable means the service could not be reached after all retries.
	ErrUnavailable = errors.New("rxnorm: service unavailable")
	// ErrMalformedResponse means the service answered with an unexpected shape.
	ErrMalformedResponse = errors.New("rxnorm: malformed response")
)

// Outcome classifies the result of a lookup
type Outcome string

const (
	OutcomeResolved          Outcome = "resolved"
	OutcomeNotFound          Outcome = "not_found"
	OutcomeTransientFailure  Outcome = "transient_failure"
	OutcomeMalformedResponse Outcome = "malformed_response"
)

// Classify maps a lookup error to its outcome. A nil error is OutcomeResolved.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeResolved
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, ErrMalformedResponse):
		return OutcomeMalformedResponse
	default:
		return OutcomeTransientFailure
	}
}

// LookupError carries the operation and key of a failed lookup
type LookupError struct {
	Op       string
	Key      string
	Attempts int
	Err      error
}

func (e *LookupError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s %s after %d attempts: %v", e.Op, e.Key, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// statusError is a non-200 HTTP answer
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.code)
}
