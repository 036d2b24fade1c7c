package exec

import (
	"errors"
	"fmt"
)

// NoRetry marks a dispatch error as non-retryable.
//
// Configuration faults (unknown pool, malformed request) cannot be fixed by
// dispatching again; the graph manager fails such attempts terminally instead
// of burning the retry budget.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
