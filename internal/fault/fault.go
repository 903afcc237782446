// Package fault defines the error taxonomy shared by the controller and its
// dependencies, plus the bounded retry helper used for transient failures.
package fault

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for missing memory keys or graph entities.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks a store, graph or model that is transiently unreachable.
	ErrUnavailable = errors.New("dependency unavailable")

	// ErrDependencyFailure is returned once retries of an unavailable dependency are exhausted.
	ErrDependencyFailure = errors.New("dependency failure")

	// ErrEvaluationUnavailable means bias scoring could not complete. It is
	// retryable and never evidence of low bias.
	ErrEvaluationUnavailable = errors.New("evaluation unavailable")

	// ErrTimeout marks an agent turn or dependency call that exceeded its deadline.
	ErrTimeout = errors.New("deadline exceeded")

	// ErrRetryBudgetExhausted is attached to chains aborted after their last allowed attempt.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")

	// ErrInvalidConfig is the only class of error that is fatal at session start.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Unavailable wraps err so that errors.Is(result, ErrUnavailable) holds while
// the original cause stays reachable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Invalid builds a configuration error.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrEvaluationUnavailable)
}
