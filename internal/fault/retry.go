package fault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds exponential backoff for transient dependency failures.
type Policy struct {
	Attempts        int           `json:"attempts" yaml:"attempts"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:        4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Attempts < 1 {
		p.Attempts = d.Attempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

// NewBackOff builds a context-aware backoff that stops after the policy's attempts.
func (p Policy) NewBackOff(ctx context.Context) backoff.BackOff {
	p = p.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.Attempts-1)), ctx)
}

// Retry runs op until it succeeds, fails with a non-transient error, or the
// policy's attempts are used up. Exhaustion is reported as ErrDependencyFailure
// wrapping the last cause.
func Retry(ctx context.Context, p Policy, op func() error) error {
	return RetryIf(ctx, p, func(err error) bool { return errors.Is(err, ErrUnavailable) }, op)
}

// RetryIf is Retry with a caller-supplied retryable check.
func RetryIf(ctx context.Context, p Policy, retryable func(error) bool, op func() error) error {
	p = p.normalized()
	var (
		last     error
		attempts int
	)
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		last = err
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, p.NewBackOff(ctx))
	if err == nil {
		return nil
	}
	if last != nil && retryable(last) && errors.Is(err, last) {
		return fmt.Errorf("%w after %d attempts: %w", ErrDependencyFailure, attempts, last)
	}
	return err
}
