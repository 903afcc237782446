package memory

import (
	"context"
	"errors"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
)

// Retrying retries transient backend failures of another Store with bounded
// exponential backoff. Once a Query has yielded a record, later failures are
// passed to the caller instead of restarting the sequence.
type Retrying struct {
	inner  Store
	policy fault.Policy
	logger *zap.Logger
}

// NewRetrying wraps inner.
func NewRetrying(inner Store, policy fault.Policy, logger *zap.Logger) *Retrying {
	return &Retrying{inner: inner, policy: policy, logger: logger}
}

func (s *Retrying) Put(ctx context.Context, scope Scope, key string, value Value, ttl time.Duration) error {
	return fault.Retry(ctx, s.policy, func() error {
		err := s.inner.Put(ctx, scope, key, value, ttl)
		s.logRetry("put", scope, key, err)
		return err
	})
}

func (s *Retrying) Get(ctx context.Context, scope Scope, key string) (Record, error) {
	var rec Record
	err := fault.Retry(ctx, s.policy, func() error {
		var err error
		rec, err = s.inner.Get(ctx, scope, key)
		s.logRetry("get", scope, key, err)
		return err
	})
	return rec, err
}

func (s *Retrying) Query(ctx context.Context, scope Scope, pred Predicate) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		var yielded, stopped bool
		retryable := func(err error) bool {
			return !yielded && errors.Is(err, fault.ErrUnavailable)
		}
		err := fault.RetryIf(ctx, s.policy, retryable, func() error {
			for rec, err := range s.inner.Query(ctx, scope, pred) {
				if err != nil {
					s.logRetry("query", scope, "", err)
					return err
				}
				yielded = true
				if !yield(rec, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(Record{}, err)
		}
	}
}

func (s *Retrying) logRetry(op string, scope Scope, key string, err error) {
	if err == nil || !errors.Is(err, fault.ErrUnavailable) {
		return
	}
	s.logger.Warn("memory backend unavailable",
		zap.String("op", op),
		zap.String("scope", string(scope)),
		zap.String("key", key),
		zap.Error(err))
}
