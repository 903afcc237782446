package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
)

const (
	redisPrefix    = "fairloop:mem:"
	redisBatchSize = 200
)

// Redis stores records as JSON string keys with native expiry. Every scope
// keeps a sorted-set index scored by write time, which Query reads once per
// range to fix the set of keys it will visit.
type Redis struct {
	rdb    redis.UniversalClient
	now    func() time.Time
	logger *zap.Logger
}

// NewRedis wraps an existing client.
func NewRedis(rdb redis.UniversalClient, logger *zap.Logger) *Redis {
	return &Redis{rdb: rdb, now: time.Now, logger: logger}
}

// DialRedis connects to redisURL and verifies the connection.
func DialRedis(ctx context.Context, redisURL string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fault.Unavailable("redis ping", err)
	}
	return NewRedis(rdb, logger), nil
}

// Client exposes the underlying client so other components can share it.
func (s *Redis) Client() redis.UniversalClient {
	return s.rdb
}

// Close releases the connection pool.
func (s *Redis) Close() error {
	return s.rdb.Close()
}

func dataKey(scope Scope, key string) string {
	return redisPrefix + "{" + string(scope) + "}:" + key
}

func indexKey(scope Scope) string {
	return redisPrefix + "idx:{" + string(scope) + "}"
}

func (s *Redis) Put(ctx context.Context, scope Scope, key string, value Value, ttl time.Duration) error {
	if err := validKey(key); err != nil {
		return err
	}
	rec := Record{Scope: scope, Key: key, Value: value, WrittenAt: s.now().UTC(), TTL: ttl}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode memory record: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, dataKey(scope, key), data, ttl)
		pipe.ZAdd(ctx, indexKey(scope), redis.Z{
			Score:  float64(rec.WrittenAt.UnixMicro()),
			Member: key,
		})
		return nil
	})
	if err != nil {
		return backendErr(ctx, "memory put", err)
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, scope Scope, key string) (Record, error) {
	data, err := s.rdb.Get(ctx, dataKey(scope, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("memory %s/%s: %w", scope, key, fault.ErrNotFound)
	}
	if err != nil {
		return Record{}, backendErr(ctx, "memory get", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode memory record %s/%s: %w", scope, key, err)
	}
	return rec, nil
}

func (s *Redis) Query(ctx context.Context, scope Scope, pred Predicate) iter.Seq2[Record, error] {
	if pred == nil {
		pred = All()
	}
	return func(yield func(Record, error) bool) {
		keys, err := s.rdb.ZRange(ctx, indexKey(scope), 0, -1).Result()
		if err != nil {
			yield(Record{}, backendErr(ctx, "memory query", err))
			return
		}

		var stale []any
		defer func() {
			if len(stale) > 0 {
				s.prune(ctx, scope, stale)
			}
		}()

		for start := 0; start < len(keys); start += redisBatchSize {
			batch := keys[start:min(start+redisBatchSize, len(keys))]
			full := make([]string, len(batch))
			for i, k := range batch {
				full[i] = dataKey(scope, k)
			}
			vals, err := s.rdb.MGet(ctx, full...).Result()
			if err != nil {
				yield(Record{}, backendErr(ctx, "memory query", err))
				return
			}
			for i, v := range vals {
				raw, ok := v.(string)
				if !ok {
					stale = append(stale, batch[i])
					continue
				}
				var rec Record
				if err := json.Unmarshal([]byte(raw), &rec); err != nil {
					s.logger.Warn("skip undecodable memory record",
						zap.String("scope", string(scope)),
						zap.String("key", batch[i]),
						zap.Error(err))
					continue
				}
				if !pred(rec) {
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

// prune removes index members whose data key has expired.
func (s *Redis) prune(ctx context.Context, scope Scope, members []any) {
	if ctx.Err() != nil {
		return
	}
	if err := s.rdb.ZRem(ctx, indexKey(scope), members...).Err(); err != nil {
		s.logger.Debug("prune memory index", zap.String("scope", string(scope)), zap.Error(err))
	}
}

func backendErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fault.Unavailable(op, err)
}
