package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
)

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	s := NewRedis(rdb, zap.NewNop())
	s.now = newClock().Now
	return s, mr
}

func TestRedis_PutGet(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	val := Value{Text: "women are bad at math", Data: map[string]any{"label": "violating"}}
	if err := s.Put(ctx, Shared, "exemplar:1", val, 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	rec, err := s.Get(ctx, Shared, "exemplar:1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Value.Text != val.Text || rec.Value.Data["label"] != "violating" {
		t.Errorf("round trip mismatch: %+v", rec)
	}
	if rec.Scope != Shared || rec.Key != "exemplar:1" {
		t.Errorf("scope/key mismatch: %+v", rec)
	}

	if _, err := s.Get(ctx, Shared, "missing"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("missing key: err = %v", err)
	}
}

func TestRedis_ScopesDoNotCollide(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, Private("a"), "b:c", Value{Text: "one"}, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, Private("a:b"), "c", Value{Text: "two"}, 0); err != nil {
		t.Fatal(err)
	}
	rec, err := s.Get(ctx, Private("a"), "b:c")
	if err != nil || rec.Value.Text != "one" {
		t.Errorf("got %+v, %v", rec, err)
	}
}

func TestRedis_TTLAndQuery(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, Shared, "exemplar:b", Value{Text: "b"}, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, Shared, "exemplar:a", Value{Text: "a"}, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, Shared, "other", Value{Text: "o"}, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, Shared, "exemplar:c", Value{Text: "c"}, 0); err != nil {
		t.Fatal(err)
	}

	recs, err := Collect(s.Query(ctx, Shared, KeyPrefix("exemplar:")))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].Key != "exemplar:b" || recs[1].Key != "exemplar:a" || recs[2].Key != "exemplar:c" {
		t.Fatalf("unexpected order: %+v", recs)
	}

	mr.FastForward(2 * time.Second)
	if _, err := s.Get(ctx, Shared, "exemplar:a"); !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("expired key: err = %v", err)
	}
	recs, err = Collect(s.Query(ctx, Shared, KeyPrefix("exemplar:")))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Errorf("got %d records after expiry, want 2", len(recs))
	}
	members, _ := mr.ZMembers(indexKey(Shared))
	for _, m := range members {
		if m == "exemplar:a" {
			t.Error("expired key left in index")
		}
	}
}

func TestRedis_Unavailable(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()
	ctx := context.Background()

	if err := s.Put(ctx, Shared, "k", Value{Text: "x"}, 0); !errors.Is(err, fault.ErrUnavailable) {
		t.Errorf("put err = %v, want ErrUnavailable", err)
	}
	if _, err := s.Get(ctx, Shared, "k"); !errors.Is(err, fault.ErrUnavailable) {
		t.Errorf("get err = %v, want ErrUnavailable", err)
	}
	_, err := Collect(s.Query(ctx, Shared, nil))
	if !errors.Is(err, fault.ErrUnavailable) {
		t.Errorf("query err = %v, want ErrUnavailable", err)
	}
}
