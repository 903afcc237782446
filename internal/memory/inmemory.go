package memory

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
)

type entry struct {
	rec Record
	seq uint64
}

// InMemory is a process-local Store. It is safe for concurrent use.
type InMemory struct {
	mu     sync.RWMutex
	scopes map[Scope]map[string]entry
	seq    uint64
	now    func() time.Time
	logger *zap.Logger
}

// NewInMemory creates an empty in-process store.
func NewInMemory(logger *zap.Logger) *InMemory {
	return &InMemory{
		scopes: make(map[Scope]map[string]entry),
		now:    time.Now,
		logger: logger,
	}
}

func (m *InMemory) Put(ctx context.Context, scope Scope, key string, value Value, ttl time.Duration) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys, ok := m.scopes[scope]
	if !ok {
		keys = make(map[string]entry)
		m.scopes[scope] = keys
	}
	m.seq++
	keys[key] = entry{
		rec: Record{
			Scope:     scope,
			Key:       key,
			Value:     cloneValue(value),
			WrittenAt: m.now(),
			TTL:       ttl,
		},
		seq: m.seq,
	}
	return nil
}

func (m *InMemory) Get(ctx context.Context, scope Scope, key string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	e, ok := m.scopes[scope][key]
	m.mu.RUnlock()
	if !ok || e.rec.Expired(m.now()) {
		return Record{}, fmt.Errorf("memory %s/%s: %w", scope, key, fault.ErrNotFound)
	}
	e.rec.Value = cloneValue(e.rec.Value)
	return e.rec, nil
}

func (m *InMemory) Query(ctx context.Context, scope Scope, pred Predicate) iter.Seq2[Record, error] {
	if pred == nil {
		pred = All()
	}
	return func(yield func(Record, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(Record{}, err)
			return
		}
		for _, rec := range m.snapshot(scope) {
			if ctx.Err() != nil {
				yield(Record{}, ctx.Err())
				return
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

// snapshot copies the live records of a scope in write order.
func (m *InMemory) snapshot(scope Scope) []Record {
	now := m.now()
	m.mu.RLock()
	entries := make([]entry, 0, len(m.scopes[scope]))
	for _, e := range m.scopes[scope] {
		if !e.rec.Expired(now) {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].rec.WrittenAt.Equal(entries[j].rec.WrittenAt) {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].rec.WrittenAt.Before(entries[j].rec.WrittenAt)
	})
	out := make([]Record, len(entries))
	for i, e := range entries {
		e.rec.Value = cloneValue(e.rec.Value)
		out[i] = e.rec
	}
	return out
}

// Sweep drops expired records and returns how many were removed.
func (m *InMemory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, keys := range m.scopes {
		for k, e := range keys {
			if e.rec.Expired(now) {
				delete(keys, k)
				n++
			}
		}
	}
	if n > 0 {
		m.logger.Debug("swept expired memory records", zap.Int("count", n))
	}
	return n
}

func cloneValue(v Value) Value {
	if v.Data == nil {
		return v
	}
	data := make(map[string]any, len(v.Data))
	for k, val := range v.Data {
		data[k] = val
	}
	v.Data = data
	return v
}
