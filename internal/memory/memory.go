// Package memory implements the scoped key/value store agents and the
// controller share. Records live either in an agent's private scope or in the
// shared scope; writes are last-write-wins per key and reads never observe a
// partially written record.
package memory

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"
)

// Scope partitions records by visibility.
type Scope string

// Shared is visible to every agent of every session. Keys written here by the
// controller are namespaced by session id.
const Shared Scope = "shared"

const privatePrefix = "private:"

// Private returns the private scope of an agent.
func Private(agentID string) Scope {
	return Scope(privatePrefix + agentID)
}

// ParseScope validates the textual form of a scope.
func ParseScope(s string) (Scope, error) {
	if s == string(Shared) {
		return Shared, nil
	}
	if id, ok := strings.CutPrefix(s, privatePrefix); ok && id != "" {
		return Scope(s), nil
	}
	return "", fmt.Errorf("invalid scope %q", s)
}

// Agent returns the owning agent of a private scope, or "" for Shared.
func (s Scope) Agent() string {
	id, ok := strings.CutPrefix(string(s), privatePrefix)
	if !ok {
		return ""
	}
	return id
}

// Value is the payload of a record: free text plus optional structured data.
type Value struct {
	Text string         `json:"text"`
	Data map[string]any `json:"data,omitempty"`
}

// Record is one stored entry.
type Record struct {
	Scope     Scope         `json:"scope"`
	Key       string        `json:"key"`
	Value     Value         `json:"value"`
	WrittenAt time.Time     `json:"written_at"`
	TTL       time.Duration `json:"ttl,omitempty"`
}

// Expired reports whether the record's TTL elapsed before now.
func (r Record) Expired(now time.Time) bool {
	return r.TTL > 0 && !now.Before(r.WrittenAt.Add(r.TTL))
}

// Predicate filters records during a Query.
type Predicate func(Record) bool

// Store is the scoped memory contract.
//
// Get returns fault.ErrNotFound for missing and expired keys. Query yields the
// matching records of a scope in WrittenAt order; the sequence is finite and
// each range over it reads the store again. Every method returns an error
// wrapping fault.ErrUnavailable when the backend cannot be reached.
type Store interface {
	Put(ctx context.Context, scope Scope, key string, value Value, ttl time.Duration) error
	Get(ctx context.Context, scope Scope, key string) (Record, error)
	Query(ctx context.Context, scope Scope, pred Predicate) iter.Seq2[Record, error]
}

// Collect drains a query into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for r, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

func validKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty memory key")
	}
	return nil
}
