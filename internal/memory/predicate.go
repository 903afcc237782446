package memory

import (
	"reflect"
	"strings"
	"time"
)

// All matches every record.
func All() Predicate {
	return func(Record) bool { return true }
}

// KeyPrefix matches records whose key starts with p.
func KeyPrefix(p string) Predicate {
	return func(r Record) bool { return strings.HasPrefix(r.Key, p) }
}

// WrittenAfter matches records written strictly after t.
func WrittenAfter(t time.Time) Predicate {
	return func(r Record) bool { return r.WrittenAt.After(t) }
}

// DataEquals matches records whose structured data holds v under field.
func DataEquals(field string, v any) Predicate {
	return func(r Record) bool {
		got, ok := r.Value.Data[field]
		return ok && reflect.DeepEqual(got, v)
	}
}

// And matches records satisfying every predicate. Nil predicates are ignored.
func And(preds ...Predicate) Predicate {
	return func(r Record) bool {
		for _, p := range preds {
			if p != nil && !p(r) {
				return false
			}
		}
		return true
	}
}
