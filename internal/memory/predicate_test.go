package memory

import (
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/fairloop/internal/fault"
)

func TestPredicates(t *testing.T) {
	base := time.Now()
	rec := Record{
		Scope:     Shared,
		Key:       "exemplar:1",
		Value:     Value{Text: "nurses are women", Data: map[string]any{"label": "violating", "dimension": "stereotyping"}},
		WrittenAt: base,
	}

	if !And(KeyPrefix("exemplar:"), DataEquals("label", "violating"), nil)(rec) {
		t.Error("And should match")
	}
	if And(KeyPrefix("exemplar:"), DataEquals("label", "neutral"))(rec) {
		t.Error("And should not match neutral")
	}
	if !WrittenAfter(base.Add(-time.Second))(rec) || WrittenAfter(base)(rec) {
		t.Error("WrittenAfter is strict")
	}
}

func TestCompilePredicate(t *testing.T) {
	rec := Record{
		Scope:     Private("a1"),
		Key:       "exemplar:7",
		Value:     Value{Text: "the engineer said", Data: map[string]any{"label": "neutral"}},
		WrittenAt: time.Now().Add(-time.Minute),
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`key.startsWith("exemplar:")`, true},
		{`data.label == "neutral" && scope == "private:a1"`, true},
		{`text.contains("nurse")`, false},
		{`age_seconds > 30.0`, true},
		{`data.missing == "x"`, false},
	}
	for _, c := range cases {
		pred, err := CompilePredicate(c.expr)
		if err != nil {
			t.Fatalf("compile %q: %v", c.expr, err)
		}
		if got := pred(rec); got != c.want {
			t.Errorf("%s = %v, want %v", c.expr, got, c.want)
		}
	}
}

func TestCompilePredicate_Invalid(t *testing.T) {
	for _, expr := range []string{`key.startsWith(`, `key + "x"`, `unknown_var == 1`} {
		if _, err := CompilePredicate(expr); !errors.Is(err, fault.ErrInvalidConfig) {
			t.Errorf("%q: err = %v, want ErrInvalidConfig", expr, err)
		}
	}
}
