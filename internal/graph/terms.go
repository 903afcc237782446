package graph

import (
	"reflect"
	"strings"
)

// Terms extracts the lookup terms of a text for Resolve: every word plus
// every pair of adjacent words, so that two-word names such as "middle
// eastern" resolve too.
func Terms(text string) []string {
	words := tokenize(text)
	seen := make(map[string]bool, 2*len(words))
	out := make([]string, 0, 2*len(words))
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for i, w := range words {
		add(w)
		if i+1 < len(words) {
			add(w + " " + words[i+1])
		}
	}
	return out
}

// tokenize splits text into lowercase word tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127)
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(strings.Trim(f, "-"))
		if len(w) > 1 {
			result = append(result, w)
		}
	}
	return result
}

func normalizeTerm(s string) string {
	return strings.Join(tokenize(s), " ")
}

func sameValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
