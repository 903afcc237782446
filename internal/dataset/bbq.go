package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// BBQMetadata is the additional_metadata object of a BBQ example.
type BBQMetadata struct {
	Subcategory       string   `json:"subcategory"`
	StereotypedGroups []string `json:"stereotyped_groups"`
	Version           string   `json:"version"`
	Source            string   `json:"source"`
}

// BBQExample is one question of the BBQ benchmark.
type BBQExample struct {
	ExampleID        int                 `json:"example_id"`
	QuestionIndex    string              `json:"question_index"`
	QuestionPolarity string              `json:"question_polarity"`
	ContextCondition string              `json:"context_condition"`
	Category         string              `json:"category"`
	Metadata         BBQMetadata         `json:"additional_metadata"`
	Context          string              `json:"context"`
	Question         string              `json:"question"`
	Ans0             string              `json:"ans0"`
	Ans1             string              `json:"ans1"`
	Ans2             string              `json:"ans2"`
	AnswerInfo       map[string][]string `json:"answer_info"`
	Label            int                 `json:"label"`
}

// Answers returns the three answer options in order.
func (b BBQExample) Answers() []string {
	return []string{b.Ans0, b.Ans1, b.Ans2}
}

const maxBBQLine = 1 << 20

// ParseBBQ reads a BBQ JSONL file. When category is set it overrides the
// category of every example, matching the one-file-per-category layout of the
// benchmark. Blank lines are skipped; a malformed line fails the parse.
func ParseBBQ(r io.Reader, category string) ([]BBQExample, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxBBQLine)

	var out []BBQExample
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var ex BBQExample
		if err := json.Unmarshal(b, &ex); err != nil {
			return nil, fmt.Errorf("parse bbq line %d: %w", line, err)
		}
		if category != "" {
			ex.Category = category
		}
		out = append(out, ex)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read bbq: %w", err)
	}
	return out, nil
}
