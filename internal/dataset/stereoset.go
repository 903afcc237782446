// Package dataset loads the StereoSet and BBQ bias benchmarks into the
// controller's stores: labeled sentences become scoring exemplars in shared
// memory, bias categories and stereotyped groups become graph entities.
package dataset

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// StereoSet sentence kinds.
const (
	KindIntrasentence = "intrasentence"
	KindIntersentence = "intersentence"
)

// StereoSet gold labels.
const (
	GoldStereotype     = "stereotype"
	GoldAntiStereotype = "anti-stereotype"
	GoldUnrelated      = "unrelated"
)

// BiasCategories maps StereoSet bias types to BBQ categories. Types missing
// here, such as profession, are not ingested.
var BiasCategories = map[string]string{
	"gender":   "Gender_identity",
	"religion": "Religion",
	"race":     "Race_ethnicity",
}

// StereoSetLabel is one annotator's label of a sentence.
type StereoSetLabel struct {
	Label   string `json:"label"`
	HumanID string `json:"human_id"`
}

// StereoSetSentence is one candidate continuation of an entry's context.
type StereoSetSentence struct {
	ID        string           `json:"id"`
	Sentence  string           `json:"sentence"`
	GoldLabel string           `json:"gold_label"`
	Labels    []StereoSetLabel `json:"labels"`
}

// StereoSetEntry is one context with its stereotype, anti-stereotype and
// unrelated sentences.
type StereoSetEntry struct {
	ID        string              `json:"id"`
	Target    string              `json:"target"`
	BiasType  string              `json:"bias_type"`
	Context   string              `json:"context"`
	Kind      string              `json:"-"`
	Sentences []StereoSetSentence `json:"sentences"`
}

// Category returns the BBQ category of the entry's bias type.
func (e StereoSetEntry) Category() (string, bool) {
	c, ok := BiasCategories[strings.ToLower(e.BiasType)]
	return c, ok
}

// ParseStereoSet reads a StereoSet file. The entries may sit under
// data.<kind>, under <kind> at the root, or be the root array itself. An
// empty kind reads both intrasentence and intersentence sections.
func ParseStereoSet(r io.Reader, kind string) ([]StereoSetEntry, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read stereoset: %w", err)
	}

	var list []StereoSetEntry
	if err := json.Unmarshal(raw, &list); err == nil {
		for i := range list {
			list[i].Kind = kind
		}
		return list, nil
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("parse stereoset: %w", err)
	}
	sections := root
	if data, ok := root["data"]; ok {
		sections = nil
		if err := json.Unmarshal(data, &sections); err != nil {
			return nil, fmt.Errorf("parse stereoset data: %w", err)
		}
	}

	kinds := []string{KindIntrasentence, KindIntersentence}
	if kind != "" {
		kinds = []string{kind}
	}
	var out []StereoSetEntry
	for _, k := range kinds {
		section, ok := sections[k]
		if !ok {
			section, ok = sections[strings.ToUpper(k[:1])+k[1:]]
		}
		if !ok {
			continue
		}
		var entries []StereoSetEntry
		if err := json.Unmarshal(section, &entries); err != nil {
			return nil, fmt.Errorf("parse stereoset %s: %w", k, err)
		}
		for _, e := range entries {
			e.Kind = k
			out = append(out, e)
		}
	}
	return out, nil
}
