package dataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/fairloop/internal/bias"
	"github.com/nidhogg/fairloop/internal/graph"
	"github.com/nidhogg/fairloop/internal/memory"
)

// RelationStereotypedAs links a group to the sensitive attribute it is
// stereotyped under.
const RelationStereotypedAs = "stereotyped_as"

// Indexer receives exemplar records after they are written to memory.
// rag.ExemplarIndex implements it.
type Indexer interface {
	Index(ctx context.Context, recs []memory.Record) (int, error)
}

// Options tune an Ingester.
type Options struct {
	// ChunkSize is the number of exemplars written per batch.
	ChunkSize int
	// Concurrency bounds the parallel memory writes within a chunk.
	Concurrency int
	// GroupWeight is the weight of stereotyped_as relations.
	GroupWeight float64
}

// DefaultOptions returns the ingestion defaults.
func DefaultOptions() Options {
	return Options{ChunkSize: 1000, Concurrency: 16, GroupWeight: 0.6}
}

// Report counts what an ingestion wrote.
type Report struct {
	Exemplars  int `json:"exemplars"`
	Skipped    int `json:"skipped"`
	Indexed    int `json:"indexed"`
	Categories int `json:"categories"`
	Groups     int `json:"groups"`
	Relations  int `json:"relations"`
}

// Add accumulates o into r.
func (r *Report) Add(o Report) {
	r.Exemplars += o.Exemplars
	r.Skipped += o.Skipped
	r.Indexed += o.Indexed
	r.Categories += o.Categories
	r.Groups += o.Groups
	r.Relations += o.Relations
}

// Ingester writes benchmark data into memory, the graph and an optional
// exemplar index.
type Ingester struct {
	mem    memory.Store
	graph  graph.Client
	index  Indexer
	opts   Options
	logger *zap.Logger
}

// NewIngester creates an ingester. index may be nil.
func NewIngester(mem memory.Store, g graph.Client, index Indexer, opts Options, logger *zap.Logger) *Ingester {
	def := DefaultOptions()
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	if opts.GroupWeight <= 0 {
		opts.GroupWeight = def.GroupWeight
	}
	return &Ingester{mem: mem, graph: g, index: index, opts: opts, logger: logger}
}

// ExemplarKey returns the memory key of a StereoSet sentence.
func ExemplarKey(sentenceID string) string {
	return bias.ExemplarPrefix + "stereoset:" + sentenceID
}

// StereoSet writes stereotype sentences as violating exemplars and
// anti-stereotype sentences as neutral ones. Unrelated sentences and entries
// whose bias type has no category are skipped. Each entry's target is linked
// to its category in the graph.
func (in *Ingester) StereoSet(ctx context.Context, entries []StereoSetEntry) (Report, error) {
	var rep Report
	var recs []memory.Record
	targets := make(map[string]map[string]bool)

	for _, e := range entries {
		category, ok := e.Category()
		if !ok {
			rep.Skipped += len(e.Sentences)
			continue
		}
		if e.Target != "" {
			if targets[category] == nil {
				targets[category] = make(map[string]bool)
			}
			targets[category][e.Target] = true
		}
		for _, s := range e.Sentences {
			label, ok := exemplarLabel(s.GoldLabel)
			if !ok || s.ID == "" || strings.TrimSpace(s.Sentence) == "" {
				rep.Skipped++
				continue
			}
			v := bias.ExemplarValue(s.Sentence, label, bias.DimStereotyping)
			v.Data["source"] = "stereoset"
			v.Data["kind"] = e.Kind
			v.Data["category"] = category
			v.Data["target"] = e.Target
			recs = append(recs, memory.Record{Scope: memory.Shared, Key: ExemplarKey(s.ID), Value: v})
		}
	}

	written, indexed, err := in.writeExemplars(ctx, recs)
	rep.Exemplars += written
	rep.Indexed += indexed
	if err != nil {
		return rep, err
	}

	groups, err := in.linkGroups(ctx, targets)
	rep.Add(groups)
	return rep, err
}

// BBQ upserts each example's category as a sensitive attribute and its
// stereotyped groups as group entities related to it.
func (in *Ingester) BBQ(ctx context.Context, examples []BBQExample) (Report, error) {
	groups := make(map[string]map[string]bool)
	var rep Report
	for _, ex := range examples {
		if ex.Category == "" {
			rep.Skipped++
			continue
		}
		if groups[ex.Category] == nil {
			groups[ex.Category] = make(map[string]bool)
		}
		for _, g := range ex.Metadata.StereotypedGroups {
			if g = strings.TrimSpace(g); g != "" {
				groups[ex.Category][g] = true
			}
		}
	}
	linked, err := in.linkGroups(ctx, groups)
	rep.Add(linked)
	return rep, err
}

func exemplarLabel(gold string) (string, bool) {
	switch strings.ToLower(gold) {
	case GoldStereotype:
		return bias.LabelViolating, true
	case GoldAntiStereotype:
		return bias.LabelNeutral, true
	}
	return "", false
}

// writeExemplars puts recs into shared memory chunk by chunk and indexes each
// chunk once it is stored.
func (in *Ingester) writeExemplars(ctx context.Context, recs []memory.Record) (written, indexed int, err error) {
	for start := 0; start < len(recs); start += in.opts.ChunkSize {
		chunk := recs[start:min(start+in.opts.ChunkSize, len(recs))]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(in.opts.Concurrency)
		for _, r := range chunk {
			g.Go(func() error {
				return in.mem.Put(gctx, r.Scope, r.Key, r.Value, 0)
			})
		}
		if err := g.Wait(); err != nil {
			return written, indexed, fmt.Errorf("write exemplars %d-%d: %w", start, start+len(chunk), err)
		}
		written += len(chunk)

		if in.index != nil {
			n, err := in.index.Index(ctx, chunk)
			if err != nil {
				return written, indexed, fmt.Errorf("index exemplars %d-%d: %w", start, start+len(chunk), err)
			}
			indexed += n
		}
		in.logger.Debug("exemplar chunk written", zap.Int("offset", start), zap.Int("count", len(chunk)))
	}
	return written, indexed, nil
}

// linkGroups upserts every category and relates each of its groups to it.
func (in *Ingester) linkGroups(ctx context.Context, groups map[string]map[string]bool) (Report, error) {
	var rep Report
	for category, members := range groups {
		catID, err := in.graph.UpsertEntity(ctx, graph.Entity{
			ID:   graph.CategoryID(category),
			Type: graph.TypeSensitiveAttribute,
			Attributes: map[string]any{
				"name":    category,
				"aliases": []any{strings.ReplaceAll(category, "_", " ")},
			},
		})
		if err != nil {
			return rep, fmt.Errorf("upsert category %s: %w", category, err)
		}
		rep.Categories++

		for name := range members {
			groupID, err := in.graph.UpsertEntity(ctx, graph.Entity{
				Type:       graph.TypeGroup,
				Attributes: map[string]any{"name": name},
			})
			if err != nil {
				return rep, fmt.Errorf("upsert group %s: %w", name, err)
			}
			rep.Groups++
			err = in.graph.UpsertRelation(ctx, graph.Relation{
				SourceID: groupID,
				TargetID: catID,
				Type:     RelationStereotypedAs,
				Weight:   in.opts.GroupWeight,
			})
			if err != nil {
				return rep, fmt.Errorf("relate %s to %s: %w", name, category, err)
			}
			rep.Relations++
		}
	}
	return rep, nil
}

// Dir ingests a dataset directory laid out as
//
//	<dir>/stereoset/intrasentence.json
//	<dir>/stereoset/intersentence.json
//	<dir>/bbq/<Category>.jsonl
//
// Missing files are logged and skipped.
func (in *Ingester) Dir(ctx context.Context, dir string) (Report, error) {
	var total Report

	for _, kind := range []string{KindIntersentence, KindIntrasentence} {
		path := filepath.Join(dir, "stereoset", kind+".json")
		entries, err := readFile(path, func(f *os.File) ([]StereoSetEntry, error) {
			return ParseStereoSet(f, kind)
		})
		if errors.Is(err, fs.ErrNotExist) {
			in.logger.Warn("skipping missing file", zap.String("path", path))
			continue
		}
		if err != nil {
			return total, err
		}
		rep, err := in.StereoSet(ctx, entries)
		total.Add(rep)
		if err != nil {
			return total, fmt.Errorf("ingest %s: %w", path, err)
		}
		in.logger.Info("loaded stereoset entries",
			zap.String("kind", kind),
			zap.Int("entries", len(entries)),
			zap.Int("exemplars", rep.Exemplars))
	}

	for _, category := range graph.BBQCategories {
		path := filepath.Join(dir, "bbq", category+".jsonl")
		examples, err := readFile(path, func(f *os.File) ([]BBQExample, error) {
			return ParseBBQ(f, category)
		})
		if errors.Is(err, fs.ErrNotExist) {
			in.logger.Warn("skipping missing file", zap.String("path", path))
			continue
		}
		if err != nil {
			return total, err
		}
		rep, err := in.BBQ(ctx, examples)
		total.Add(rep)
		if err != nil {
			return total, fmt.Errorf("ingest %s: %w", path, err)
		}
		in.logger.Info("loaded bbq entries",
			zap.String("category", category),
			zap.Int("examples", len(examples)),
			zap.Int("groups", rep.Groups))
	}
	return total, nil
}

func readFile[T any](path string, parse func(*os.File) ([]T, error)) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	out, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}
