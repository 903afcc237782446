package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
	"github.com/nidhogg/fairloop/internal/graph"
)

// DefaultBBQBaseURL serves <Category>.jsonl for every BBQ category.
const DefaultBBQBaseURL = "https://raw.githubusercontent.com/nyu-mll/BBQ/main/data/"

// Sources names where the benchmark files are fetched from.
type Sources struct {
	// BBQBaseURL must end with '/'; <Category>.jsonl is appended to it.
	BBQBaseURL    string   `json:"bbq_base_url" yaml:"bbq_base_url"`
	BBQCategories []string `json:"bbq_categories,omitempty" yaml:"bbq_categories,omitempty"`
	// StereoSet maps a file name under stereoset/ to its URL.
	StereoSet map[string]string `json:"stereoset,omitempty" yaml:"stereoset,omitempty"`
}

// DefaultSources fetches every BBQ category from the upstream repository.
// StereoSet has no canonical per-kind files and must be configured.
func DefaultSources() Sources {
	return Sources{
		BBQBaseURL:    DefaultBBQBaseURL,
		BBQCategories: append([]string(nil), graph.BBQCategories...),
	}
}

// Validate reports malformed sources as fault.ErrInvalidConfig.
func (s Sources) Validate() error {
	if len(s.BBQCategories) > 0 && !strings.HasSuffix(s.BBQBaseURL, "/") {
		return fault.Invalid("datasets.bbq_base_url %q must end with '/'", s.BBQBaseURL)
	}
	for name, url := range s.StereoSet {
		if name == "" || filepath.Base(name) != name {
			return fault.Invalid("datasets.stereoset: bad file name %q", name)
		}
		if url == "" {
			return fault.Invalid("datasets.stereoset.%s: empty url", name)
		}
	}
	return nil
}

type target struct {
	url  string
	dest string
}

// targets lists the downloads under dir in the layout Ingester.Dir reads.
func (s Sources) targets(dir string) []target {
	var out []target
	for _, category := range s.BBQCategories {
		out = append(out, target{
			url:  s.BBQBaseURL + category + ".jsonl",
			dest: filepath.Join(dir, "bbq", category+".jsonl"),
		})
	}
	names := make([]string, 0, len(s.StereoSet))
	for name := range s.StereoSet {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, target{url: s.StereoSet[name], dest: filepath.Join(dir, "stereoset", name)})
	}
	return out
}

// DownloadReport counts the files of one Download run.
type DownloadReport struct {
	Fetched int   `json:"fetched"`
	Kept    int   `json:"kept"`
	Bytes   int64 `json:"bytes"`
}

// Downloader fetches benchmark files into a dataset directory.
type Downloader struct {
	client *http.Client
	policy fault.Policy
	// Force re-fetches files that already exist.
	Force  bool
	logger *zap.Logger
}

func NewDownloader(client *http.Client, policy fault.Policy, logger *zap.Logger) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{client: client, policy: policy, logger: logger}
}

// Download fetches every source into dir. Existing files are kept unless
// Force is set. Files are written to a temporary sibling and renamed into
// place; an interrupted run leaves no partial file.
func (d *Downloader) Download(ctx context.Context, dir string, src Sources) (DownloadReport, error) {
	var rep DownloadReport
	if err := src.Validate(); err != nil {
		return rep, err
	}
	for _, t := range src.targets(dir) {
		if !d.Force {
			if _, err := os.Stat(t.dest); err == nil {
				d.logger.Info("already present, use --force to refetch", zap.String("path", t.dest))
				rep.Kept++
				continue
			} else if !errors.Is(err, fs.ErrNotExist) {
				return rep, err
			}
		}
		var n int64
		err := fault.Retry(ctx, d.policy, func() error {
			var err error
			n, err = d.fetch(ctx, t)
			return err
		})
		if err != nil {
			return rep, fmt.Errorf("download %s: %w", t.url, err)
		}
		rep.Fetched++
		rep.Bytes += n
		d.logger.Info("downloaded", zap.String("path", t.dest), zap.Int64("bytes", n))
	}
	return rep, nil
}

func (d *Downloader) fetch(ctx context.Context, t target) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fault.Unavailable("fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return 0, fault.Unavailable("fetch", err)
		}
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(t.dest), 0o755); err != nil {
		return 0, err
	}
	base := filepath.Base(t.dest)
	tmp, err := os.CreateTemp(filepath.Dir(t.dest), strings.TrimSuffix(base, filepath.Ext(base))+".*.part")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fault.Unavailable("fetch body", err)
	}
	if err := os.Rename(tmp.Name(), t.dest); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}
