package dataset

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
)

var fastPolicy = fault.Policy{Attempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

func newFileServer(t *testing.T, files map[string]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDownloadLayout(t *testing.T) {
	srv, _ := newFileServer(t, map[string]string{
		"/bbq/Age.jsonl":         `{"example_id": 1}`,
		"/bbq/Religion.jsonl":    `{"example_id": 2}`,
		"/ss/intrasentence.json": `[]`,
	})
	dir := t.TempDir()
	d := NewDownloader(srv.Client(), fastPolicy, zap.NewNop())

	rep, err := d.Download(context.Background(), dir, Sources{
		BBQBaseURL:    srv.URL + "/bbq/",
		BBQCategories: []string{"Age", "Religion"},
		StereoSet:     map[string]string{"intrasentence.json": srv.URL + "/ss/intrasentence.json"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Fetched != 3 || rep.Kept != 0 {
		t.Errorf("report = %+v", rep)
	}
	got, err := os.ReadFile(filepath.Join(dir, "bbq", "Religion.jsonl"))
	if err != nil || string(got) != `{"example_id": 2}` {
		t.Errorf("Religion.jsonl = %q, %v", got, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "stereoset", "intrasentence.json")); err != nil {
		t.Error(err)
	}
	parts, _ := filepath.Glob(filepath.Join(dir, "*", "*.part"))
	if len(parts) != 0 {
		t.Errorf("temporary files left: %v", parts)
	}
}

func TestDownloadKeepsExistingUnlessForced(t *testing.T) {
	srv, hits := newFileServer(t, map[string]string{"/Age.jsonl": "fresh"})
	dir := t.TempDir()
	dest := filepath.Join(dir, "bbq", "Age.jsonl")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}
	src := Sources{BBQBaseURL: srv.URL + "/", BBQCategories: []string{"Age"}}

	d := NewDownloader(srv.Client(), fastPolicy, zap.NewNop())
	rep, err := d.Download(context.Background(), dir, src)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Kept != 1 || hits.Load() != 0 {
		t.Errorf("report = %+v hits = %d", rep, hits.Load())
	}

	d.Force = true
	if _, err := d.Download(context.Background(), dir, src); err != nil {
		t.Fatal(err)
	}
	if got, _ := os.ReadFile(dest); string(got) != "fresh" {
		t.Errorf("forced download left %q", got)
	}
}

func TestDownloadFailureKeepsOldFile(t *testing.T) {
	srv, hits := newFileServer(t, nil)
	dir := t.TempDir()
	dest := filepath.Join(dir, "bbq", "Age.jsonl")
	os.MkdirAll(filepath.Dir(dest), 0o755)
	os.WriteFile(dest, []byte("stale"), 0o644)

	d := NewDownloader(srv.Client(), fastPolicy, zap.NewNop())
	d.Force = true
	_, err := d.Download(context.Background(), dir, Sources{BBQBaseURL: srv.URL + "/", BBQCategories: []string{"Age"}})
	if err == nil {
		t.Fatal("404 accepted")
	}
	if hits.Load() != 1 {
		t.Errorf("not found retried %d times", hits.Load())
	}
	if got, _ := os.ReadFile(dest); string(got) != "stale" {
		t.Errorf("failed download replaced the file with %q", got)
	}
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d := NewDownloader(srv.Client(), fastPolicy, zap.NewNop())
	rep, err := d.Download(context.Background(), t.TempDir(), Sources{BBQBaseURL: srv.URL + "/", BBQCategories: []string{"Age"}})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Fetched != 1 || calls.Load() != 3 {
		t.Errorf("report = %+v calls = %d", rep, calls.Load())
	}
}

func TestSourcesValidate(t *testing.T) {
	bad := []Sources{
		{BBQBaseURL: "https://example.com/data", BBQCategories: []string{"Age"}},
		{StereoSet: map[string]string{"../escape.json": "https://example.com/x"}},
		{StereoSet: map[string]string{"dev.json": ""}},
	}
	for i, s := range bad {
		if err := s.Validate(); !errors.Is(err, fault.ErrInvalidConfig) {
			t.Errorf("case %d: err = %v", i, err)
		}
	}
	if err := DefaultSources().Validate(); err != nil {
		t.Errorf("default sources: %v", err)
	}
}
