package vectorstore

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nidhogg/fairloop/internal/fault"
)

func TestFilterProto(t *testing.T) {
	if Filter(nil).proto() != nil {
		t.Error("empty filter should be nil")
	}
	f := Filter{
		"label":     {"violating"},
		"dimension": {"stereotyping", "*"},
	}.proto()
	if len(f.Must) != 2 {
		t.Fatalf("must = %d conditions", len(f.Must))
	}
	dim := f.Must[0].GetField()
	if dim.Key != "dimension" {
		t.Fatalf("conditions not sorted by key: %s", dim.Key)
	}
	if got := dim.Match.GetKeywords().GetStrings(); len(got) != 2 {
		t.Errorf("dimension keywords = %v", got)
	}
	label := f.Must[1].GetField()
	if label.Match.GetKeyword() != "violating" {
		t.Errorf("label keyword = %q", label.Match.GetKeyword())
	}
}

func TestWrapClassifiesStatus(t *testing.T) {
	if err := wrap("search", status.Error(codes.Unavailable, "down")); !errors.Is(err, fault.ErrUnavailable) {
		t.Errorf("unavailable: %v", err)
	}
	if err := wrap("search", status.Error(codes.InvalidArgument, "bad vector")); errors.Is(err, fault.ErrUnavailable) {
		t.Errorf("invalid argument classified transient: %v", err)
	}
}
