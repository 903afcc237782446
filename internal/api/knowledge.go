package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nidhogg/fairloop/internal/graph"
	"github.com/nidhogg/fairloop/internal/memory"
)

type putMemoryRequest struct {
	Text       string         `json:"text"`
	Data       map[string]any `json:"data,omitempty"`
	TTLSeconds int            `json:"ttl_seconds,omitempty"`
}

func scopeParam(w http.ResponseWriter, r *http.Request) (memory.Scope, bool) {
	scope, err := memory.ParseScope(chi.URLParam(r, "scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return scope, true
}

func (h *Handler) putMemory(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}
	var req putMemoryRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "ttl_seconds must not be negative")
		return
	}
	key := chi.URLParam(r, "key")
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.deps.Memory.Put(r.Context(), scope, key, memory.Value{Text: req.Text, Data: req.Data}, ttl); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"scope": string(scope), "key": key})
}

func (h *Handler) getMemory(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}
	rec, err := h.deps.Memory.Get(r.Context(), scope, chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// queryMemory lists a scope, filtered by an optional CEL expression in where
// and a key prefix in prefix.
func (h *Handler) queryMemory(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, r)
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit", 100)
	if !ok {
		return
	}
	q := r.URL.Query()
	preds := []memory.Predicate{memory.KeyPrefix(q.Get("prefix"))}
	if where := q.Get("where"); where != "" {
		pred, err := memory.CompilePredicate(where)
		if err != nil {
			h.fail(w, err)
			return
		}
		preds = append(preds, pred)
	}

	out := []memory.Record{}
	for rec, err := range h.deps.Memory.Query(r.Context(), scope, memory.And(preds...)) {
		if err != nil {
			h.fail(w, err)
			return
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) upsertEntity(w http.ResponseWriter, r *http.Request) {
	var e graph.Entity
	if !decode(w, r, &e) {
		return
	}
	if e.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	id, err := h.deps.Graph.UpsertEntity(r.Context(), e)
	if err != nil {
		h.fail(w, err)
		return
	}
	e.ID = id
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) upsertRelation(w http.ResponseWriter, r *http.Request) {
	var rel graph.Relation
	if !decode(w, r, &rel) {
		return
	}
	if rel.SourceID == "" || rel.TargetID == "" || rel.Type == "" {
		writeError(w, http.StatusBadRequest, "source_id, target_id and type are required")
		return
	}
	if err := h.deps.Graph.UpsertRelation(r.Context(), rel); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (h *Handler) neighborhood(w http.ResponseWriter, r *http.Request) {
	depth, ok := intParam(w, r, "depth", 1)
	if !ok {
		return
	}
	var types []string
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}
	id := chi.URLParam(r, "id")
	near, err := h.deps.Graph.Neighborhood(r.Context(), id, types, depth)
	if err != nil {
		h.fail(w, err)
		return
	}
	if near == nil {
		near = []graph.Neighbor{}
	}
	writeJSON(w, http.StatusOK, near)
}
