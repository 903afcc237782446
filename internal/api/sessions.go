package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nidhogg/fairloop/internal/orchestrator"
	"github.com/nidhogg/fairloop/internal/session"
)

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	var spec orchestrator.SessionSpec
	if !decode(w, r, &spec) {
		return
	}
	sess, err := h.deps.Sessions.Start(spec)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

// Running sessions are encoded from snapshots; the orchestrator mutates them
// concurrently.
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	running := h.deps.Sessions.List()
	out := make([]*session.Session, 0, len(running))
	for _, s := range running {
		out = append(out, s.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

// getSession answers from the running set first, then the archive.
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if sess, ok := h.deps.Sessions.Get(id); ok {
		writeJSON(w, http.StatusOK, sess.Snapshot())
		return
	}
	if h.deps.Archive == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, err := h.deps.Archive.LoadSession(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) cancelSession(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Sessions.Cancel(chi.URLParam(r, "id")); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// sessionEvents pages through a session's event stream. The after parameter
// is the stream id of the last entry already seen.
func (h *Handler) sessionEvents(w http.ResponseWriter, r *http.Request) {
	if h.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	count, ok := intParam(w, r, "count", 100)
	if !ok {
		return
	}
	entries, err := h.deps.Events.Read(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("after"), int64(count))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) listArchive(w http.ResponseWriter, r *http.Request) {
	if h.deps.Archive == nil {
		writeError(w, http.StatusServiceUnavailable, "session archive not configured")
		return
	}
	limit, ok := intParam(w, r, "limit", 50)
	if !ok {
		return
	}
	list, err := h.deps.Archive.ListSessions(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
