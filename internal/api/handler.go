package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/agent"
	"github.com/nidhogg/fairloop/internal/events"
	"github.com/nidhogg/fairloop/internal/fault"
	"github.com/nidhogg/fairloop/internal/graph"
	"github.com/nidhogg/fairloop/internal/memory"
	"github.com/nidhogg/fairloop/internal/orchestrator"
	"github.com/nidhogg/fairloop/internal/review"
	"github.com/nidhogg/fairloop/internal/session"
	"github.com/nidhogg/fairloop/internal/store"
)

// Sessions starts and tracks running sessions. orchestrator.Manager
// implements it.
type Sessions interface {
	Start(spec orchestrator.SessionSpec) (*session.Session, error)
	Get(id string) (*session.Session, bool)
	List() []*session.Session
	Cancel(id string) error
}

// Archive reads finished sessions. store.Store implements it.
type Archive interface {
	LoadSession(ctx context.Context, id string) (*session.Session, error)
	ListSessions(ctx context.Context, limit int) ([]store.SessionSummary, error)
}

// EventLog replays the events of a session. events.StreamSink implements it.
type EventLog interface {
	Read(ctx context.Context, sessionID, after string, count int64) ([]events.Entry, error)
}

// Reviews exposes the flags sent to human reviewers.
type Reviews interface {
	History(limit int) []review.Record
}

// Deps are the components the API serves. Archive, Events and Reviews may be
// nil; their routes then answer 503.
type Deps struct {
	Sessions Sessions
	Agents   *agent.Registry
	Memory   memory.Store
	Graph    graph.Client
	Archive  Archive
	Events   EventLog
	Reviews  Reviews
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{deps: deps, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/sessions", h.startSession)
		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{id}", h.getSession)
		r.Post("/sessions/{id}/cancel", h.cancelSession)
		r.Get("/sessions/{id}/events", h.sessionEvents)
		r.Get("/archive", h.listArchive)

		r.Get("/agents", h.listAgents)
		r.Get("/agents/{id}/pending", h.pendingDirectives)
		r.Post("/agents/{id}/reply", h.replyAsAgent)

		r.Put("/memory/{scope}/{key}", h.putMemory)
		r.Get("/memory/{scope}/{key}", h.getMemory)
		r.Get("/memory/{scope}", h.queryMemory)

		r.Post("/graph/entities", h.upsertEntity)
		r.Post("/graph/relations", h.upsertRelation)
		r.Get("/graph/entities/{id}/neighborhood", h.neighborhood)

		r.Get("/reviews", h.listReviews)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": len(h.deps.Agents.IDs()),
	})
}

type agentInfo struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Priority int    `json:"priority"`
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	list := h.deps.Agents.List()
	out := make([]agentInfo, len(list))
	for i, a := range list {
		out[i] = agentInfo{ID: a.ID(), Kind: a.Kind(), Priority: h.deps.Agents.Priority(a.ID())}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) human(w http.ResponseWriter, r *http.Request) (*agent.Human, bool) {
	id := chi.URLParam(r, "id")
	a, ok := h.deps.Agents.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return nil, false
	}
	hu, ok := a.(*agent.Human)
	if !ok {
		writeError(w, http.StatusBadRequest, "agent "+id+" is not human-in-loop")
		return nil, false
	}
	return hu, true
}

func (h *Handler) pendingDirectives(w http.ResponseWriter, r *http.Request) {
	hu, ok := h.human(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, hu.Pending())
}

type replyRequest struct {
	DirectiveID string `json:"directive_id"`
	Content     string `json:"content"`
}

func (h *Handler) replyAsAgent(w http.ResponseWriter, r *http.Request) {
	hu, ok := h.human(w, r)
	if !ok {
		return
	}
	var req replyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.DirectiveID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "directive_id and content are required")
		return
	}
	if err := hu.Reply(req.DirectiveID, req.Content); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "delivered"})
}

func (h *Handler) listReviews(w http.ResponseWriter, r *http.Request) {
	if h.deps.Reviews == nil {
		writeError(w, http.StatusServiceUnavailable, "review notifications not configured")
		return
	}
	limit, ok := intParam(w, r, "limit", 50)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Reviews.History(limit))
}

// fail maps err to a status code.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, fault.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fault.ErrInvalidConfig):
		status = http.StatusBadRequest
	case errors.Is(err, fault.ErrUnavailable), errors.Is(err, fault.ErrDependencyFailure):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		h.logger.Warn("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name+" "+strconv.Quote(s))
		return 0, false
	}
	return n, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
