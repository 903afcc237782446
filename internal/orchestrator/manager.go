package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
	"github.com/nidhogg/fairloop/internal/session"
)

// Archiver persists terminal sessions.
type Archiver interface {
	ArchiveSession(ctx context.Context, s *session.Session) error
}

type managedRun struct {
	sess   *session.Session
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs independent sessions concurrently, each in its own goroutine
// with its own context.
type Manager struct {
	orch     *Orchestrator
	archiver Archiver
	base     context.Context
	stop     context.CancelFunc
	runs     map[string]*managedRun
	wg       sync.WaitGroup
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewManager creates a manager. archiver may be nil.
func NewManager(orch *Orchestrator, archiver Archiver, logger *zap.Logger) *Manager {
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		orch:     orch,
		archiver: archiver,
		base:     base,
		stop:     stop,
		runs:     make(map[string]*managedRun),
		logger:   logger,
	}
}

// Start validates spec and runs the session in the background.
func (m *Manager) Start(spec SessionSpec) (*session.Session, error) {
	sess, err := m.orch.Prepare(spec)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(m.base)
	r := &managedRun{sess: sess, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if _, dup := m.runs[sess.ID]; dup {
		m.mu.Unlock()
		cancel()
		return nil, fault.Invalid("session %s already exists", sess.ID)
	}
	m.runs[sess.ID] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(r.done)
		defer cancel()
		if err := m.orch.Execute(ctx, sess); err != nil {
			m.logger.Error("session failed to run", zap.String("session", sess.ID), zap.Error(err))
			sess.Mutate(func(s *session.Session) {
				now := time.Now()
				s.Status = session.StatusAborted
				s.AbortReason = err.Error()
				s.FinishedAt = &now
			})
		}
		m.archive(sess)
	}()
	return sess.Snapshot(), nil
}

func (m *Manager) archive(sess *session.Session) {
	if m.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.archiver.ArchiveSession(ctx, sess); err != nil {
		m.logger.Warn("archive session failed", zap.String("session", sess.ID), zap.Error(err))
	}
}

// Get returns a snapshot of a session.
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.RLock()
	r, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.sess.Snapshot(), true
}

// List returns snapshots of all tracked sessions, oldest first.
func (m *Manager) List() []*session.Session {
	m.mu.RLock()
	out := make([]*session.Session, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.sess.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Cancel stops a running session. Cancelling a finished session is a no-op.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	r, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, fault.ErrNotFound)
	}
	r.cancel()
	return nil
}

// Wait blocks until the session is terminal or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	r, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, fault.ErrNotFound)
	}
	select {
	case <-r.done:
		return r.sess.Snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown cancels every running session and waits for them to finish and
// be archived.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
