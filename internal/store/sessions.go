package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/fairloop/internal/fault"
	"github.com/nidhogg/fairloop/internal/session"
)

// SessionSummary is one row of the archive listing.
type SessionSummary struct {
	ID          string         `json:"id"`
	Task        string         `json:"task"`
	Status      session.Status `json:"status"`
	AbortReason string         `json:"abort_reason,omitempty"`
	Chains      int            `json:"chains"`
	Flagged     int            `json:"flagged"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
}

// ArchiveSession stores a terminal session with its chains and assessments.
// Archiving the same session again replaces the earlier rows.
func (s *Store) ArchiveSession(ctx context.Context, sess *session.Session) error {
	snap := sess.Snapshot()
	if snap.Status == session.StatusRunning {
		return fmt.Errorf("archive session %s: still running", snap.ID)
	}
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", snap.ID, err)
	}

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, snap.ID); err != nil {
			return fmt.Errorf("clear session: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, task, status, turn_order, retry_budget, rounds, abort_reason, started_at, finished_at, snapshot)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			snap.ID, snap.Task, string(snap.Status), string(snap.TurnOrder),
			snap.RetryBudget, snap.Rounds, snap.AbortReason, snap.StartedAt, snap.FinishedAt, doc,
		); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		batch := &pgx.Batch{}
		for _, c := range snap.Chains {
			final := ""
			if out := c.LastOutput(); out != nil {
				final = out.Content
			}
			batch.Queue(`
				INSERT INTO chains (id, session_id, agent_id, round, state, retry_count, flagged, abort_reason, final_output)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				c.ID, snap.ID, c.AgentID, c.Round, string(c.State), c.RetryCount(), c.Flagged, c.AbortReason, final)
			for _, a := range c.Assessments {
				dims, err := json.Marshal(a.Dimensions)
				if err != nil {
					return fmt.Errorf("marshal dimensions: %w", err)
				}
				batch.Queue(`
					INSERT INTO assessments (id, session_id, chain_id, output_id, score, dominant, dimensions, rationale, evaluated_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
					a.ID, snap.ID, c.ID, a.OutputID, a.Score, a.Dominant, dims, a.Rationale, a.EvaluatedAt)
			}
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert chains: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive session %s: %w", snap.ID, err)
	}
	s.logger.Debug("session archived",
		zap.String("session", snap.ID),
		zap.Int("chains", len(snap.Chains)))
	return nil
}

// LoadSession returns an archived session.
func (s *Store) LoadSession(ctx context.Context, id string) (*session.Session, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT snapshot FROM sessions WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, fault.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var sess session.Session
	if err := json.Unmarshal(doc, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// ListSessions returns archived sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT s.id, s.task, s.status, s.abort_reason, s.started_at, s.finished_at,
		       COUNT(c.id), COUNT(c.id) FILTER (WHERE c.flagged)
		FROM sessions s
		LEFT JOIN chains c ON c.session_id = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var status string
		if err := rows.Scan(&sum.ID, &sum.Task, &status, &sum.AbortReason,
			&sum.StartedAt, &sum.FinishedAt, &sum.Chains, &sum.Flagged); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.Status = session.Status(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}
