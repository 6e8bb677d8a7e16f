package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/roadrunner/internal/agent"
)

// SessionRecord is one archived agent invocation.
type SessionRecord struct {
	ID               string
	Task             int
	Phase            string
	Attempt          int
	TokensIn         int64
	TokensOut        int64
	TokensCacheRead  int64
	TokensCacheWrite int64
	LogPath          string
	CreatedAt        time.Time
}

// Turn is one transcript entry within a session.
type Turn struct {
	Role      string // "prompt" or "agent"
	Content   string
	Timestamp time.Time
}

// RecordSession archives one completed invocation with its prompt and
// output as transcript rows. Archive failures are reported but treated as
// non-fatal by callers; the budget ledger, not the archive, is the
// accounting of record.
func (a *Archive) RecordSession(ctx context.Context, req agent.Request, res agent.Result) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning archive transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, task, phase, attempt, tokens_in, tokens_out,
			tokens_cache_read, tokens_cache_write, log_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.SessionID, req.TaskID, req.Phase, req.Attempt,
		res.TokensIn, res.TokensOut, res.TokensCacheRead, res.TokensCacheWrite,
		res.LogPath)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	for _, turn := range []Turn{
		{Role: "prompt", Content: req.Prompt},
		{Role: "agent", Content: res.Output},
	} {
		if turn.Content == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transcripts (session_id, role, content) VALUES (?, ?, ?)`,
			res.SessionID, turn.Role, turn.Content); err != nil {
			return fmt.Errorf("inserting transcript: %w", err)
		}
	}
	return tx.Commit()
}

// SessionsForTask returns a task's archived sessions in chronological order.
func (a *Archive) SessionsForTask(ctx context.Context, taskID int) ([]SessionRecord, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, task, phase, attempt, tokens_in, tokens_out,
			tokens_cache_read, tokens_cache_write, COALESCE(log_path, ''), created_at
		FROM sessions WHERE task = ? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.ID, &r.Task, &r.Phase, &r.Attempt,
			&r.TokensIn, &r.TokensOut, &r.TokensCacheRead, &r.TokensCacheWrite,
			&r.LogPath, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LastSessionID returns the most recent session id for a task, or "" when
// the task has never run.
func (a *Archive) LastSessionID(ctx context.Context, taskID int) (string, error) {
	var id string
	err := a.db.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE task = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		taskID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying last session: %w", err)
	}
	return id, nil
}

// Transcript returns a session's transcript in order.
func (a *Archive) Transcript(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT role, content, timestamp FROM transcripts
		WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying transcript: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning transcript: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
