// Package sqlite persists finished calls so history and averages survive
// session eviction and restarts.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yaront1111/mandarin-sub007/internal/core/domain"

	_ "modernc.org/sqlite"
)

type CallHistoryRepository struct {
	db *sql.DB
}

// Open opens or creates the history database at path.
func Open(path string) (*CallHistoryRepository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure database: %w", err)
		}
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS call_history (
		call_id       TEXT PRIMARY KEY,
		caller_id     TEXT NOT NULL,
		recipient_id  TEXT NOT NULL,
		call_type     TEXT NOT NULL,
		state         TEXT NOT NULL,
		end_reason    TEXT DEFAULT '',
		ended_by      TEXT DEFAULT '',
		created_at    INTEGER NOT NULL,
		answered_at   INTEGER DEFAULT 0,
		ended_at      INTEGER DEFAULT 0,
		duration_ms   INTEGER DEFAULT 0,
		signals_sent  INTEGER DEFAULT 0,
		signals_failed INTEGER DEFAULT 0,
		retry_count   INTEGER DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_history table: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS call_history_caller ON call_history(caller_id, created_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create caller index: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS call_history_recipient ON call_history(recipient_id, created_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create recipient index: %w", err)
	}

	return &CallHistoryRepository{db: db}, nil
}

func (r *CallHistoryRepository) Close() error {
	return r.db.Close()
}

func (r *CallHistoryRepository) Save(ctx context.Context, rec domain.CallRecord) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO call_history (
			call_id, caller_id, recipient_id, call_type, state, end_reason, ended_by,
			created_at, answered_at, ended_at, duration_ms, signals_sent, signals_failed, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET
			state=excluded.state,
			end_reason=excluded.end_reason,
			ended_by=excluded.ended_by,
			answered_at=excluded.answered_at,
			ended_at=excluded.ended_at,
			duration_ms=excluded.duration_ms,
			signals_sent=excluded.signals_sent,
			signals_failed=excluded.signals_failed,
			retry_count=excluded.retry_count`,
		rec.CallID, rec.CallerID, rec.RecipientID, rec.Type, rec.State, rec.EndReason, rec.EndedBy,
		unixMilli(rec.CreatedAt), unixMilli(rec.AnsweredAt), unixMilli(rec.EndedAt), rec.Duration.Milliseconds(),
		rec.Signals.Sent, rec.Signals.Failed, rec.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("save call %s: %w", rec.CallID, err)
	}
	return nil
}

func (r *CallHistoryRepository) AverageDuration(ctx context.Context) (time.Duration, error) {
	var avg sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `SELECT AVG(duration_ms) FROM call_history WHERE answered_at > 0`).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("average duration: %w", err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return time.Duration(avg.Float64 * float64(time.Millisecond)), nil
}

func (r *CallHistoryRepository) Recent(ctx context.Context, userID domain.UserID, limit int) ([]domain.CallRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT
			call_id, caller_id, recipient_id, call_type, state, end_reason, ended_by,
			created_at, answered_at, ended_at, duration_ms, signals_sent, signals_failed, retry_count
		FROM call_history
		WHERE caller_id = ? OR recipient_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.CallRecord
	for rows.Next() {
		var (
			rec                          domain.CallRecord
			created, answered, ended, ms int64
		)
		if err := rows.Scan(&rec.CallID, &rec.CallerID, &rec.RecipientID, &rec.Type, &rec.State, &rec.EndReason, &rec.EndedBy,
			&created, &answered, &ended, &ms, &rec.Signals.Sent, &rec.Signals.Failed, &rec.RetryCount); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		rec.CreatedAt = fromUnixMilli(created)
		rec.AnsweredAt = fromUnixMilli(answered)
		rec.EndedAt = fromUnixMilli(ended)
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
