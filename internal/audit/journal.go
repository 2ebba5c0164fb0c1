// Package audit keeps a SQLite journal of inbound commands and how each was
// handled. Outbound messages are not stored.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mattjoyce/cmdrelay/internal/dispatch"
	"github.com/mattjoyce/cmdrelay/internal/storage"
)

const timeLayout = time.RFC3339Nano

// Journal implements dispatch.Recorder over the command_log table.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record upserts rec. A command recorded twice keeps its latest outcome.
func (j *Journal) Record(ctx context.Context, rec dispatch.Record) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO command_log (id, text, outcome, detail, received_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  outcome = excluded.outcome,
  detail = excluded.detail,
  completed_at = excluded.completed_at`,
		rec.ID, rec.Text, rec.Outcome, rec.Detail,
		rec.ReceivedAt.UTC().Format(timeLayout),
		rec.CompletedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record command %s: %w", rec.ID, err)
	}
	return nil
}

// Filter narrows Recent. Zero values match everything.
type Filter struct {
	Outcome string
	Since   time.Time
	Limit   int
}

// Recent returns journal entries newest first.
func (j *Journal) Recent(ctx context.Context, f Filter) ([]dispatch.Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, text, outcome, detail, received_at, completed_at FROM command_log WHERE 1=1`
	var args []any
	if f.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		query += ` AND received_at >= ?`
		args = append(args, f.Since.UTC().Format(timeLayout))
	}
	query += ` ORDER BY received_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query command log: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Record
	for rows.Next() {
		var (
			rec                 dispatch.Record
			received, completed string
		)
		if err := rows.Scan(&rec.ID, &rec.Text, &rec.Outcome, &rec.Detail, &received, &completed); err != nil {
			return nil, fmt.Errorf("scan command log: %w", err)
		}
		if rec.ReceivedAt, err = time.Parse(timeLayout, received); err != nil {
			return nil, fmt.Errorf("parse received_at for %s: %w", rec.ID, err)
		}
		if rec.CompletedAt, err = time.Parse(timeLayout, completed); err != nil {
			return nil, fmt.Errorf("parse completed_at for %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes entries received before cutoff and reports how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM command_log WHERE received_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune command log: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

var _ dispatch.Recorder = (*Journal)(nil)
