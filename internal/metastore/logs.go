package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Severity levels for persisted log entries.
const (
	SeverityDebug = "debug"
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// LogEntry is an append-only record of a stage transition or failure.
type LogEntry struct {
	ID        int64
	EntryID   int64
	Stage     string
	Severity  string
	Message   string
	CreatedAt time.Time
}

// AppendLog persists a log entry for a queue entry.
func (s *Store) AppendLog(ctx context.Context, entry LogEntry) error {
	if entry.EntryID <= 0 {
		return fmt.Errorf("append log: entry id is required")
	}
	severity := strings.ToLower(strings.TrimSpace(entry.Severity))
	if severity == "" {
		severity = SeverityInfo
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	if _, err := s.Exec(ctx,
		`INSERT INTO log_entries (entry_id, stage, severity, message, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.EntryID, NullableString(entry.Stage), severity, entry.Message, FormatTime(created),
	); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// ListLogs returns log entries for a queue entry in insertion order. A limit
// of zero returns everything.
func (s *Store) ListLogs(ctx context.Context, entryID int64, limit int) ([]LogEntry, error) {
	query := `SELECT id, entry_id, stage, severity, message, created_at FROM log_entries WHERE entry_id = ? ORDER BY id`
	args := []any{entryID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e       LogEntry
			stage   sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.EntryID, &stage, &e.Severity, &e.Message, &created); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		e.Stage = stage.String
		e.CreatedAt = ParseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
