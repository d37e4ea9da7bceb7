package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"tessera/internal/metastore"
)

const entryColumns = `id, dataset_id, status, position, attempts, last_error, claimed_by, claimed_at,
    claim_token, available_at, created_at, updated_at`

// Get fetches an entry by ID.
func (q *Queue) Get(ctx context.Context, id int64) (*Entry, error) {
	row := q.store.QueryRow(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ActiveForDataset returns the pending or processing entry for a dataset, or
// nil when the dataset is idle.
func (q *Queue) ActiveForDataset(ctx context.Context, datasetID string) (*Entry, error) {
	entries, err := q.queryEntries(ctx,
		`WHERE dataset_id = ? AND status IN (?, ?) ORDER BY position LIMIT 1`,
		datasetID, StatusPending, StatusProcessing,
	)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// LatestForDataset returns the most recently enqueued entry for a dataset.
func (q *Queue) LatestForDataset(ctx context.Context, datasetID string) (*Entry, error) {
	entries, err := q.queryEntries(ctx, `WHERE dataset_id = ? ORDER BY position DESC LIMIT 1`, datasetID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("dataset %q: %w", datasetID, ErrNotFound)
	}
	return &entries[0], nil
}

// List returns entries in position order, optionally filtered by status.
func (q *Queue) List(ctx context.Context, statuses ...Status) ([]Entry, error) {
	if len(statuses) == 0 {
		return q.queryEntries(ctx, `ORDER BY position`)
	}
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}
	return q.queryEntries(ctx,
		`WHERE status IN (`+metastore.Placeholders(len(statuses))+`) ORDER BY position`,
		args...,
	)
}

// Stats counts entries per status. Every known status is present.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.store.Query(ctx, `SELECT status, COUNT(1) FROM queue_entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(Stats, len(allStatuses))
	for _, status := range allStatuses {
		stats[status] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats[Status(status)] = count
	}
	return stats, rows.Err()
}

// Retry returns dead_letter or failed entries to pending with a fresh attempt
// budget. With no IDs every such entry is retried. Entries whose dataset
// already has an active entry are skipped.
func (q *Queue) Retry(ctx context.Context, ids ...int64) (int64, error) {
	now := metastore.FormatTime(q.now())
	candidates := ids
	if len(candidates) == 0 {
		entries, err := q.List(ctx, StatusDeadLetter, StatusFailed)
		if err != nil {
			return 0, err
		}
		for _, entry := range entries {
			candidates = append(candidates, entry.ID)
		}
	}

	var retried int64
	for _, id := range candidates {
		res, err := q.store.Exec(ctx,
			`UPDATE queue_entries
             SET status = ?, attempts = 0, claimed_by = NULL, claimed_at = NULL, claim_token = NULL,
                 available_at = ?, updated_at = ?
             WHERE id = ? AND status IN (?, ?)`,
			StatusPending, now, now,
			id, StatusDeadLetter, StatusFailed,
		)
		if err != nil {
			if metastore.IsUniqueViolation(err) {
				continue
			}
			return retried, fmt.Errorf("retry entry %d: %w", id, err)
		}
		affected, _ := res.RowsAffected()
		retried += affected
	}
	return retried, nil
}

// MarkFailed moves a pending or dead_letter entry to the terminal failed
// state. Processing entries are left to their worker.
func (q *Queue) MarkFailed(ctx context.Context, id int64, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "marked failed by operator"
	}
	now := metastore.FormatTime(q.now())
	res, err := q.store.Exec(ctx,
		`UPDATE queue_entries SET status = ?, last_error = ?, updated_at = ?
         WHERE id = ? AND status IN (?, ?)`,
		StatusFailed, reason, now,
		id, StatusPending, StatusDeadLetter,
	)
	if err != nil {
		return fmt.Errorf("mark entry %d failed: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return nil
	}
	entry, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("entry %d is %s and cannot be marked failed", id, entry.Status)
}

func (q *Queue) queryEntries(ctx context.Context, clause string, args ...any) ([]Entry, error) {
	rows, err := q.store.Query(ctx, `SELECT `+entryColumns+` FROM queue_entries `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*Entry, error) {
	var (
		e          Entry
		status     string
		lastError  sql.NullString
		claimedBy  sql.NullString
		claimedAt  sql.NullString
		claimToken sql.NullString
		available  string
		created    string
		updated    string
	)
	if err := scanner.Scan(
		&e.ID,
		&e.DatasetID,
		&status,
		&e.Position,
		&e.Attempts,
		&lastError,
		&claimedBy,
		&claimedAt,
		&claimToken,
		&available,
		&created,
		&updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	e.Status = Status(status)
	e.LastError = lastError.String
	e.ClaimedBy = claimedBy.String
	e.ClaimedAt = metastore.ParseNullTime(claimedAt)
	e.ClaimToken = claimToken.String
	e.AvailableAt = metastore.ParseTime(available)
	e.CreatedAt = metastore.ParseTime(created)
	e.UpdatedAt = metastore.ParseTime(updated)
	return &e, nil
}

func newClaimToken() string {
	return uuid.NewString()
}
