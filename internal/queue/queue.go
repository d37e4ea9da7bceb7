package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"tessera/internal/config"
	"tessera/internal/metastore"
)

const (
	defaultMaxAttempts = 3
	// maxClaimRaces bounds how many lost compare-and-swap races a single Claim
	// call absorbs before reporting an empty queue.
	maxClaimRaces = 32
)

// Options controls retry policy.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Now overrides the clock; tests use it to age claims and backoffs.
	Now func() time.Time
}

// Queue is the Queue Manager. It is the sole writer of entry status, position,
// and attempt count.
type Queue struct {
	store *metastore.Store
	opts  Options
}

// New wraps store with the given retry policy.
func New(store *metastore.Store, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BackoffCap > 0 && opts.BackoffBase > opts.BackoffCap {
		opts.BackoffBase = opts.BackoffCap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{store: store, opts: opts}
}

// NewFromConfig builds a queue using the [queue] config section.
func NewFromConfig(store *metastore.Store, cfg *config.Config) *Queue {
	return New(store, Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.BackoffBase(),
		BackoffCap:  cfg.BackoffCap(),
	})
}

// Store exposes the backing metadata store.
func (q *Queue) Store() *metastore.Store {
	return q.store
}

// MaxAttempts reports the configured attempt limit.
func (q *Queue) MaxAttempts() int {
	return q.opts.MaxAttempts
}

func (q *Queue) now() time.Time {
	return q.opts.Now().UTC()
}

// Backoff returns the delay before an entry that has used attempts attempts
// becomes claimable again: base * 2^(attempts-1), capped.
func (q *Queue) Backoff(attempts int) time.Duration {
	base := q.opts.BackoffBase
	if base <= 0 || attempts <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if q.opts.BackoffCap > 0 && delay >= q.opts.BackoffCap {
			return q.opts.BackoffCap
		}
	}
	if q.opts.BackoffCap > 0 && delay > q.opts.BackoffCap {
		return q.opts.BackoffCap
	}
	return delay
}

// Enqueue creates a pending entry for datasetID at the next position. Position
// assignment and row insertion commit together or not at all.
func (q *Queue) Enqueue(ctx context.Context, datasetID string) (*Entry, error) {
	datasetID = strings.TrimSpace(datasetID)
	if datasetID == "" {
		return nil, errors.New("enqueue: dataset id is required")
	}
	now := metastore.FormatTime(q.now())

	var id int64
	err := q.store.InTx(ctx, func(tx *metastore.Tx) error {
		var datasets int
		if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM datasets WHERE id = ?`, datasetID).Scan(&datasets); err != nil {
			return fmt.Errorf("lookup dataset: %w", err)
		}
		if datasets == 0 {
			return fmt.Errorf("dataset %q: %w", datasetID, metastore.ErrNotFound)
		}

		var active int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(1) FROM queue_entries WHERE dataset_id = ? AND status IN (?, ?)`,
			datasetID, StatusPending, StatusProcessing,
		).Scan(&active); err != nil {
			return fmt.Errorf("check active entries: %w", err)
		}
		if active > 0 {
			return fmt.Errorf("dataset %q: %w", datasetID, ErrDuplicateSubmission)
		}

		var position int64
		if err := tx.QueryRow(ctx,
			`UPDATE queue_counters SET value = value + 1 WHERE name = 'position' RETURNING value`,
		).Scan(&position); err != nil {
			return fmt.Errorf("advance position counter: %w", err)
		}

		if err := tx.QueryRow(ctx,
			`INSERT INTO queue_entries (dataset_id, status, position, attempts, available_at, created_at, updated_at)
             VALUES (?, ?, ?, 0, ?, ?, ?) RETURNING id`,
			datasetID, StatusPending, position, now, now, now,
		).Scan(&id); err != nil {
			if metastore.IsUniqueViolation(err) {
				return fmt.Errorf("dataset %q: %w", datasetID, ErrDuplicateSubmission)
			}
			return fmt.Errorf("insert entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q.Get(ctx, id)
}

// Claim takes the lowest-position pending entry whose backoff has elapsed and
// marks it processing for workerID. It returns nil when nothing is eligible.
// Losing the conditional update to another worker moves on to the next entry.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Entry, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, errors.New("claim: worker id is required")
	}

	for race := 0; race < maxClaimRaces; race++ {
		now := metastore.FormatTime(q.now())

		var id int64
		err := q.store.QueryRow(ctx,
			`SELECT id FROM queue_entries
             WHERE status = ? AND available_at <= ?
             ORDER BY position
             LIMIT 1`,
			StatusPending, now,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select claim candidate: %w", err)
		}

		token := newClaimToken()
		res, err := q.store.Exec(ctx,
			`UPDATE queue_entries
             SET status = ?, claimed_by = ?, claimed_at = ?, claim_token = ?,
                 attempts = attempts + 1, updated_at = ?
             WHERE id = ? AND status = ?`,
			StatusProcessing, workerID, now, token, now,
			id, StatusPending,
		)
		if err != nil {
			return nil, fmt.Errorf("claim entry %d: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim entry %d: %w", id, err)
		}
		if affected == 1 {
			return q.Get(ctx, id)
		}
	}
	return nil, nil
}

// Complete marks a processing entry done. Completing an entry that is already
// done succeeds without changes; any other state returns ErrClaimLost.
func (q *Queue) Complete(ctx context.Context, id int64, token string) error {
	return q.CompleteWith(ctx, id, token, nil)
}

// CompleteWith runs commit in the same transaction that moves the entry from
// processing to done. If the claim no longer matches token nothing is
// written; if commit fails the entry stays processing.
func (q *Queue) CompleteWith(ctx context.Context, id int64, token string, commit func(*metastore.Tx) error) error {
	now := metastore.FormatTime(q.now())
	return q.store.InTx(ctx, func(tx *metastore.Tx) error {
		res, err := tx.Exec(ctx,
			`UPDATE queue_entries
             SET status = ?, last_error = NULL, claim_token = NULL, updated_at = ?
             WHERE id = ? AND status = ? AND claim_token = ?`,
			StatusDone, now,
			id, StatusProcessing, token,
		)
		if err != nil {
			return fmt.Errorf("complete entry %d: %w", id, err)
		}
		if affected, _ := res.RowsAffected(); affected != 1 {
			var status Status
			err := tx.QueryRow(ctx, `SELECT status FROM queue_entries WHERE id = ?`, id).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("entry %d: %w", id, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("complete entry %d: %w", id, err)
			}
			if status == StatusDone {
				return nil
			}
			return fmt.Errorf("complete entry %d (status %s): %w", id, status, ErrClaimLost)
		}
		if commit == nil {
			return nil
		}
		return commit(tx)
	})
}

// Fail records cause against a processing entry and either schedules a retry
// after backoff or moves it to dead_letter. Permanent errors and exhausted
// attempt budgets dead-letter immediately. The returned entry reflects the
// persisted state.
func (q *Queue) Fail(ctx context.Context, id int64, token string, cause error) (*Entry, error) {
	entry, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != StatusProcessing || entry.ClaimToken != token {
		return entry, fmt.Errorf("fail entry %d (status %s): %w", id, entry.Status, ErrClaimLost)
	}

	next := FailureStatus(cause, entry.Attempts, q.opts.MaxAttempts)
	message := errorMessage(cause)
	if err := q.transitionFromProcessing(ctx, entry, next, message, "claim_token = ?", token); err != nil {
		return nil, err
	}
	return q.Get(ctx, id)
}

// ReleaseStale returns processing entries whose claim is older than timeout to
// pending, or to dead_letter once the attempt budget is spent. The attempt
// counted at claim time stands as the failed attempt.
func (q *Queue) ReleaseStale(ctx context.Context, timeout time.Duration) ([]Entry, error) {
	if timeout <= 0 {
		return nil, errors.New("release stale: timeout must be positive")
	}
	cutoff := metastore.FormatTime(q.now().Add(-timeout))

	stale, err := q.queryEntries(ctx,
		`WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at < ? ORDER BY position`,
		StatusProcessing, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale entries: %w", err)
	}

	released := make([]Entry, 0, len(stale))
	for i := range stale {
		entry := stale[i]
		next := FailureStatus(nil, entry.Attempts, q.opts.MaxAttempts)
		err := q.transitionFromProcessing(ctx, &entry, next, StaleClaimReason, "claim_token = ?", entry.ClaimToken)
		if errors.Is(err, ErrClaimLost) {
			continue
		}
		if err != nil {
			return released, err
		}
		updated, err := q.Get(ctx, entry.ID)
		if err != nil {
			return released, err
		}
		released = append(released, *updated)
	}
	return released, nil
}

// transitionFromProcessing moves entry out of processing. guard is an extra
// condition pinning the claim the caller observed.
func (q *Queue) transitionFromProcessing(ctx context.Context, entry *Entry, next Status, message, guard string, guardArg any) error {
	now := q.now()
	available := now
	if next == StatusPending {
		available = now.Add(q.Backoff(entry.Attempts))
	}
	res, err := q.store.Exec(ctx,
		`UPDATE queue_entries
         SET status = ?, last_error = ?, claimed_by = NULL, claimed_at = NULL, claim_token = NULL,
             available_at = ?, updated_at = ?
         WHERE id = ? AND status = ? AND `+guard,
		next, metastore.NullableString(message),
		metastore.FormatTime(available), metastore.FormatTime(now),
		entry.ID, StatusProcessing, guardArg,
	)
	if err != nil {
		return fmt.Errorf("transition entry %d to %s: %w", entry.ID, next, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition entry %d to %s: %w", entry.ID, next, err)
	}
	if affected == 0 {
		return fmt.Errorf("transition entry %d to %s: %w", entry.ID, next, ErrClaimLost)
	}
	return nil
}

// PositionOf returns the entry's rank in the pending/processing order: the
// number of active entries ahead of it, plus one if it is itself pending.
// Entries in any other state report zero.
func (q *Queue) PositionOf(ctx context.Context, id int64) (int, error) {
	var (
		status   string
		position int64
	)
	err := q.store.QueryRow(ctx, `SELECT status, position FROM queue_entries WHERE id = ?`, id).Scan(&status, &position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("load entry %d: %w", id, err)
	}

	var ahead int
	if err := q.store.QueryRow(ctx,
		`SELECT COUNT(1) FROM queue_entries WHERE status IN (?, ?) AND position < ?`,
		StatusPending, StatusProcessing, position,
	).Scan(&ahead); err != nil {
		return 0, fmt.Errorf("count entries ahead of %d: %w", id, err)
	}
	if Status(status) == StatusPending {
		return ahead + 1, nil
	}
	return ahead, nil
}

// Positions returns every active entry with its rank, in position order.
func (q *Queue) Positions(ctx context.Context) ([]PositionInfo, error) {
	entries, err := q.List(ctx, StatusPending, StatusProcessing)
	if err != nil {
		return nil, err
	}
	out := make([]PositionInfo, 0, len(entries))
	for i, entry := range entries {
		rank := i
		if entry.Status == StatusPending {
			rank = i + 1
		}
		out = append(out, PositionInfo{
			EntryID:   entry.ID,
			DatasetID: entry.DatasetID,
			Status:    entry.Status,
			Position:  entry.Position,
			Rank:      rank,
		})
	}
	return out, nil
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
