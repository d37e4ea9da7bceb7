package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tessera/internal/logging"
	"tessera/internal/metastore"
	"tessera/internal/metrics"
	"tessera/internal/notify"
	"tessera/internal/queue"
)

// StaleSweeper returns entries whose claim outlived the stale timeout to the
// queue. It is the only recovery path for crashed workers.
type StaleSweeper struct {
	queue    *queue.Queue
	logger   *slog.Logger
	notifier notify.Service
	metrics  *metrics.Collectors
	timeout  time.Duration
}

// NewStaleSweeper creates a sweeper. A nil notifier drops events.
func NewStaleSweeper(q *queue.Queue, logger *slog.Logger, notifier notify.Service, collectors *metrics.Collectors, timeout time.Duration) *StaleSweeper {
	if logger == nil {
		logger = logging.NewNop()
	}
	if notifier == nil {
		notifier = notify.NewNoop()
	}
	return &StaleSweeper{
		queue:    q,
		logger:   logger.With(logging.String(logging.FieldComponent, "stale-sweeper")),
		notifier: notifier,
		metrics:  collectors,
		timeout:  timeout,
	}
}

// Sweep releases every stale claim once and returns the released entries in
// their new state.
func (s *StaleSweeper) Sweep(ctx context.Context) ([]queue.Entry, error) {
	if s.timeout <= 0 {
		return nil, nil
	}
	released, err := s.queue.ReleaseStale(ctx, s.timeout)
	for i := range released {
		s.record(ctx, &released[i])
	}
	if len(released) > 0 {
		s.metrics.ObserveStaleReleased(len(released))
		s.logger.Info("released stale claims",
			logging.Int("count", len(released)),
			logging.Duration("stale_timeout", s.timeout),
			logging.String(logging.FieldEventType, "stale_release"),
		)
	}
	if err != nil {
		return released, fmt.Errorf("release stale claims: %w", err)
	}
	return released, nil
}

func (s *StaleSweeper) record(ctx context.Context, entry *queue.Entry) {
	severity := metastore.SeverityWarn
	event := notify.EventReleased
	message := fmt.Sprintf("claim expired after %s; returned to pending (attempt %d)", s.timeout, entry.Attempts)
	if entry.Status == queue.StatusDeadLetter {
		severity = metastore.SeverityError
		event = notify.EventDeadLetter
		message = fmt.Sprintf("claim expired after %s; attempts exhausted (%d)", s.timeout, entry.Attempts)
		s.metrics.ObserveFinished(string(queue.StatusDeadLetter))
	}
	if err := s.queue.Store().AppendLog(ctx, metastore.LogEntry{
		EntryID:  entry.ID,
		Severity: severity,
		Message:  message,
	}); err != nil {
		logging.WarnWithContext(s.logger, "persist stale release log failed", "log_persist_failed",
			logging.Int64(logging.FieldItemID, entry.ID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check metadata store connectivity"),
		)
	}
	if err := s.notifier.Publish(ctx, notify.Event{
		Type:      event,
		EntryID:   entry.ID,
		DatasetID: entry.DatasetID,
		Position:  entry.Position,
		At:        time.Now().UTC(),
	}); err != nil {
		s.logger.Debug("publish stale release failed", logging.Error(err))
	}
}
