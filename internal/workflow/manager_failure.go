package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tessera/internal/logging"
	"tessera/internal/metastore"
	"tessera/internal/notify"
	"tessera/internal/queue"
	"tessera/internal/services"
)

// handleStageFailure reports stageErr to the queue, which either schedules a
// retry or dead-letters the entry.
func (m *Manager) handleStageFailure(ctx context.Context, entry *queue.Entry, stageName string, stageErr error) {
	ctx = services.WithStage(ctx, stageName)
	logger := logging.WithContext(ctx, m.logger)
	kind := services.Classify(stageErr)
	m.metrics.ObserveStageFailure(stageName, string(kind))
	m.setLastError(stageErr)

	updated, err := m.queue.Fail(ctx, entry.ID, entry.ClaimToken, stageErr)
	if err != nil {
		if errors.Is(err, queue.ErrClaimLost) {
			m.handleClaimLost(ctx, entry, stageName, stageErr)
			return
		}
		logging.ErrorWithContext(logger, "failed to record stage failure; stale sweep will release the entry", "fail_persist_failed",
			logging.Error(err),
			logging.String("stage_error", stageErr.Error()),
			logging.String(logging.FieldErrorHint, "check metadata store connectivity"),
		)
		return
	}
	m.setLastEntry(updated)

	hint := services.Hint(stageErr)
	if hint == "" {
		hint = "check stage logs for details"
	}
	attrs := []logging.Attr{
		logging.Int(logging.FieldAttempt, updated.Attempts),
		logging.String(logging.FieldErrorKind, string(kind)),
		logging.String("resolved_status", string(updated.Status)),
		logging.Error(stageErr),
		logging.String(logging.FieldErrorHint, hint),
	}
	message := failureMessage(stageName, stageErr)
	if updated.Status == queue.StatusDeadLetter {
		m.metrics.ObserveFinished(string(queue.StatusDeadLetter))
		logging.ErrorWithContext(logger, "stage failed; entry dead-lettered", "stage_failure", attrs...)
		m.appendLog(ctx, entry.ID, stageName, metastore.SeverityError, message+" (dead_letter)")
		m.publish(ctx, notify.EventDeadLetter, updated)
		return
	}
	attrs = append(attrs, logging.Time("retry_at", updated.AvailableAt))
	logging.WarnWithContext(logger, "stage failed; retry scheduled", "stage_failure", attrs...)
	m.appendLog(ctx, entry.ID, stageName, metastore.SeverityError,
		fmt.Sprintf("%s (retry %d of %d after %s)", message, updated.Attempts, m.queue.MaxAttempts(),
			updated.AvailableAt.Format("2006-01-02T15:04:05Z07:00")))
}

// handleClaimLost discards the result of an entry whose claim was released
// or taken over while this worker ran it.
func (m *Manager) handleClaimLost(ctx context.Context, entry *queue.Entry, stageName string, cause error) {
	logging.WarnWithContext(logging.WithContext(ctx, m.logger), "claim lost; discarding result", "claim_lost",
		logging.String(logging.FieldStage, stageName),
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, "raise queue.stale_timeout_seconds if conversions routinely outlive it"),
	)
	m.appendLog(ctx, entry.ID, stageName, metastore.SeverityWarn,
		fmt.Sprintf("claim held by %s was lost; result discarded", m.workerID))
}

func failureMessage(stageName string, err error) string {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = "failed without error detail"
	}
	return fmt.Sprintf("%s failed: %s", stageName, message)
}
