package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"tessera/internal/logging"
	"tessera/internal/metastore"
	"tessera/internal/notify"
	"tessera/internal/queue"
	"tessera/internal/services"
	"tessera/internal/stage"
)

// RunOnce claims at most one entry and processes it synchronously. It returns
// the entry in its final state, or nil when nothing was claimable.
func (m *Manager) RunOnce(ctx context.Context) (*queue.Entry, error) {
	if len(m.stageList()) == 0 {
		return nil, errors.New("workflow stages not configured")
	}
	entry, err := m.queue.Claim(ctx, m.workerID)
	if err != nil {
		m.metrics.ObserveStoreFailure()
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	m.process(ctx, entry)
	return m.queue.Get(context.WithoutCancel(ctx), entry.ID)
}

func (m *Manager) process(ctx context.Context, entry *queue.Entry) {
	ctx = services.WithEntryID(ctx, entry.ID)
	ctx = services.WithDatasetID(ctx, entry.DatasetID)
	ctx = services.WithWorker(ctx, m.workerID)
	ctx = services.WithClaim(ctx, entry.ClaimToken)
	ctx = services.WithRequestID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, m.logger)

	m.trackActive(entry, true)
	defer m.trackActive(entry, false)
	m.metrics.ObserveClaim()
	m.setLastEntry(entry)

	logger.Info("entry claimed",
		logging.Int(logging.FieldAttempt, entry.Attempts),
		logging.Int64("position", entry.Position),
		logging.String(logging.FieldEventType, "entry_claimed"),
	)
	m.appendLog(ctx, entry.ID, "", metastore.SeverityInfo,
		fmt.Sprintf("claimed by %s (attempt %d of %d)", m.workerID, entry.Attempts, m.queue.MaxAttempts()))

	dataset, err := m.store.GetDataset(ctx, entry.DatasetID)
	if err != nil {
		marker := services.ErrTransient
		if errors.Is(err, metastore.ErrNotFound) {
			marker = services.ErrMissingInput
		}
		m.handleStageFailure(ctx, entry, StageConvert, services.Wrap(marker, StageConvert, "load dataset", entry.DatasetID, err))
		return
	}

	job := &stage.Job{
		Entry:   entry,
		Dataset: dataset,
		WorkDir: m.cfg.ScratchDirFor(entry.ID, entry.ClaimToken),
	}
	succeeded := false
	defer func() {
		m.cleanupScratch(ctx, job, succeeded)
	}()

	if err := os.MkdirAll(job.WorkDir, 0o755); err != nil {
		m.handleStageFailure(ctx, entry, StageConvert, services.Wrap(services.ErrTransient, StageConvert, "scratch", job.WorkDir, err))
		return
	}

	for _, stg := range m.stageList() {
		if err := m.runStage(ctx, stg, job); err != nil {
			if ctx.Err() != nil {
				m.abandon(ctx, entry, stg.name)
				return
			}
			m.handleStageFailure(ctx, entry, stg.name, err)
			return
		}
	}

	if err := m.commit(ctx, job); err != nil {
		if ctx.Err() != nil {
			m.abandon(ctx, entry, StageCommit)
			return
		}
		if errors.Is(err, queue.ErrClaimLost) {
			m.handleClaimLost(ctx, entry, StageCommit, err)
			return
		}
		m.handleStageFailure(ctx, entry, StageCommit, services.Wrap(services.ErrMetadataCommit, StageCommit, "insert artifacts", "", err))
		return
	}
	succeeded = true
	m.handleSuccess(ctx, job)
}

func (m *Manager) runStage(ctx context.Context, stg pipelineStage, job *stage.Job) error {
	pool := m.pools[stg.pool]
	if err := pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer pool.Release(1)

	ctx = services.WithStage(ctx, stg.name)
	logger := logging.WithContext(ctx, m.logger)
	started := time.Now()
	logger.Info("stage started", logging.String(logging.FieldEventType, "stage_start"))
	m.appendLog(ctx, job.Entry.ID, stg.name, metastore.SeverityInfo, "stage started")

	if err := stg.handler.Prepare(ctx, job); err != nil {
		return err
	}
	if err := stg.handler.Execute(ctx, job); err != nil {
		return err
	}

	elapsed := time.Since(started)
	m.metrics.ObserveStage(stg.name, elapsed)
	logger.Info("stage completed",
		logging.Duration("stage_duration", elapsed),
		logging.Int("artifacts", len(job.Artifacts)),
		logging.String(logging.FieldEventType, "stage_complete"),
	)
	m.appendLog(ctx, job.Entry.ID, stg.name, metastore.SeverityInfo,
		fmt.Sprintf("stage completed in %s", elapsed.Round(time.Millisecond)))
	return nil
}

// commit records every archived artifact in the transaction that completes
// the claim.
func (m *Manager) commit(ctx context.Context, job *stage.Job) error {
	for _, artifact := range job.Artifacts {
		if artifact.RemotePath == "" {
			return fmt.Errorf("%s artifact was not archived", artifact.Kind)
		}
	}
	ctx = services.WithStage(ctx, StageCommit)
	started := time.Now()
	err := m.queue.CompleteWith(ctx, job.Entry.ID, job.Entry.ClaimToken, func(tx *metastore.Tx) error {
		for _, artifact := range job.Artifacts {
			if _, err := tx.InsertArtifact(ctx, metastore.DerivedArtifact{
				DatasetID:   job.Dataset.ID,
				EntryID:     job.Entry.ID,
				Kind:        artifact.Kind,
				StoragePath: artifact.RemotePath,
				SizeBytes:   artifact.SizeBytes,
				Width:       artifact.Width,
				Height:      artifact.Height,
				Checksum:    artifact.Checksum,
				Details:     artifact.Details,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		m.metrics.ObserveStage(StageCommit, time.Since(started))
	}
	return err
}

func (m *Manager) handleSuccess(ctx context.Context, job *stage.Job) {
	logger := logging.WithContext(ctx, m.logger)
	entry := job.Entry
	m.metrics.ObserveFinished(string(queue.StatusDone))
	m.appendLog(ctx, entry.ID, StageCommit, metastore.SeverityInfo,
		fmt.Sprintf("completed with %d artifacts", len(job.Artifacts)))
	logger.Info("entry completed",
		logging.Int(logging.FieldAttempt, entry.Attempts),
		logging.Int("artifacts", len(job.Artifacts)),
		logging.String(logging.FieldEventType, "entry_complete"),
	)
	m.publish(ctx, notify.EventCompleted, entry)
	if updated, err := m.queue.Get(ctx, entry.ID); err == nil {
		m.setLastEntry(updated)
	}
}

// abandon leaves a cancelled entry in processing for the stale sweep.
func (m *Manager) abandon(ctx context.Context, entry *queue.Entry, stageName string) {
	logging.WithContext(ctx, m.logger).Info("entry abandoned on shutdown; stale sweep will release it",
		logging.String(logging.FieldStage, stageName),
		logging.String(logging.FieldEventType, "entry_abandoned"),
	)
	m.appendLog(context.WithoutCancel(ctx), entry.ID, stageName, metastore.SeverityWarn, "worker stopped before completion")
}

func (m *Manager) cleanupScratch(ctx context.Context, job *stage.Job, succeeded bool) {
	if !succeeded && m.cfg.Raster.SkipExisting {
		return
	}
	if err := os.RemoveAll(job.WorkDir); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, m.logger), "scratch cleanup failed", "scratch_cleanup_failed",
			logging.String("work_dir", job.WorkDir),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the directory manually"),
		)
	}
}

// appendLog persists a log entry. Failures are logged and never abort the
// pipeline.
func (m *Manager) appendLog(ctx context.Context, entryID int64, stageName, severity, message string) {
	if err := m.store.AppendLog(ctx, metastore.LogEntry{
		EntryID:  entryID,
		Stage:    stageName,
		Severity: severity,
		Message:  message,
	}); err != nil && ctx.Err() == nil {
		logging.WarnWithContext(logging.WithContext(ctx, m.logger), "persist log entry failed", "log_persist_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check metadata store connectivity"),
		)
	}
}

func (m *Manager) publish(ctx context.Context, eventType notify.EventType, entry *queue.Entry) {
	if err := m.notifier.Publish(ctx, notify.Event{
		Type:      eventType,
		EntryID:   entry.ID,
		DatasetID: entry.DatasetID,
		Position:  entry.Position,
		Worker:    m.workerID,
		At:        time.Now().UTC(),
	}); err != nil {
		logging.WithContext(ctx, m.logger).Debug("publish queue event failed",
			logging.String("event", string(eventType)),
			logging.Error(err),
		)
	}
}
