package api

import (
	"slices"
	"time"

	"tessera/internal/metastore"
	"tessera/internal/queue"
	"tessera/internal/stage"
	"tessera/internal/workflow"
)

// FromEntry converts a queue entry to its API representation.
func FromEntry(entry *queue.Entry) QueueEntry {
	if entry == nil {
		return QueueEntry{}
	}
	dto := QueueEntry{
		ID:          entry.ID,
		DatasetID:   entry.DatasetID,
		Status:      string(entry.Status),
		Position:    entry.Position,
		Attempts:    entry.Attempts,
		LastError:   entry.LastError,
		ClaimedBy:   entry.ClaimedBy,
		AvailableAt: FormatTime(entry.AvailableAt),
		CreatedAt:   FormatTime(entry.CreatedAt),
		UpdatedAt:   FormatTime(entry.UpdatedAt),
	}
	if entry.ClaimedAt != nil {
		dto.ClaimedAt = FormatTime(*entry.ClaimedAt)
	}
	return dto
}

// FromEntries converts queue entries and attaches ranks from positions where
// an entry is active.
func FromEntries(entries []queue.Entry, positions []queue.PositionInfo) []QueueEntry {
	if len(entries) == 0 {
		return nil
	}
	ranks := make(map[int64]int, len(positions))
	for _, info := range positions {
		ranks[info.EntryID] = info.Rank
	}
	out := make([]QueueEntry, 0, len(entries))
	for i := range entries {
		dto := FromEntry(&entries[i])
		dto.Rank = ranks[entries[i].ID]
		out = append(out, dto)
	}
	return out
}

// FromDataset converts a dataset row.
func FromDataset(dataset *metastore.Dataset) *Dataset {
	if dataset == nil {
		return nil
	}
	return &Dataset{
		ID:         dataset.ID,
		OwnerID:    dataset.OwnerID,
		Filename:   dataset.Filename,
		RawPath:    dataset.RawPath,
		Kind:       dataset.Kind,
		UploadedAt: FormatTime(dataset.UploadedAt),
	}
}

// FromArtifacts converts artifact rows.
func FromArtifacts(artifacts []metastore.DerivedArtifact) []Artifact {
	out := make([]Artifact, 0, len(artifacts))
	for _, artifact := range artifacts {
		out = append(out, Artifact{
			ID:          artifact.ID,
			EntryID:     artifact.EntryID,
			Kind:        string(artifact.Kind),
			StoragePath: artifact.StoragePath,
			SizeBytes:   artifact.SizeBytes,
			Width:       artifact.Width,
			Height:      artifact.Height,
			Checksum:    artifact.Checksum,
			Details:     artifact.Details,
			CreatedAt:   FormatTime(artifact.CreatedAt),
		})
	}
	return out
}

// FromLogEntries converts persisted log rows.
func FromLogEntries(entries []metastore.LogEntry) []LogEntry {
	out := make([]LogEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, LogEntry{
			Stage:     entry.Stage,
			Severity:  entry.Severity,
			Message:   entry.Message,
			CreatedAt: FormatTime(entry.CreatedAt),
		})
	}
	return out
}

// FromStatusSummary converts a workflow status summary to API payload.
func FromStatusSummary(summary workflow.StatusSummary) WorkflowStatus {
	wf := WorkflowStatus{
		Running:     summary.Running,
		WorkerID:    summary.WorkerID,
		Halted:      summary.Halted,
		QueueStats:  MergeQueueStats(summary.QueueStats),
		InFlight:    summary.InFlight,
		LastError:   summary.LastError,
		StageHealth: StageHealthSlice(summary.StageHealth),
	}
	if wf.InFlight == nil {
		wf.InFlight = []int64{}
	}
	if summary.LastEntry != nil {
		last := FromEntry(summary.LastEntry)
		wf.LastEntry = &last
	}
	return wf
}

// MergeQueueStats produces a string-keyed representation of queue stats with
// every status present.
func MergeQueueStats(stats queue.Stats) map[string]int {
	out := make(map[string]int, len(queue.AllStatuses()))
	for _, status := range queue.AllStatuses() {
		out[string(status)] = stats[status]
	}
	return out
}

// StageHealthSlice converts a stage health map into a deterministic slice.
func StageHealthSlice(health map[string]stage.Health) []StageHealth {
	if len(health) == 0 {
		return nil
	}
	names := make([]string, 0, len(health))
	for name := range health {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]StageHealth, 0, len(names))
	for _, name := range names {
		h := health[name]
		out = append(out, StageHealth{Name: name, Ready: h.Ready, Detail: h.Detail})
	}
	return out
}

// FormatTime converts a time to RFC3339 or returns empty string.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
