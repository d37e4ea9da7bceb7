package api

import (
	"context"
	"errors"

	"tessera/internal/metastore"
	"tessera/internal/queue"
)

// QueueReader abstracts the queue operations needed for API queries.
type QueueReader interface {
	List(ctx context.Context, statuses ...queue.Status) ([]queue.Entry, error)
	Stats(ctx context.Context) (queue.Stats, error)
	Get(ctx context.Context, id int64) (*queue.Entry, error)
	PositionOf(ctx context.Context, id int64) (int, error)
	Positions(ctx context.Context) ([]queue.PositionInfo, error)
}

// MetadataReader abstracts the metadata lookups attached to entry detail.
type MetadataReader interface {
	GetDataset(ctx context.Context, id string) (*metastore.Dataset, error)
	ListArtifactsForEntry(ctx context.Context, entryID int64) ([]metastore.DerivedArtifact, error)
	ListLogs(ctx context.Context, entryID int64, limit int) ([]metastore.LogEntry, error)
}

// QueueService exposes read-only queue operations returning API DTOs.
type QueueService struct {
	queue QueueReader
	meta  MetadataReader
}

// NewQueueService constructs a QueueService. meta may be nil, in which case
// Describe omits dataset, artifacts, and logs.
func NewQueueService(q QueueReader, meta MetadataReader) *QueueService {
	if q == nil {
		return nil
	}
	return &QueueService{queue: q, meta: meta}
}

// List returns entries filtered by status, each active entry carrying its rank.
func (s *QueueService) List(ctx context.Context, statuses ...queue.Status) ([]QueueEntry, error) {
	if s == nil {
		return nil, nil
	}
	entries, err := s.queue.List(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	positions, err := s.queue.Positions(ctx)
	if err != nil {
		return nil, err
	}
	return FromEntries(entries, positions), nil
}

// Stats returns queue summary counts keyed by status string.
func (s *QueueService) Stats(ctx context.Context) (map[string]int, error) {
	if s == nil {
		return nil, nil
	}
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return MergeQueueStats(stats), nil
}

// Describe fetches one entry with its rank, dataset, artifacts, and logs. It
// returns nil without error when the entry does not exist.
func (s *QueueService) Describe(ctx context.Context, id int64, logLimit int) (*EntryDetail, error) {
	if s == nil {
		return nil, nil
	}
	entry, err := s.queue.Get(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rank, err := s.queue.PositionOf(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &EntryDetail{Entry: FromEntry(entry), Artifacts: []Artifact{}, Logs: []LogEntry{}}
	detail.Entry.Rank = rank
	if s.meta == nil {
		return detail, nil
	}

	dataset, err := s.meta.GetDataset(ctx, entry.DatasetID)
	if err != nil && !errors.Is(err, metastore.ErrNotFound) {
		return nil, err
	}
	detail.Dataset = FromDataset(dataset)

	artifacts, err := s.meta.ListArtifactsForEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	detail.Artifacts = FromArtifacts(artifacts)

	logs, err := s.meta.ListLogs(ctx, id, logLimit)
	if err != nil {
		return nil, err
	}
	detail.Logs = FromLogEntries(logs)
	return detail, nil
}
