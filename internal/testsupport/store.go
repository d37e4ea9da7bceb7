package testsupport

import (
	"context"
	"path/filepath"
	"testing"

	"tessera/internal/config"
	"tessera/internal/metastore"
	"tessera/internal/queue"
)

// MustOpenStore opens a metastore.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *metastore.Store {
	t.Helper()

	store, err := metastore.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenQueue opens a store and wraps it in a queue using the config's policy.
func MustOpenQueue(t testing.TB, cfg *config.Config) (*metastore.Store, *queue.Queue) {
	t.Helper()

	store := MustOpenStore(t, cfg)
	return store, queue.NewFromConfig(store, cfg)
}

// RegisterDataset inserts a dataset whose raw file lives at rawPath.
func RegisterDataset(t testing.TB, store *metastore.Store, id, rawPath string) *metastore.Dataset {
	t.Helper()

	dataset, err := store.RegisterDataset(context.Background(), metastore.DatasetInput{
		ID:       id,
		OwnerID:  "owner-1",
		Filename: filepath.Base(rawPath),
		RawPath:  rawPath,
	})
	if err != nil {
		t.Fatalf("RegisterDataset: %v", err)
	}
	return dataset
}

// MustEnqueue registers a dataset and enqueues it in one step.
func MustEnqueue(t testing.TB, store *metastore.Store, q *queue.Queue, id, rawPath string) *queue.Entry {
	t.Helper()

	dataset := RegisterDataset(t, store, id, rawPath)
	entry, err := q.Enqueue(context.Background(), dataset.ID)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return entry
}
