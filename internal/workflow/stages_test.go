package workflow_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"tessera/internal/metastore"
	"tessera/internal/queue"
	"tessera/internal/stage"
	"tessera/internal/transfer"
	"tessera/internal/workflow"
)

func TestArchivePath(t *testing.T) {
	job := &stage.Job{Dataset: &metastore.Dataset{ID: "ds-9", Filename: "Valley North.tif"}}
	tests := []struct {
		name     string
		artifact stage.Artifact
		want     string
	}{
		{"cog", stage.Artifact{Kind: metastore.ArtifactCOG, LocalPath: "/scratch/entry-1/Valley North_cog.tif"}, "cogs/ds-9/Valley North_cog.tif"},
		{"thumbnail", stage.Artifact{Kind: metastore.ArtifactThumbnail, LocalPath: "/scratch/entry-1/thumbnails/Valley North.png"}, "thumbnails/ds-9/Valley North.png"},
		{"label", stage.Artifact{Kind: metastore.ArtifactLabel, LocalPath: "/scratch/entry-1/Valley North_labels.gpkg"}, "labels/ds-9/Valley North_labels.gpkg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := workflow.ArchivePath(job, &tt.artifact); got != tt.want {
				t.Fatalf("ArchivePath = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSkipExistingReusesConversion(t *testing.T) {
	env := newEnv(t)
	env.cfg.Raster.SkipExisting = true
	entry := env.upload(t, "keep", "keep.tif")

	var dials atomic.Int32
	dial := func(context.Context) (transfer.FS, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("connection reset by peer")
		}
		return transfer.NewLocalFS(), nil
	}
	m := env.manager(dial)

	first, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if first.Status != queue.StatusPending {
		t.Fatalf("expected retry scheduled, got %s", first.Status)
	}
	kept := env.scratchDirs(t, entry.ID)
	if len(kept) != 1 {
		t.Fatalf("expected scratch kept for reuse, found %v", kept)
	}

	second, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if second.Status != queue.StatusDone {
		t.Fatalf("expected done, got %s (%s)", second.Status, second.LastError)
	}
	// One conversion plus one preview per attempt.
	if calls := env.gdal.callCount("gdal_translate"); calls != 3 {
		t.Fatalf("expected kept conversion reused, gdal_translate calls=%d", calls)
	}
	// The retry ran under a new claim; only the kept directory remains for
	// the scratch sweep.
	if diff := cmp.Diff(kept, env.scratchDirs(t, entry.ID)); diff != "" {
		t.Fatalf("scratch dirs mismatch (-want +got):\n%s", diff)
	}
}
