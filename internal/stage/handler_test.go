package stage_test

import (
	"testing"

	"tessera/internal/metastore"
	"tessera/internal/stage"
)

func TestJobArtifactsReplaceByKind(t *testing.T) {
	job := &stage.Job{Dataset: &metastore.Dataset{Filename: "site-7.tif"}}
	job.AddArtifact(stage.Artifact{Kind: metastore.ArtifactCOG, LocalPath: "/scratch/a.tif"})
	job.AddArtifact(stage.Artifact{Kind: metastore.ArtifactThumbnail, LocalPath: "/scratch/a.jpg"})
	job.AddArtifact(stage.Artifact{Kind: metastore.ArtifactCOG, LocalPath: "/scratch/b.tif"})

	if len(job.Artifacts) != 2 {
		t.Fatalf("expected two artifacts, got %d", len(job.Artifacts))
	}
	cog, ok := job.Artifact(metastore.ArtifactCOG)
	if !ok || cog.LocalPath != "/scratch/b.tif" {
		t.Fatalf("expected replaced cog, got %+v", cog)
	}
	if _, ok := job.Artifact(metastore.ArtifactLabel); ok {
		t.Fatal("did not expect a label artifact")
	}
	if job.Stem() != "site-7" {
		t.Fatalf("unexpected stem %q", job.Stem())
	}
}

func TestHealthConstructors(t *testing.T) {
	if h := stage.Healthy("convert"); !h.Ready || h.Name != "convert" {
		t.Fatalf("unexpected healthy record %+v", h)
	}
	if h := stage.Unhealthy("transfer", "dial refused"); h.Ready || h.Detail != "dial refused" {
		t.Fatalf("unexpected unhealthy record %+v", h)
	}
}
