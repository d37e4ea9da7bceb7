package stage

import (
	"context"

	"tessera/internal/metastore"
	"tessera/internal/queue"
)

// Handler describes the contract the workflow manager needs from each stage.
// Prepare and Execute must be safe to re-run on a fresh Job after a retry.
type Handler interface {
	Prepare(context.Context, *Job) error
	Execute(context.Context, *Job) error
	HealthCheck(context.Context) Health
}

// Pool names the bounded worker pool a stage runs in.
type Pool string

const (
	// PoolCPU bounds conversion-style work.
	PoolCPU Pool = "convert"
	// PoolIO bounds network transfer work.
	PoolIO Pool = "transfer"
)

// Job carries one claimed queue entry through the stage sequence.
type Job struct {
	Entry   *queue.Entry
	Dataset *metastore.Dataset
	// WorkDir is the per-entry scratch directory.
	WorkDir string
	// Source is the local copy of the raw upload once fetched.
	Source string
	// COG is the converted raster in WorkDir.
	COG string

	Artifacts []Artifact
}

// Artifact is a derived file produced by a stage. RemotePath, SizeBytes and
// Checksum are filled in once the file is archived.
type Artifact struct {
	Kind       metastore.ArtifactKind
	LocalPath  string
	RemotePath string
	SizeBytes  int64
	Width      int
	Height     int
	Checksum   string
	Details    map[string]any
}

// AddArtifact records a produced file, replacing an earlier one of the same kind.
func (j *Job) AddArtifact(artifact Artifact) {
	for i := range j.Artifacts {
		if j.Artifacts[i].Kind == artifact.Kind {
			j.Artifacts[i] = artifact
			return
		}
	}
	j.Artifacts = append(j.Artifacts, artifact)
}

// Artifact returns the produced artifact of kind, if any.
func (j *Job) Artifact(kind metastore.ArtifactKind) (*Artifact, bool) {
	for i := range j.Artifacts {
		if j.Artifacts[i].Kind == kind {
			return &j.Artifacts[i], true
		}
	}
	return nil, false
}

// Stem names the dataset's derived files.
func (j *Job) Stem() string {
	if j.Dataset == nil {
		return ""
	}
	return j.Dataset.Stem()
}
