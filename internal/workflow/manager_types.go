package workflow

import (
	"tessera/internal/stage"
)

// StageSet bundles the concrete stage handlers the manager orchestrates.
// Nil handlers are skipped; Convert and Transfer are required.
type StageSet struct {
	Convert      stage.Handler
	Thumbnail    stage.Handler
	Segmentation stage.Handler
	Transfer     stage.Handler
}

// Stage names used in logs, metrics, and persisted log entries.
const (
	StageConvert      = "convert"
	StageThumbnail    = "thumbnail"
	StageSegmentation = "segmentation"
	StageTransfer     = "transfer"
	StageCommit       = "commit"
)

type pipelineStage struct {
	name    string
	handler stage.Handler
	pool    stage.Pool
}
