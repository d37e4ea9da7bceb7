package workflow

import "tessera/internal/stage"

// ConfigureStages registers the concrete stage handlers in pipeline order:
// convert, thumbnail, segmentation, transfer. Metadata commit always runs
// last and is not a handler.
func (m *Manager) ConfigureStages(set StageSet) {
	stages := make([]pipelineStage, 0, 4)
	if set.Convert != nil {
		stages = append(stages, pipelineStage{name: StageConvert, handler: set.Convert, pool: stage.PoolCPU})
	}
	if set.Thumbnail != nil {
		stages = append(stages, pipelineStage{name: StageThumbnail, handler: set.Thumbnail, pool: stage.PoolCPU})
	}
	if set.Segmentation != nil {
		stages = append(stages, pipelineStage{name: StageSegmentation, handler: set.Segmentation, pool: stage.PoolCPU})
	}
	if set.Transfer != nil {
		stages = append(stages, pipelineStage{name: StageTransfer, handler: set.Transfer, pool: stage.PoolIO})
	}

	m.mu.Lock()
	m.stages = stages
	m.mu.Unlock()
}

func (m *Manager) stageList() []pipelineStage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]pipelineStage, len(m.stages))
	copy(out, m.stages)
	return out
}
