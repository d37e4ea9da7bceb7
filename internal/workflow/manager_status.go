package workflow

import (
	"context"
	"sort"

	"tessera/internal/logging"
	"tessera/internal/queue"
	"tessera/internal/stage"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running     bool
	WorkerID    string
	Halted      string
	LastError   string
	LastEntry   *queue.Entry
	InFlight    []int64
	QueueStats  queue.Stats
	StageHealth map[string]stage.Health
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{Running: m.running, WorkerID: m.workerID}
	if m.halted != nil {
		summary.Halted = m.halted.Error()
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	if m.lastEntry != nil {
		last := *m.lastEntry
		summary.LastEntry = &last
	}
	for _, entry := range m.active {
		summary.InFlight = append(summary.InFlight, entry.ID)
	}
	stages := make([]pipelineStage, len(m.stages))
	copy(stages, m.stages)
	m.mu.RUnlock()
	sort.Slice(summary.InFlight, func(i, j int) bool { return summary.InFlight[i] < summary.InFlight[j] })

	stats, err := m.queue.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read queue stats", logging.Error(err))
	}
	summary.QueueStats = stats

	summary.StageHealth = make(map[string]stage.Health, len(stages))
	for _, stg := range stages {
		summary.StageHealth[stg.name] = stg.handler.HealthCheck(ctx)
	}
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastEntry(entry *queue.Entry) {
	m.mu.Lock()
	if entry != nil {
		last := *entry
		m.lastEntry = &last
	} else {
		m.lastEntry = nil
	}
	m.mu.Unlock()
}

func (m *Manager) trackActive(entry *queue.Entry, active bool) {
	m.mu.Lock()
	if active {
		m.active[entry.ClaimToken] = entry
	} else {
		delete(m.active, entry.ClaimToken)
	}
	count := len(m.active)
	m.mu.Unlock()
	m.metrics.SetInFlight(count)
}
