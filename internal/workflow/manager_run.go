package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tessera/internal/logging"
	"tessera/internal/notify"
	"tessera/internal/queue"
	"tessera/internal/scratch"
)

// ErrHalted is returned by Halted once consecutive store failures exceeded
// queue.store_failure_limit and polling stopped.
var ErrHalted = errors.New("workflow halted: metadata store unreachable")

// Start begins background polling and stale sweeping.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if len(m.stages) == 0 {
		m.mu.Unlock()
		return errors.New("workflow stages not configured")
	}
	if err := m.validateStages(); err != nil {
		m.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.halted = nil
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	wake := m.subscribe(runCtx)

	loops := make(chan struct{}, 2)
	go func() {
		m.pollLoop(runCtx, wake)
		loops <- struct{}{}
	}()
	go func() {
		m.sweepLoop(runCtx)
		loops <- struct{}{}
	}()
	go func() {
		<-loops
		// Either loop exiting ends the run: a halt must also stop sweeping.
		cancel()
		<-loops
		m.wg.Wait()
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(done)
	}()

	m.logger.Info("workflow started",
		logging.String(logging.FieldWorkerID, m.workerID),
		logging.Int("stages", len(m.stageList())),
		logging.Int("max_in_flight", m.cfg.Workers.MaxInFlight),
		logging.String(logging.FieldEventType, "workflow_start"),
	)
	return nil
}

// Stop cancels polling and waits for the loops to exit. Entries still in
// flight are abandoned to the stale sweep.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.cancel == nil {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	<-done
	m.logger.Info("workflow stopped", logging.String(logging.FieldEventType, "workflow_stop"))
}

// Done is closed when the manager stops, either through Stop or a halt.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return m.done
}

// Halted reports why polling stopped on its own, or nil.
func (m *Manager) Halted() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.halted
}

func (m *Manager) validateStages() error {
	var convert, transfer bool
	for _, stg := range m.stages {
		switch stg.name {
		case StageConvert:
			convert = true
		case StageTransfer:
			transfer = true
		}
	}
	if !convert || !transfer {
		return errors.New("workflow requires convert and transfer stages")
	}
	return nil
}

func (m *Manager) subscribe(ctx context.Context) <-chan notify.Event {
	sub, err := m.notifier.Subscribe(ctx)
	if err != nil {
		logging.WarnWithContext(m.logger, "queue notifications unavailable; polling only", "notify_subscribe_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notify.redis_addr"),
		)
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return sub.Events()
}

func (m *Manager) pollLoop(ctx context.Context, wake <-chan notify.Event) {
	idle := m.pollInterval
	failures := 0
	for {
		if err := m.inFlight.Acquire(ctx, 1); err != nil {
			return
		}
		entry, err := m.queue.Claim(ctx, m.workerID)
		if err != nil {
			m.inFlight.Release(1)
			if ctx.Err() != nil {
				return
			}
			failures++
			if m.handleClaimError(ctx, err, failures) {
				return
			}
			continue
		}
		failures = 0
		if entry == nil {
			m.inFlight.Release(1)
			if !m.waitForWork(ctx, idle, wake) {
				return
			}
			idle = min(idle*2, m.pollMaxInterval)
			continue
		}
		idle = m.pollInterval

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer m.inFlight.Release(1)
			m.process(ctx, entry)
		}()
	}
}

// handleClaimError records a failed claim and reports whether polling must
// halt.
func (m *Manager) handleClaimError(ctx context.Context, err error, failures int) bool {
	m.setLastError(err)
	m.metrics.ObserveStoreFailure()
	if failures >= m.storeFailureLimit {
		halted := fmt.Errorf("%w: %d consecutive claim failures: %w", ErrHalted, failures, err)
		m.mu.Lock()
		m.halted = halted
		m.mu.Unlock()
		logging.ErrorWithContext(m.logger, "metadata store unreachable; halting queue polling", "workflow_halted",
			logging.Int("failures", failures),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "restore metadata store connectivity and restart the worker"),
		)
		return true
	}
	logging.ErrorWithContext(m.logger, "failed to claim next queue entry", "queue_claim_failed",
		logging.Int("failures", failures),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check metadata store access"),
	)
	select {
	case <-ctx.Done():
		return true
	case <-time.After(m.errorRetry):
	}
	return false
}

// waitForWork sleeps for delay or until a wake-up event arrives. It returns
// false when ctx is done.
func (m *Manager) waitForWork(ctx context.Context, delay time.Duration, wake <-chan notify.Event) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case event, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if event.Type == notify.EventEnqueued || event.Type == notify.EventReleased {
				return true
			}
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		m.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepStale runs one stale-claim sweep outside the background loop.
func (m *Manager) SweepStale(ctx context.Context) ([]queue.Entry, error) {
	released, err := m.sweeper.Sweep(ctx)
	m.pruneScratch(ctx)
	m.refreshQueueGauges(ctx)
	return released, err
}

func (m *Manager) sweepOnce(ctx context.Context) {
	if _, err := m.sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
		m.setLastError(err)
		logging.WarnWithContext(m.logger, "stale sweep failed; stuck claims may remain", "stale_sweep_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check metadata store access"),
		)
	}
	m.pruneScratch(ctx)
	m.refreshQueueGauges(ctx)
}

// pruneScratch removes scratch left behind by entries that will not run
// again. Pending entries keep theirs for conversion reuse.
func (m *Manager) pruneScratch(ctx context.Context) {
	result := scratch.Prune(ctx, m.cfg.Paths.ScratchDir, m.sweepInterval, m.scratchNeeded, m.logger)
	if len(result.Removed) > 0 {
		m.logger.Debug("scratch pruned", logging.Int("removed", len(result.Removed)))
	}
}

func (m *Manager) scratchNeeded(ctx context.Context, entryID int64) bool {
	entry, err := m.queue.Get(ctx, entryID)
	if errors.Is(err, queue.ErrNotFound) {
		return false
	}
	if err != nil {
		return true
	}
	return entry.Status.IsActive()
}

func (m *Manager) refreshQueueGauges(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	stats, err := m.queue.Stats(ctx)
	if err != nil {
		return
	}
	counts := make(map[string]int, len(stats))
	for _, status := range queue.AllStatuses() {
		counts[string(status)] = stats[status]
	}
	m.metrics.SetQueueEntries(counts)
}
