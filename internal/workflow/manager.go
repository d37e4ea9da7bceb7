package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"tessera/internal/config"
	"tessera/internal/logging"
	"tessera/internal/metastore"
	"tessera/internal/metrics"
	"tessera/internal/notify"
	"tessera/internal/queue"
	"tessera/internal/stage"
)

// Manager claims queue entries and runs them through the stage sequence.
type Manager struct {
	cfg      *config.Config
	queue    *queue.Queue
	store    *metastore.Store
	logger   *slog.Logger
	notifier notify.Service
	metrics  *metrics.Collectors
	sweeper  *StaleSweeper

	workerID          string
	pollInterval      time.Duration
	pollMaxInterval   time.Duration
	errorRetry        time.Duration
	sweepInterval     time.Duration
	storeFailureLimit int

	stages   []pipelineStage
	pools    map[stage.Pool]*semaphore.Weighted
	inFlight *semaphore.Weighted

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
	halted    error
	lastErr   error
	lastEntry *queue.Entry
	active    map[string]*queue.Entry
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithNotifier publishes queue events and subscribes to wake-ups through svc.
func WithNotifier(svc notify.Service) ManagerOption {
	return func(m *Manager) {
		if svc != nil {
			m.notifier = svc
		}
	}
}

// WithMetrics records pipeline metrics on c.
func WithMetrics(c *metrics.Collectors) ManagerOption {
	return func(m *Manager) {
		m.metrics = c
	}
}

// NewManager constructs a workflow manager for q using the [queue] and
// [workers] config sections.
func NewManager(cfg *config.Config, q *queue.Queue, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		cfg:               cfg,
		queue:             q,
		store:             q.Store(),
		logger:            logging.NewComponentLogger(logger, "workflow"),
		notifier:          notify.NewNoop(),
		workerID:          cfg.Workers.WorkerID,
		pollInterval:      seconds(cfg.Queue.PollIntervalSeconds, time.Second),
		pollMaxInterval:   seconds(cfg.Queue.PollMaxIntervalSeconds, time.Second),
		errorRetry:        seconds(cfg.Queue.ErrorRetryIntervalSeconds, time.Second),
		sweepInterval:     seconds(cfg.Queue.SweepIntervalSeconds, time.Minute),
		storeFailureLimit: max(1, cfg.Queue.StoreFailureLimit),
		pools: map[stage.Pool]*semaphore.Weighted{
			stage.PoolCPU: semaphore.NewWeighted(int64(max(1, cfg.Workers.Convert))),
			stage.PoolIO:  semaphore.NewWeighted(int64(max(1, cfg.Workers.Transfer))),
		},
		inFlight: semaphore.NewWeighted(int64(max(1, cfg.Workers.MaxInFlight))),
		active:   make(map[string]*queue.Entry),
	}
	if m.pollMaxInterval < m.pollInterval {
		m.pollMaxInterval = m.pollInterval
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sweeper = NewStaleSweeper(q, m.logger, m.notifier, m.metrics, m.cfg.StaleTimeout())
	return m
}

// WorkerID returns the identity recorded on claims.
func (m *Manager) WorkerID() string {
	return m.workerID
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
