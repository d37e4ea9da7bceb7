package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/gofrs/flock"

	"tessera/internal/config"
	"tessera/internal/deps"
	"tessera/internal/logging"
	"tessera/internal/metastore"
	"tessera/internal/metrics"
	"tessera/internal/notify"
	"tessera/internal/preflight"
	"tessera/internal/queue"
	"tessera/internal/workflow"
)

// Daemon coordinates the background processing services and enforces
// single-instance execution per worker identity.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *metastore.Store
	queue    *queue.Queue
	workflow *workflow.Manager
	notifier notify.Service
	metrics  *metrics.Collectors

	lockPath string
	lock     *flock.Flock
	api      *apiServer

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Option configures optional Daemon behavior.
type Option func(*Daemon)

// WithNotifier publishes enqueue events through svc.
func WithNotifier(svc notify.Service) Option {
	return func(d *Daemon) {
		if svc != nil {
			d.notifier = svc
		}
	}
}

// WithMetrics exposes c on the status API's /metrics endpoint.
func WithMetrics(c *metrics.Collectors) Option {
	return func(d *Daemon) {
		d.metrics = c
	}
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	Workflow     workflow.StatusSummary
	StoreDSN     string
	LockFilePath string
	Dependencies []deps.Status
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, q *queue.Queue, logger *slog.Logger, wf *workflow.Manager, opts ...Option) (*Daemon, error) {
	if cfg == nil || q == nil || logger == nil || wf == nil {
		return nil, errors.New("daemon requires config, queue, logger, and workflow manager")
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, lockFileName(wf.WorkerID()))
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    q.Store(),
		queue:    q,
		workflow: wf,
		notifier: notify.NewNoop(),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	api, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.api = api
	return d, nil
}

// LockPathFor returns the lock file a daemon configured by cfg holds while
// running.
func LockPathFor(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogDir, lockFileName(cfg.Workers.WorkerID))
}

func lockFileName(workerID string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, workerID)
	if name == "" {
		return "tesserad.lock"
	}
	return "tesserad-" + name + ".lock"
}

// Start acquires the daemon lock, runs preflight checks, and launches the
// workflow manager and status API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another tessera daemon for worker %q is already running", d.workflow.WorkerID())
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.reportPreflight(d.ctx)

	if err := d.workflow.Start(d.ctx); err != nil {
		d.abortStart()
		return fmt.Errorf("start workflow: %w", err)
	}
	if err := d.api.start(d.ctx); err != nil {
		d.workflow.Stop()
		d.abortStart()
		return err
	}

	d.running.Store(true)
	d.logger.Info("tessera daemon started",
		logging.String("lock", d.lockPath),
		logging.String(logging.FieldWorkerID, d.workflow.WorkerID()),
		logging.String(logging.FieldEventType, "daemon_start"),
	)
	return nil
}

func (d *Daemon) abortStart() {
	_ = d.lock.Unlock()
	d.cancel()
	d.ctx = nil
	d.cancel = nil
}

func (d *Daemon) reportPreflight(ctx context.Context) {
	for _, result := range preflight.Failed(preflight.RunAll(ctx, d.cfg, d.store)) {
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldErrorHint, "run tessera status for the full report"),
		)
	}
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.workflow.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("tessera daemon stopped", logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	var errs []error
	if d.notifier != nil {
		errs = append(errs, d.notifier.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	return errors.Join(errs...)
}

// Done is closed when the workflow stops, including when it halts on its own.
func (d *Daemon) Done() <-chan struct{} {
	return d.workflow.Done()
}

// Halted reports why the workflow stopped on its own, or nil.
func (d *Daemon) Halted() error {
	return d.workflow.Halted()
}

// LockPath returns the path of the per-worker lock file.
func (d *Daemon) LockPath() string {
	return d.lockPath
}

// APIAddress returns the bound status API address, or "" when disabled.
func (d *Daemon) APIAddress() string {
	return d.api.address()
}

// Enqueue adds an entry for datasetID and publishes a wake-up.
func (d *Daemon) Enqueue(ctx context.Context, datasetID string) (*queue.Entry, error) {
	entry, err := d.queue.Enqueue(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if err := d.notifier.Publish(ctx, notify.Event{
		Type:      notify.EventEnqueued,
		EntryID:   entry.ID,
		DatasetID: entry.DatasetID,
		Position:  entry.Position,
	}); err != nil {
		d.logger.Debug("publish enqueue event failed", logging.Error(err))
	}
	d.logger.Info("dataset queued",
		logging.Int64(logging.FieldItemID, entry.ID),
		logging.String(logging.FieldDatasetID, entry.DatasetID),
		logging.String(logging.FieldEventType, "entry_enqueued"),
	)
	return entry, nil
}

// RetryEntries resets terminal entries (optionally a subset) back to pending.
func (d *Daemon) RetryEntries(ctx context.Context, ids []int64) (int64, error) {
	return d.queue.Retry(ctx, ids...)
}

// MarkFailed moves an entry to the terminal failed state.
func (d *Daemon) MarkFailed(ctx context.Context, id int64, reason string) error {
	return d.queue.MarkFailed(ctx, id, reason)
}

// SweepStale runs one stale-claim sweep immediately.
func (d *Daemon) SweepStale(ctx context.Context) ([]queue.Entry, error) {
	return d.workflow.SweepStale(ctx)
}

// DatabaseHealth returns detailed metadata store diagnostics.
func (d *Daemon) DatabaseHealth(ctx context.Context) (metastore.DatabaseHealth, error) {
	return d.store.CheckHealth(ctx)
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Workflow:     d.workflow.Status(ctx),
		StoreDSN:     d.store.Location(),
		LockFilePath: d.lockPath,
		Dependencies: preflight.CheckSystemDeps(ctx, d.cfg),
	}
}
