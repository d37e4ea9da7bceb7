package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tessera/internal/config"
	"tessera/internal/daemon"
	"tessera/internal/daemonctl"
	"tessera/internal/logging"
	"tessera/internal/metastore"
	"tessera/internal/metrics"
	"tessera/internal/notify"
	"tessera/internal/preflight"
	"tessera/internal/queue"
	"tessera/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Runtime bundles the services shared by the daemon and one-shot commands.
type Runtime struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    *metastore.Store
	Queue    *queue.Queue
	Notifier notify.Service
	Metrics  *metrics.Collectors
	Manager  *workflow.Manager
}

// Open connects to the metadata store and builds a workflow manager with the
// stages cfg enables.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	store, err := metastore.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	rt := &Runtime{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Queue:    queue.NewFromConfig(store, cfg),
		Notifier: notify.NewService(cfg),
	}
	if cfg.Metrics.Enabled {
		rt.Metrics = metrics.New()
	}
	rt.Manager = workflow.NewManager(cfg, rt.Queue, logger,
		workflow.WithNotifier(rt.Notifier),
		workflow.WithMetrics(rt.Metrics),
	)
	rt.Manager.ConfigureStages(workflow.BuildStages(cfg, logger, rt.Metrics, nil))
	return rt, nil
}

// Close releases the notifier and the store.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	return errors.Join(r.Notifier.Close(), r.Store.Close())
}

// Run starts the tessera daemon and blocks until a signal arrives or the
// workflow halts. A halt is returned as an error.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("tessera-%s.log", runID))
	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update tessera.log link: %v\n", err)
	}
	logDependencySnapshot(signalCtx, logger, cfg)

	rt, err := Open(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("open runtime", logging.Error(err))
		return err
	}

	d, err := daemon.New(cfg, rt.Queue, logger, rt.Manager,
		daemon.WithNotifier(rt.Notifier),
		daemon.WithMetrics(rt.Metrics),
	)
	if err != nil {
		_ = rt.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the lock file and metadata store access"),
		)
		return err
	}

	pidPath := daemonctl.PIDPath(d.LockPath())
	if err := daemonctl.WritePIDFile(pidPath); err != nil {
		logger.Warn("write pid file failed", logging.Error(err))
	}
	defer os.Remove(pidPath)

	select {
	case <-signalCtx.Done():
		logger.Info("tessera daemon shutting down")
		return nil
	case <-d.Done():
	}
	if halted := d.Halted(); halted != nil {
		return halted
	}
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "tessera.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func logDependencySnapshot(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.String("store_driver", cfg.Store.Driver),
		logging.Bool("transfer_remote", cfg.TransferEnabled()),
		logging.Bool("notify_enabled", strings.TrimSpace(cfg.Notify.RedisAddr) != ""),
		logging.Bool("segmentation_enabled", cfg.Segmentation.Enabled),
	}
	for _, dep := range preflight.CheckSystemDeps(ctx, cfg) {
		attrs = append(attrs, logging.Bool(dep.Name+"_available", dep.Available))
		if dep.Version != "" {
			attrs = append(attrs, logging.String(dep.Name+"_version", dep.Version))
		}
	}
	logger.Info("dependency snapshot", logging.Args(attrs...)...)
}
