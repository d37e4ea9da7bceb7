package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"tessera/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.ScratchDir = filepath.Join(base, "scratch")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Store.Driver = "sqlite"
	cfgVal.Store.DSN = filepath.Join(base, "logs", "tessera.db")
	cfgVal.Transfer.RemoteRoot = filepath.Join(base, "archive")
	cfgVal.Workers.WorkerID = "test-worker"
	cfgVal.Workers.Convert = 1
	cfgVal.Workers.Transfer = 1
	cfgVal.Workers.MaxInFlight = 2
	cfgVal.Queue.PollIntervalSeconds = 1
	cfgVal.Queue.PollMaxIntervalSeconds = 1
	cfgVal.Queue.BackoffBaseSeconds = 0
	cfgVal.Queue.BackoffCapSeconds = 0
	cfgVal.Notify.Channel = "tessera:test"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithMaxAttempts overrides the retry limit on the test config.
func WithMaxAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.MaxAttempts = n
	}
}

// WithBackoff sets the retry backoff base and cap in seconds.
func WithBackoff(baseSeconds, capSeconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.BackoffBaseSeconds = baseSeconds
		b.cfg.Queue.BackoffCapSeconds = capSeconds
	}
}

// WithWorkerID overrides the worker identity on the test config.
func WithWorkerID(id string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workers.WorkerID = id
	}
}

// WithSharedStore points the config at another config's database so two
// workers can contend on the same queue.
func WithSharedStore(other *config.Config) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Store = other.Store
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, the GDAL command line tools are
// stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"gdalinfo", "gdalwarp", "gdal_translate"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.ScratchDir)
}
