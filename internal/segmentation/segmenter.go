// Package segmentation triggers an external label-prediction command on a
// converted raster and reports the label file it produced. Inference itself
// is out of process.
package segmentation

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"tessera/internal/config"
	"tessera/internal/logging"
	"tessera/internal/raster"
	"tessera/internal/services"
)

const stageName = "segmentation"

// Options configures the external command. Args may reference {input} and
// {output}; when neither appears both paths are appended.
type Options struct {
	Enabled bool
	Command string
	Args    []string
	Timeout time.Duration
}

// OptionsFromConfig maps the [segmentation] config section.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Enabled: cfg.Segmentation.Enabled,
		Command: cfg.Segmentation.Command,
		Args:    append([]string(nil), cfg.Segmentation.Args...),
		Timeout: time.Duration(cfg.Segmentation.TimeoutSeconds) * time.Second,
	}
}

// Result describes the label file written by the command.
type Result struct {
	Path      string
	SizeBytes int64
	Duration  time.Duration
}

// Segmenter runs the configured command.
type Segmenter struct {
	opts   Options
	exec   raster.Executor
	logger *slog.Logger
}

// New constructs a segmenter. A nil executor runs real processes.
func New(opts Options, exec raster.Executor, logger *slog.Logger) *Segmenter {
	if exec == nil {
		exec = raster.NewCommandExecutor()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Segmenter{opts: opts, exec: exec, logger: logger}
}

// Enabled reports whether the stage should run.
func (s *Segmenter) Enabled() bool {
	return s != nil && s.opts.Enabled && strings.TrimSpace(s.opts.Command) != ""
}

// Run executes the command against input and expects it to write output.
func (s *Segmenter) Run(ctx context.Context, input, output string) (*Result, error) {
	logger := logging.WithContext(ctx, s.logger)
	if !s.Enabled() {
		return nil, services.Wrap(services.ErrConfiguration, stageName, "run", "segmentation is disabled", nil)
	}
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	started := time.Now()
	if _, err := s.exec.Run(ctx, s.opts.Command, s.args(input, output)); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, services.Wrap(services.ErrExternalTool, stageName, s.opts.Command, "timed out", err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, services.Wrap(services.ErrExternalTool, stageName, s.opts.Command, "", err)
	}
	info, err := os.Stat(output)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, stageName, s.opts.Command, "no label output written", err)
	}

	result := &Result{Path: output, SizeBytes: info.Size(), Duration: time.Since(started)}
	logger.Info("segmentation completed",
		logging.String("output", output),
		logging.Int64("size_bytes", result.SizeBytes),
		logging.Duration("duration", result.Duration),
	)
	return result, nil
}

func (s *Segmenter) args(input, output string) []string {
	args := make([]string, 0, len(s.opts.Args)+2)
	substituted := false
	for _, arg := range s.opts.Args {
		if strings.Contains(arg, "{input}") || strings.Contains(arg, "{output}") {
			substituted = true
		}
		arg = strings.ReplaceAll(arg, "{input}", input)
		arg = strings.ReplaceAll(arg, "{output}", output)
		args = append(args, arg)
	}
	if !substituted {
		args = append(args, input, output)
	}
	return args
}
