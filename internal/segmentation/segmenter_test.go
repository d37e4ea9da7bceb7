package segmentation_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"tessera/internal/segmentation"
	"tessera/internal/services"
)

type recordingExecutor struct {
	binary string
	args   []string
	write  bool
	err    error
}

func (r *recordingExecutor) Run(_ context.Context, binary string, args []string) ([]byte, error) {
	r.binary = binary
	r.args = append([]string(nil), args...)
	if r.err != nil {
		return nil, r.err
	}
	if r.write {
		return nil, os.WriteFile(args[len(args)-1], []byte("GPKG"), 0o644)
	}
	return nil, nil
}

func TestRunSubstitutesPlaceholders(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "site_labels.gpkg")
	exec := &recordingExecutor{write: true}
	seg := segmentation.New(segmentation.Options{
		Enabled: true,
		Command: "deadwood-predict",
		Args:    []string{"--model", "v2", "--in={input}", "{output}"},
		Timeout: time.Minute,
	}, exec, nil)

	result, err := seg.Run(context.Background(), "/scratch/site_cog.tif", output)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []string{"--model", "v2", "--in=/scratch/site_cog.tif", output}
	if exec.binary != "deadwood-predict" || !slices.Equal(exec.args, want) {
		t.Fatalf("unexpected invocation %s %v", exec.binary, exec.args)
	}
	if result.SizeBytes != 4 {
		t.Fatalf("unexpected size %d", result.SizeBytes)
	}
}

func TestRunAppendsPathsWithoutPlaceholders(t *testing.T) {
	output := filepath.Join(t.TempDir(), "labels.gpkg")
	exec := &recordingExecutor{write: true}
	seg := segmentation.New(segmentation.Options{Enabled: true, Command: "predict", Args: []string{"-q"}}, exec, nil)

	if _, err := seg.Run(context.Background(), "in.tif", output); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !slices.Equal(exec.args, []string{"-q", "in.tif", output}) {
		t.Fatalf("unexpected args %v", exec.args)
	}
}

func TestRunFailures(t *testing.T) {
	output := filepath.Join(t.TempDir(), "labels.gpkg")

	missing := segmentation.New(segmentation.Options{Enabled: true, Command: "predict"}, &recordingExecutor{}, nil)
	if _, err := missing.Run(context.Background(), "in.tif", output); !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error for missing output, got %v", err)
	}

	failing := segmentation.New(segmentation.Options{Enabled: true, Command: "predict"}, &recordingExecutor{err: errors.New("exit status 2")}, nil)
	_, err := failing.Run(context.Background(), "in.tif", output)
	if !errors.Is(err, services.ErrExternalTool) || services.IsPermanent(err) {
		t.Fatalf("expected transient tool error, got %v", err)
	}

	disabled := segmentation.New(segmentation.Options{Command: "predict"}, &recordingExecutor{}, nil)
	if disabled.Enabled() {
		t.Fatal("expected disabled segmenter")
	}
}
