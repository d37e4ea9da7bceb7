package scratch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"tessera/internal/logging"
	"tessera/internal/scratch"
)

func makeDir(t *testing.T, root, name string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(filepath.Join(dir, "raw"), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "raw", "in.tif"), make([]byte, 100), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(dir, stamp, stamp); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	return dir
}

func TestEntryID(t *testing.T) {
	tests := []struct {
		name   string
		wantID int64
		wantOK bool
	}{
		{"entry-12", 12, true},
		{"entry-12-ab12cd34", 12, true},
		{"entry-12-", 0, false},
		{"entry-x-ab12cd34", 0, false},
		{"entry-0", 0, false},
		{"entry-x", 0, false},
		{"queue-3", 0, false},
	}
	for _, tt := range tests {
		id, ok := scratch.EntryID(tt.name)
		if id != tt.wantID || ok != tt.wantOK {
			t.Errorf("EntryID(%q) = %d, %v; want %d, %v", tt.name, id, ok, tt.wantID, tt.wantOK)
		}
	}
}

func TestPruneInvalidPaths(t *testing.T) {
	keepNone := func(context.Context, int64) bool { return false }
	for _, dir := range []string{"", "   ", "/nonexistent/path/12345"} {
		result := scratch.Prune(context.Background(), dir, time.Hour, keepNone, logging.NewNop())
		if len(result.Removed) != 0 || len(result.Errors) != 0 {
			t.Errorf("expected empty result for path %q", dir)
		}
	}
}

func TestPruneRespectsKeepAndAge(t *testing.T) {
	root := t.TempDir()
	finished := makeDir(t, root, "entry-1-0a1b2c3d", 2*time.Hour)
	pending := makeDir(t, root, "entry-2-4e5f6a7b", 2*time.Hour)
	fresh := makeDir(t, root, "entry-3", 0)
	foreign := makeDir(t, root, "notes", 2*time.Hour)

	keep := func(_ context.Context, id int64) bool { return id == 2 }
	result := scratch.Prune(context.Background(), root, time.Hour, keep, logging.NewNop())

	if diff := cmp.Diff([]string{finished}, result.Removed); diff != "" {
		t.Fatalf("removed mismatch (-want +got):\n%s", diff)
	}
	for _, dir := range []string{pending, fresh, foreign} {
		if _, err := os.Stat(dir); err != nil {
			t.Fatalf("expected %s to survive: %v", dir, err)
		}
	}
}

func TestListDirectories(t *testing.T) {
	root := t.TempDir()
	makeDir(t, root, "entry-7", time.Minute)
	makeDir(t, root, "other", time.Minute)

	dirs, err := scratch.ListDirectories(root)
	if err != nil {
		t.Fatalf("ListDirectories: %v", err)
	}
	if len(dirs) != 1 || dirs[0].EntryID != 7 || dirs[0].Size != 100 {
		t.Fatalf("unexpected directories %+v", dirs)
	}
}
