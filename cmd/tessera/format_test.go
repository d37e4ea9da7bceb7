package main

import (
	"fmt"
	"strings"
	"testing"

	"tessera/internal/api"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("Daemon", statusError, "Not running", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Daemon:", "[ERROR] Not running")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	got := renderStatusLine("Daemon", statusOK, "Running", true)
	if !strings.HasPrefix(got, ansiGreen) || !strings.HasSuffix(got, ansiReset) {
		t.Fatalf("expected green line, got %q", got)
	}
}

func TestFormatHelpers(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"small bytes", formatBytes(512), "512 B"},
		{"mebibytes", formatBytes(5 * 1024 * 1024), "5.0 MiB"},
		{"grouped count", formatCount(1234567), "1,234,567"},
		{"dimensions", formatDimensions(20480, 1024), "20,480x1,024"},
		{"missing dimensions", formatDimensions(0, 10), "-"},
		{"status label", statusLabel("dead_letter"), "Dead Letter"},
		{"truncate", truncate("abcdefghij", 6), "abc..."},
		{"no truncate", truncate("abc", 6), "abc"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestDependencyLinesFlagsMissing(t *testing.T) {
	lines := dependencyLines([]api.DependencyStatus{
		{Name: "gdalinfo", Command: "gdalinfo", Available: true, Detail: "GDAL 3.8.4"},
		{Name: "gdalwarp", Command: "gdalwarp", Available: false},
		{Name: "segmentation", Optional: true, Available: false, Detail: "not on PATH"},
	}, false)
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "[OK] Ready (GDAL 3.8.4)") {
		t.Fatalf("unexpected ready line %q", lines[0])
	}
	if !strings.Contains(lines[1], "[ERROR] not available") {
		t.Fatalf("unexpected missing line %q", lines[1])
	}
	if !strings.Contains(lines[2], "[WARN] not on PATH") {
		t.Fatalf("unexpected optional line %q", lines[2])
	}
	if !strings.Contains(lines[3], "gdalwarp, segmentation") {
		t.Fatalf("unexpected summary line %q", lines[3])
	}
}
