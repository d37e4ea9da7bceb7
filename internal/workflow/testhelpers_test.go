package workflow_test

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"tessera/internal/config"
	"tessera/internal/logging"
	"tessera/internal/metastore"
	"tessera/internal/queue"
	"tessera/internal/scratch"
	"tessera/internal/testsupport"
	"tessera/internal/transfer"
	"tessera/internal/workflow"
)

// fakeGDAL answers gdalinfo with a fixed EPSG:3857 description and writes
// plausible outputs for gdal_translate. Inputs named in corrupt fail to open.
type fakeGDAL struct {
	mu      sync.Mutex
	corrupt map[string]bool
	calls   map[string]int
	hold    time.Duration
	active  int
	peak    int
}

func newFakeGDAL(corrupt ...string) *fakeGDAL {
	f := &fakeGDAL{corrupt: make(map[string]bool), calls: make(map[string]int)}
	for _, name := range corrupt {
		f.corrupt[name] = true
	}
	return f
}

func (f *fakeGDAL) Run(ctx context.Context, binary string, args []string) ([]byte, error) {
	target := args[len(args)-1]
	f.mu.Lock()
	f.calls[binary]++
	corrupt := f.corrupt[filepath.Base(target)]
	f.mu.Unlock()

	switch binary {
	case "gdalinfo":
		if corrupt {
			return nil, fmt.Errorf("gdalinfo: exit status 1: %s not recognized as a supported file format", target)
		}
		return []byte(infoDoc(strings.HasSuffix(target, "_cog.tif"))), nil
	case "gdal_translate":
		if slices.Contains(args, "PNG") {
			return nil, writePreview(target)
		}
		f.enter()
		defer f.leave()
		if f.hold > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.hold):
			}
		}
		return nil, os.WriteFile(target, []byte("COG:"+filepath.Base(args[len(args)-2])), 0o644)
	}
	return nil, fmt.Errorf("unexpected binary %s", binary)
}

func (f *fakeGDAL) enter() {
	f.mu.Lock()
	f.active++
	f.peak = max(f.peak, f.active)
	f.mu.Unlock()
}

func (f *fakeGDAL) leave() {
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
}

func (f *fakeGDAL) callCount(binary string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[binary]
}

func (f *fakeGDAL) peakConversions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func infoDoc(cog bool) string {
	overviews, layout := "", "GTiff"
	if cog {
		overviews, layout = `{"size":[1024,512]},{"size":[512,256]}`, "COG"
	}
	return fmt.Sprintf(`{
  "driverShortName": "GTiff",
  "size": [2048, 1024],
  "metadata": {"IMAGE_STRUCTURE": {"LAYOUT": "%s"}},
  "geoTransform": [900000.0, 0.1, 0.0, 6000000.0, 0.0, -0.1],
  "coordinateSystem": {"wkt": "PROJCRS[\"WGS 84 / Pseudo-Mercator\",ID[\"EPSG\",3857]]"},
  "wgs84Extent": {"type": "Polygon", "coordinates": [[[8.1, 47.6], [8.1, 47.5], [8.2, 47.5], [8.2, 47.6], [8.1, 47.6]]]},
  "bands": [
    {"band": 1, "block": [512, 512], "type": "Byte", "colorInterpretation": "Red", "overviews": [%s]},
    {"band": 2, "block": [512, 512], "type": "Byte", "colorInterpretation": "Green"},
    {"band": 3, "block": [512, 512], "type": "Byte", "colorInterpretation": "Blue"}
  ]
}`, layout, overviews)
}

func writePreview(path string) error {
	img := image.NewNRGBA(image.Rect(0, 0, 512, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 512; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 60, G: 140, B: 60, A: 255})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

// testClock lets tests age claims past the stale timeout.
type testClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.offset += d
	c.mu.Unlock()
}

type testEnv struct {
	cfg   *config.Config
	store *metastore.Store
	queue *queue.Queue
	gdal  *fakeGDAL
	clock *testClock
}

func newEnv(t *testing.T, opts ...testsupport.ConfigOption) *testEnv {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	clock := &testClock{}
	q := queue.New(store, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.BackoffBase(),
		BackoffCap:  cfg.BackoffCap(),
		Now:         clock.Now,
	})
	return &testEnv{cfg: cfg, store: store, queue: q, gdal: newFakeGDAL(), clock: clock}
}

func (e *testEnv) stages(dial transfer.Dialer) workflow.StageSet {
	var transferOpts []transfer.Option
	if dial != nil {
		transferOpts = append(transferOpts, transfer.WithDialer(dial))
	}
	return workflow.BuildStages(e.cfg, logging.NewNop(), nil, e.gdal, transferOpts...)
}

func (e *testEnv) manager(dial transfer.Dialer, opts ...workflow.ManagerOption) *workflow.Manager {
	m := workflow.NewManager(e.cfg, e.queue, logging.NewNop(), opts...)
	m.ConfigureStages(e.stages(dial))
	return m
}

// upload writes a raw file under the test base directory, registers it as a
// dataset, and enqueues it.
func (e *testEnv) upload(t *testing.T, id, name string) *queue.Entry {
	t.Helper()
	raw := filepath.Join(testsupport.BaseDir(e.cfg), "uploads", name)
	testsupport.WriteFile(t, raw, 4096)
	return testsupport.MustEnqueue(t, e.store, e.queue, id, raw)
}

func mustGet(t *testing.T, q *queue.Queue, id int64) *queue.Entry {
	t.Helper()
	entry, err := q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	return entry
}

// scratchDirs lists the scratch directories left for entryID.
func (e *testEnv) scratchDirs(t *testing.T, entryID int64) []string {
	t.Helper()
	dirs, err := scratch.ListDirectories(e.cfg.Paths.ScratchDir)
	if err != nil {
		t.Fatalf("ListDirectories: %v", err)
	}
	var paths []string
	for _, dir := range dirs {
		if dir.EntryID == entryID {
			paths = append(paths, dir.Path)
		}
	}
	return paths
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
