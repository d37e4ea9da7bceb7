package workflow_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"

	"tessera/internal/metastore"
	"tessera/internal/notify"
	"tessera/internal/queue"
	"tessera/internal/stage"
	"tessera/internal/testsupport"
	"tessera/internal/transfer"
	"tessera/internal/workflow"
)

func artifactKinds(t *testing.T, store *metastore.Store, entryID int64) []string {
	t.Helper()
	artifacts, err := store.ListArtifactsForEntry(context.Background(), entryID)
	if err != nil {
		t.Fatalf("ListArtifactsForEntry: %v", err)
	}
	kinds := make([]string, 0, len(artifacts))
	for _, artifact := range artifacts {
		kinds = append(kinds, string(artifact.Kind))
	}
	return kinds
}

func TestRunOnceCompletesEntry(t *testing.T) {
	env := newEnv(t)
	entry := env.upload(t, "site-a", "site-a.tif")
	m := env.manager(nil)

	final, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if final == nil || final.ID != entry.ID {
		t.Fatalf("expected entry %d, got %+v", entry.ID, final)
	}
	if final.Status != queue.StatusDone || final.Attempts != 1 {
		t.Fatalf("expected done on first attempt, got %s attempt %d", final.Status, final.Attempts)
	}

	artifacts, err := env.store.ListArtifactsForEntry(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("ListArtifactsForEntry: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("expected cog and thumbnail, got %d artifacts", len(artifacts))
	}
	archive := env.cfg.Transfer.RemoteRoot
	want := map[metastore.ArtifactKind]string{
		metastore.ArtifactCOG:       filepath.Join(archive, "cogs", "site-a", "site-a_cog.tif"),
		metastore.ArtifactThumbnail: filepath.Join(archive, "thumbnails", "site-a", "site-a.jpg"),
	}
	for _, artifact := range artifacts {
		if artifact.StoragePath != want[artifact.Kind] {
			t.Fatalf("%s stored at %q, want %q", artifact.Kind, artifact.StoragePath, want[artifact.Kind])
		}
		if _, err := os.Stat(artifact.StoragePath); err != nil {
			t.Fatalf("archived %s missing: %v", artifact.Kind, err)
		}
		if artifact.Checksum == "" || artifact.SizeBytes <= 0 {
			t.Fatalf("%s missing checksum or size: %+v", artifact.Kind, artifact)
		}
	}
	for _, artifact := range artifacts {
		if artifact.Kind == metastore.ArtifactCOG {
			if artifact.Width != 2048 || artifact.Height != 1024 {
				t.Fatalf("unexpected cog dimensions %dx%d", artifact.Width, artifact.Height)
			}
			if artifact.Details["kind"] != "continuous" {
				t.Fatalf("expected continuous kind in details, got %v", artifact.Details["kind"])
			}
		}
	}

	if dirs := env.scratchDirs(t, entry.ID); len(dirs) != 0 {
		t.Fatalf("expected scratch removed after success, found %v", dirs)
	}

	logs, err := env.store.ListLogs(context.Background(), entry.ID, 0)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(logs) == 0 || !strings.Contains(logs[0].Message, "claimed by test-worker") {
		t.Fatalf("expected claim log first, got %+v", logs)
	}

	next, err := m.RunOnce(context.Background())
	if err != nil || next != nil {
		t.Fatalf("expected empty queue, got %+v err=%v", next, err)
	}
}

func TestTransientTransferFailureRetries(t *testing.T) {
	env := newEnv(t)
	entry := env.upload(t, "d1", "d1.tif")

	var dials atomic.Int32
	dial := func(context.Context) (transfer.FS, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("dial tcp 10.0.0.5:22: connect: connection refused")
		}
		return transfer.NewLocalFS(), nil
	}
	m := env.manager(dial)

	first, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if first.Status != queue.StatusPending || first.Attempts != 1 {
		t.Fatalf("expected pending after attempt 1, got %s attempt %d", first.Status, first.Attempts)
	}
	if first.LastError == "" {
		t.Fatal("expected last error recorded")
	}
	if kinds := artifactKinds(t, env.store, entry.ID); len(kinds) != 0 {
		t.Fatalf("expected no artifacts after failed attempt, got %v", kinds)
	}

	second, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if second.Status != queue.StatusDone || second.Attempts != 2 {
		t.Fatalf("expected done on attempt 2, got %s attempt %d", second.Status, second.Attempts)
	}
	if diff := cmp.Diff([]string{"cog", "thumbnail"}, artifactKinds(t, env.store, entry.ID)); diff != "" {
		t.Fatalf("artifact kinds mismatch (-want +got):\n%s", diff)
	}
	if calls := env.gdal.callCount("gdal_translate"); calls != 4 {
		t.Fatalf("expected every stage to run again on retry, gdal_translate calls=%d", calls)
	}
}

func TestCorruptInputDeadLetters(t *testing.T) {
	env := newEnv(t)
	env.gdal = newFakeGDAL("corrupt.tif")
	entry := env.upload(t, "bad", "corrupt.tif")
	m := env.manager(nil)

	final, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if final.Status != queue.StatusDeadLetter || final.Attempts != 1 {
		t.Fatalf("expected dead_letter on attempt 1, got %s attempt %d", final.Status, final.Attempts)
	}
	if !strings.Contains(final.LastError, "not recognized") {
		t.Fatalf("expected gdal error in last error, got %q", final.LastError)
	}
	if kinds := artifactKinds(t, env.store, entry.ID); len(kinds) != 0 {
		t.Fatalf("expected no artifacts, got %v", kinds)
	}
	logs, err := env.store.ListLogs(context.Background(), entry.ID, 0)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	last := logs[len(logs)-1]
	if last.Severity != metastore.SeverityError || !strings.HasSuffix(last.Message, "(dead_letter)") {
		t.Fatalf("unexpected final log %+v", last)
	}

	next, err := m.RunOnce(context.Background())
	if err != nil || next != nil {
		t.Fatalf("dead-lettered entry must not be claimable, got %+v err=%v", next, err)
	}
}

func TestMissingInputDeadLetters(t *testing.T) {
	env := newEnv(t)
	raw := filepath.Join(testsupport.BaseDir(env.cfg), "uploads", "gone.tif")
	testsupport.MustEnqueue(t, env.store, env.queue, "gone", raw)
	m := env.manager(nil)

	final, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if final.Status != queue.StatusDeadLetter {
		t.Fatalf("expected dead_letter for missing raw file, got %s", final.Status)
	}
}

func TestMissingTransferKeyLeavesEntryPending(t *testing.T) {
	env := newEnv(t)
	env.cfg.Transfer.Host = "archive.invalid"
	env.cfg.Transfer.Username = "tessera"
	env.cfg.Transfer.PrivateKeyPath = filepath.Join(t.TempDir(), "not_mounted_yet")
	entry := env.upload(t, "keyless", "keyless.tif")
	m := env.manager(nil)

	final, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if final.ID != entry.ID || final.Status != queue.StatusPending {
		t.Fatalf("expected entry pending for retry, got %s (%s)", final.Status, final.LastError)
	}
	if !strings.Contains(final.LastError, "load key") {
		t.Fatalf("expected key failure in last error, got %q", final.LastError)
	}
}

func TestRemoteRawPathIsDownloaded(t *testing.T) {
	env := newEnv(t)
	testsupport.WriteFile(t, filepath.Join(env.cfg.Transfer.RemoteRoot, "incoming", "remote.tif"), 8192)
	entry := testsupport.MustEnqueue(t, env.store, env.queue, "remote", workflow.RemotePrefix+"incoming/remote.tif")
	m := env.manager(nil)

	final, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if final.Status != queue.StatusDone {
		t.Fatalf("expected done, got %s (%s)", final.Status, final.LastError)
	}
	if diff := cmp.Diff([]string{"cog", "thumbnail"}, artifactKinds(t, env.store, entry.ID)); diff != "" {
		t.Fatalf("artifact kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestStaleClaimReleasedWhileOtherWorkerProceeds(t *testing.T) {
	env := newEnv(t, testsupport.WithWorkerID("w2"))
	env.cfg.Queue.StaleTimeoutSeconds = 60
	stuck := env.upload(t, "d2", "d2.tif")
	other := env.upload(t, "d3", "d3.tif")

	ctx := context.Background()
	claimed, err := env.queue.Claim(ctx, "w1")
	if err != nil || claimed == nil || claimed.ID != stuck.ID {
		t.Fatalf("w1 claim: got %+v err=%v", claimed, err)
	}

	m := env.manager(nil)
	done, err := m.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done.ID != other.ID || done.Status != queue.StatusDone {
		t.Fatalf("expected w2 to finish d3, got %+v", done)
	}

	env.clock.Advance(2 * time.Minute)
	released, err := m.SweepStale(ctx)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if len(released) != 1 || released[0].ID != stuck.ID {
		t.Fatalf("expected d2 released, got %+v", released)
	}
	entry := mustGet(t, env.queue, stuck.ID)
	if entry.Status != queue.StatusPending || entry.Attempts != 1 || entry.LastError != queue.StaleClaimReason {
		t.Fatalf("unexpected released entry %+v", entry)
	}

	if err := env.queue.Complete(ctx, claimed.ID, claimed.ClaimToken); !errors.Is(err, queue.ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost for w1's late completion, got %v", err)
	}

	retried, err := m.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce after release: %v", err)
	}
	if retried.ID != stuck.ID || retried.Status != queue.StatusDone || retried.Attempts != 2 {
		t.Fatalf("expected d2 done on attempt 2, got %+v", retried)
	}
}

// releasingStage wraps the transfer stage and lets the claim expire after
// the upload, before the commit.
type releasingStage struct {
	stage.Handler
	release func()
}

func (r releasingStage) Execute(ctx context.Context, job *stage.Job) error {
	if err := r.Handler.Execute(ctx, job); err != nil {
		return err
	}
	r.release()
	return nil
}

func TestLostClaimDiscardsResult(t *testing.T) {
	env := newEnv(t)
	entry := env.upload(t, "slow", "slow.tif")
	ctx := context.Background()

	set := env.stages(nil)
	set.Transfer = releasingStage{Handler: set.Transfer, release: func() {
		env.clock.Advance(2 * time.Hour)
		if _, err := env.queue.ReleaseStale(ctx, time.Hour); err != nil {
			t.Errorf("ReleaseStale: %v", err)
		}
	}}
	m := workflow.NewManager(env.cfg, env.queue, nil)
	m.ConfigureStages(set)

	final, err := m.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if final.Status != queue.StatusPending || final.LastError != queue.StaleClaimReason {
		t.Fatalf("expected released entry to stay pending, got %+v", final)
	}
	if kinds := artifactKinds(t, env.store, entry.ID); len(kinds) != 0 {
		t.Fatalf("lost claim must not commit artifacts, got %v", kinds)
	}
	logs, err := env.store.ListLogs(ctx, entry.ID, 0)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if !strings.Contains(logs[len(logs)-1].Message, "was lost") {
		t.Fatalf("expected claim-lost log, got %q", logs[len(logs)-1].Message)
	}
}

// gatedStage holds every Execute call until the test lets it proceed.
type gatedStage struct {
	stage.Handler
	entered chan gatedCall
}

type gatedCall struct {
	job     *stage.Job
	proceed chan struct{}
}

func (g gatedStage) Execute(ctx context.Context, job *stage.Job) error {
	call := gatedCall{job: job, proceed: make(chan struct{})}
	g.entered <- call
	select {
	case <-call.proceed:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Handler.Execute(ctx, job)
}

func nextCall(t *testing.T, entered <-chan gatedCall) gatedCall {
	t.Helper()
	select {
	case call := <-entered:
		return call
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a run to reach the thumbnail stage")
		return gatedCall{}
	}
}

func TestReclaimWhileFirstRunBlockedKeepsScratchApart(t *testing.T) {
	env := newEnv(t)
	env.cfg.Workers.Convert = 2
	entry := env.upload(t, "twice", "twice.tif")
	ctx := context.Background()

	entered := make(chan gatedCall)
	set := env.stages(nil)
	set.Thumbnail = gatedStage{Handler: set.Thumbnail, entered: entered}
	m := workflow.NewManager(env.cfg, env.queue, nil)
	m.ConfigureStages(set)

	type runResult struct {
		entry *queue.Entry
		err   error
	}
	firstDone := make(chan runResult, 1)
	go func() {
		final, err := m.RunOnce(ctx)
		firstDone <- runResult{final, err}
	}()
	first := nextCall(t, entered)

	env.clock.Advance(2 * time.Hour)
	if released, err := env.queue.ReleaseStale(ctx, time.Hour); err != nil || len(released) != 1 {
		t.Fatalf("ReleaseStale: released=%v err=%v", released, err)
	}
	secondDone := make(chan runResult, 1)
	go func() {
		final, err := m.RunOnce(ctx)
		secondDone <- runResult{final, err}
	}()
	second := nextCall(t, entered)

	if first.job.WorkDir == second.job.WorkDir {
		t.Fatalf("both claims share scratch dir %s", first.job.WorkDir)
	}
	if inFlight := m.Status(ctx).InFlight; len(inFlight) != 2 {
		t.Fatalf("expected both runs in flight, got %v", inFlight)
	}

	close(first.proceed)
	res := <-firstDone
	if res.err != nil {
		t.Fatalf("first RunOnce: %v", res.err)
	}
	if res.entry.Status != queue.StatusProcessing {
		t.Fatalf("expected entry still held by the second claim, got %s", res.entry.Status)
	}
	if _, err := os.Stat(first.job.WorkDir); !os.IsNotExist(err) {
		t.Fatalf("expected first run's scratch removed, stat err=%v", err)
	}
	if _, err := os.Stat(second.job.COG); err != nil {
		t.Fatalf("second run's conversion removed by first run's cleanup: %v", err)
	}

	close(second.proceed)
	res = <-secondDone
	if res.err != nil {
		t.Fatalf("second RunOnce: %v", res.err)
	}
	if res.entry.Status != queue.StatusDone || res.entry.Attempts != 2 {
		t.Fatalf("expected done on attempt 2, got %+v", res.entry)
	}
	if kinds := artifactKinds(t, env.store, entry.ID); len(kinds) != 2 {
		t.Fatalf("expected one committed result, got %v", kinds)
	}
}

func TestTwoWorkersShareQueue(t *testing.T) {
	first := newEnv(t, testsupport.WithWorkerID("w1"))
	second := newEnv(t, testsupport.WithWorkerID("w2"), testsupport.WithSharedStore(first.cfg))
	first.gdal.hold = 20 * time.Millisecond
	second.gdal.hold = 20 * time.Millisecond

	var ids []int64
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		ids = append(ids, first.upload(t, name, name+".tif").ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m1 := first.manager(nil)
	m2 := second.manager(nil)
	if err := m1.Start(ctx); err != nil {
		t.Fatalf("start w1: %v", err)
	}
	if err := m2.Start(ctx); err != nil {
		t.Fatalf("start w2: %v", err)
	}

	waitFor(t, 30*time.Second, "all entries done", func() bool {
		stats, err := first.queue.Stats(ctx)
		return err == nil && stats[queue.StatusDone] == len(ids)
	})
	m1.Stop()
	m2.Stop()

	for _, id := range ids {
		entry := mustGet(t, first.queue, id)
		if entry.Attempts != 1 {
			t.Fatalf("entry %d processed %d times", id, entry.Attempts)
		}
		if kinds := artifactKinds(t, first.store, id); len(kinds) != 2 {
			t.Fatalf("entry %d has artifacts %v", id, kinds)
		}
	}
	if peak := first.gdal.peakConversions(); peak > first.cfg.Workers.Convert {
		t.Fatalf("w1 exceeded convert pool: peak %d", peak)
	}
	if peak := second.gdal.peakConversions(); peak > second.cfg.Workers.Convert {
		t.Fatalf("w2 exceeded convert pool: peak %d", peak)
	}
}

func TestHaltsWhenStoreUnreachable(t *testing.T) {
	env := newEnv(t)
	env.cfg.Queue.StoreFailureLimit = 2
	env.cfg.Queue.ErrorRetryIntervalSeconds = 1
	m := env.manager(nil)
	if err := env.store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-m.Done():
	case <-time.After(10 * time.Second):
		m.Stop()
		t.Fatal("manager did not halt")
	}
	if !errors.Is(m.Halted(), workflow.ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", m.Halted())
	}
	status := m.Status(context.Background())
	if status.Running || status.Halted == "" || status.LastError == "" {
		t.Fatalf("unexpected status after halt %+v", status)
	}
}

func TestNotificationWakesIdleWorker(t *testing.T) {
	server := miniredis.RunT(t)
	env := newEnv(t)
	env.cfg.Notify.RedisAddr = server.Addr()
	env.cfg.Queue.PollIntervalSeconds = 30
	env.cfg.Queue.PollMaxIntervalSeconds = 30

	svc := notify.NewService(env.cfg)
	defer svc.Close()
	m := env.manager(nil, workflow.WithNotifier(svc))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	// Let the first empty poll pass so the worker is sleeping.
	time.Sleep(100 * time.Millisecond)
	entry := env.upload(t, "woken", "woken.tif")
	producer := notify.NewService(env.cfg)
	defer producer.Close()
	if err := producer.Publish(ctx, notify.Event{Type: notify.EventEnqueued, EntryID: entry.ID, DatasetID: entry.DatasetID}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, 10*time.Second, "entry processed after wake-up", func() bool {
		current, err := env.queue.Get(ctx, entry.ID)
		return err == nil && current.Status == queue.StatusDone
	})
}

func TestStartRequiresConvertAndTransfer(t *testing.T) {
	env := newEnv(t)
	m := workflow.NewManager(env.cfg, env.queue, nil)
	set := env.stages(nil)
	set.Transfer = nil
	m.ConfigureStages(set)
	if err := m.Start(context.Background()); err == nil {
		m.Stop()
		t.Fatal("expected Start to reject a pipeline without transfer")
	}
}

func TestStatusReportsStageHealth(t *testing.T) {
	env := newEnv(t, testsupport.WithStubbedBinaries())
	env.upload(t, "s1", "s1.tif")
	m := env.manager(nil)
	if _, err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	status := m.Status(context.Background())
	if status.WorkerID != "test-worker" || status.Running {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.LastEntry == nil || status.LastEntry.Status != queue.StatusDone {
		t.Fatalf("expected last entry done, got %+v", status.LastEntry)
	}
	if status.QueueStats[queue.StatusDone] != 1 {
		t.Fatalf("expected one done entry, got %v", status.QueueStats)
	}
	for _, name := range []string{workflow.StageConvert, workflow.StageThumbnail, workflow.StageTransfer} {
		health, ok := status.StageHealth[name]
		if !ok {
			t.Fatalf("missing health for %s", name)
		}
		if !health.Ready {
			t.Fatalf("%s not ready: %s", name, health.Detail)
		}
	}
	if _, ok := status.StageHealth[workflow.StageSegmentation]; ok {
		t.Fatal("segmentation is disabled by default")
	}
}
