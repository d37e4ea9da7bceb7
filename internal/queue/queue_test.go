package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tessera/internal/metastore"
	"tessera/internal/queue"
	"tessera/internal/services"
	"tessera/internal/testsupport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newQueue(t *testing.T, opts queue.Options) (*metastore.Store, *queue.Queue) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	return store, queue.New(store, opts)
}

func TestEnqueueAssignsIncreasingPositions(t *testing.T) {
	store, q := newQueue(t, queue.Options{})
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		entry := testsupport.MustEnqueue(t, store, q, fmt.Sprintf("ds-%d", i), fmt.Sprintf("/raw/ds-%d.tif", i))
		if entry.Status != queue.StatusPending {
			t.Fatalf("expected pending, got %s", entry.Status)
		}
		if entry.Attempts != 0 {
			t.Fatalf("expected zero attempts, got %d", entry.Attempts)
		}
		if entry.Position <= last {
			t.Fatalf("position %d not greater than previous %d", entry.Position, last)
		}
		last = entry.Position
	}

	entries, err := q.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	for i, entry := range entries {
		if entry.DatasetID != fmt.Sprintf("ds-%d", i) {
			t.Fatalf("entry %d: expected ds-%d, got %s", i, i, entry.DatasetID)
		}
	}
}

func TestEnqueueRejectsActiveDuplicate(t *testing.T) {
	store, q := newQueue(t, queue.Options{})
	ctx := context.Background()

	entry := testsupport.MustEnqueue(t, store, q, "ds-dup", "/raw/dup.tif")

	_, err := q.Enqueue(ctx, "ds-dup")
	if !errors.Is(err, queue.ErrDuplicateSubmission) {
		t.Fatalf("expected ErrDuplicateSubmission, got %v", err)
	}
	if !errors.Is(err, services.ErrDuplicateSubmission) {
		t.Fatalf("expected services marker in chain, got %v", err)
	}
	if services.IsPermanent(err) {
		t.Fatal("duplicate submission must not classify as a permanent pipeline failure")
	}

	claimed, err := q.Claim(ctx, "w1")
	if err != nil || claimed == nil || claimed.ID != entry.ID {
		t.Fatalf("claim failed: entry=%v err=%v", claimed, err)
	}
	if _, err := q.Enqueue(ctx, "ds-dup"); !errors.Is(err, queue.ErrDuplicateSubmission) {
		t.Fatalf("expected duplicate while processing, got %v", err)
	}

	if err := q.Complete(ctx, claimed.ID, claimed.ClaimToken); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	again, err := q.Enqueue(ctx, "ds-dup")
	if err != nil {
		t.Fatalf("re-enqueue after done failed: %v", err)
	}
	if again.Position <= entry.Position {
		t.Fatalf("re-enqueued position %d must exceed %d", again.Position, entry.Position)
	}
}

func TestEnqueueUnknownDataset(t *testing.T) {
	_, q := newQueue(t, queue.Options{})
	_, err := q.Enqueue(context.Background(), "missing")
	if !errors.Is(err, metastore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimReturnsLowestPosition(t *testing.T) {
	store, q := newQueue(t, queue.Options{})
	ctx := context.Background()

	first := testsupport.MustEnqueue(t, store, q, "ds-a", "/raw/a.tif")
	second := testsupport.MustEnqueue(t, store, q, "ds-b", "/raw/b.tif")

	claimed, err := q.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed == nil || claimed.ID != first.ID {
		t.Fatalf("expected first entry, got %#v", claimed)
	}
	if claimed.Status != queue.StatusProcessing || claimed.ClaimedBy != "w1" || claimed.ClaimedAt == nil {
		t.Fatalf("unexpected claimed state: %#v", claimed)
	}
	if claimed.Attempts != 1 {
		t.Fatalf("expected attempt 1, got %d", claimed.Attempts)
	}
	if claimed.ClaimToken == "" {
		t.Fatal("expected claim token")
	}

	next, err := q.Claim(ctx, "w2")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if next == nil || next.ID != second.ID {
		t.Fatalf("expected second entry, got %#v", next)
	}

	none, err := q.Claim(ctx, "w3")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if none != nil {
		t.Fatalf("expected empty claim, got %#v", none)
	}
}

func TestConcurrentClaimsNeverShareAnEntry(t *testing.T) {
	store, q := newQueue(t, queue.Options{})
	ctx := context.Background()

	const entries = 20
	for i := 0; i < entries; i++ {
		testsupport.MustEnqueue(t, store, q, fmt.Sprintf("ds-%02d", i), fmt.Sprintf("/raw/%02d.tif", i))
	}

	const workers = 6
	var (
		mu        sync.Mutex
		owners    = make(map[int64]string)
		wg        sync.WaitGroup
		errsMu    sync.Mutex
		claimErrs []error
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				entry, err := q.Claim(ctx, worker)
				if err != nil {
					errsMu.Lock()
					claimErrs = append(claimErrs, err)
					errsMu.Unlock()
					return
				}
				if entry == nil {
					return
				}
				mu.Lock()
				if prev, ok := owners[entry.ID]; ok {
					mu.Unlock()
					errsMu.Lock()
					claimErrs = append(claimErrs, fmt.Errorf("entry %d claimed by %s and %s", entry.ID, prev, worker))
					errsMu.Unlock()
					return
				}
				owners[entry.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	if len(claimErrs) > 0 {
		t.Fatalf("claim errors: %v", claimErrs)
	}
	if len(owners) != entries {
		t.Fatalf("expected %d claimed entries, got %d", entries, len(owners))
	}
	processing, err := q.List(ctx, queue.StatusProcessing)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	for _, entry := range processing {
		if entry.Attempts != 1 {
			t.Fatalf("entry %d claimed %d times", entry.ID, entry.Attempts)
		}
		if owners[entry.ID] != entry.ClaimedBy {
			t.Fatalf("entry %d: store says %s, claimant was %s", entry.ID, entry.ClaimedBy, owners[entry.ID])
		}
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	store, q := newQueue(t, queue.Options{})
	ctx := context.Background()

	testsupport.MustEnqueue(t, store, q, "ds-1", "/raw/1.tif")
	claimed, err := q.Claim(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := q.Complete(ctx, claimed.ID, claimed.ClaimToken); err != nil {
			t.Fatalf("Complete call %d failed: %v", i+1, err)
		}
	}
	got, err := q.Get(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != queue.StatusDone {
		t.Fatalf("expected done, got %s", got.Status)
	}
}

func TestCompleteWithCommitsAtomically(t *testing.T) {
	store, q := newQueue(t, queue.Options{})
	ctx := context.Background()

	entry := testsupport.MustEnqueue(t, store, q, "ds-commit", "/raw/commit.tif")
	claimed, err := q.Claim(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v", err)
	}

	insert := func(tx *metastore.Tx) error {
		_, err := tx.InsertArtifact(ctx, metastore.DerivedArtifact{
			DatasetID:   "ds-commit",
			EntryID:     entry.ID,
			Kind:        metastore.ArtifactCOG,
			StoragePath: "/data/cogs/commit/commit_cog.tif",
			SizeBytes:   10,
		})
		return err
	}

	commitErr := errors.New("store went away")
	err = q.CompleteWith(ctx, claimed.ID, claimed.ClaimToken, func(tx *metastore.Tx) error {
		if err := insert(tx); err != nil {
			return err
		}
		return commitErr
	})
	if !errors.Is(err, commitErr) {
		t.Fatalf("expected commit error, got %v", err)
	}
	got, _ := q.Get(ctx, claimed.ID)
	if got.Status != queue.StatusProcessing {
		t.Fatalf("failed commit must leave entry processing, got %s", got.Status)
	}
	if artifacts, _ := store.ListArtifacts(ctx, "ds-commit"); len(artifacts) != 0 {
		t.Fatalf("failed commit must not leave artifact rows, got %d", len(artifacts))
	}

	if err := q.CompleteWith(ctx, claimed.ID, "not-the-token", insert); !errors.Is(err, queue.ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost for foreign token, got %v", err)
	}
	if err := q.CompleteWith(ctx, claimed.ID, claimed.ClaimToken, insert); err != nil {
		t.Fatalf("CompleteWith failed: %v", err)
	}
	artifacts, err := store.ListArtifacts(ctx, "ds-commit")
	if err != nil || len(artifacts) != 1 {
		t.Fatalf("expected one artifact row, got %d (err=%v)", len(artifacts), err)
	}
	got, _ = q.Get(ctx, claimed.ID)
	if got.Status != queue.StatusDone {
		t.Fatalf("expected done, got %s", got.Status)
	}
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	clock := newFakeClock()
	store, q := newQueue(t, queue.Options{
		MaxAttempts: 3,
		BackoffBase: 30 * time.Second,
		BackoffCap:  time.Minute,
		Now:         clock.Now,
	})
	ctx := context.Background()

	testsupport.MustEnqueue(t, store, q, "ds-1", "/raw/1.tif")
	claimed, err := q.Claim(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v", err)
	}

	cause := services.Wrap(services.ErrTransferUnreachable, "transfer", "dial", "host down", nil)
	failed, err := q.Fail(ctx, claimed.ID, claimed.ClaimToken, cause)
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if failed.Status != queue.StatusPending {
		t.Fatalf("expected pending, got %s", failed.Status)
	}
	if failed.Attempts != 1 {
		t.Fatalf("expected attempt 1, got %d", failed.Attempts)
	}
	if failed.LastError == "" {
		t.Fatal("expected last error recorded")
	}
	if failed.ClaimToken != "" || failed.ClaimedBy != "" {
		t.Fatalf("expected claim cleared, got %#v", failed)
	}
	if want := clock.Now().Add(30 * time.Second); !failed.AvailableAt.Equal(want) {
		t.Fatalf("expected available at %s, got %s", want, failed.AvailableAt)
	}

	if entry, err := q.Claim(ctx, "w1"); err != nil || entry != nil {
		t.Fatalf("expected no claim during backoff, got %v err=%v", entry, err)
	}
	clock.Advance(30 * time.Second)
	again, err := q.Claim(ctx, "w1")
	if err != nil || again == nil {
		t.Fatalf("expected claim after backoff, got %v err=%v", again, err)
	}
	if again.Attempts != 2 {
		t.Fatalf("expected attempt 2, got %d", again.Attempts)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	_, q := newQueue(t, queue.Options{BackoffBase: 10 * time.Second, BackoffCap: 60 * time.Second})
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := q.Backoff(tc.attempts); got != tc.want {
			t.Fatalf("Backoff(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

func TestFailDeadLettersAfterMaxAttempts(t *testing.T) {
	store, q := newQueue(t, queue.Options{MaxAttempts: 2})
	ctx := context.Background()

	testsupport.MustEnqueue(t, store, q, "ds-1", "/raw/1.tif")
	cause := errors.New("gdalwarp exited 1")

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := q.Claim(ctx, "w1")
		if err != nil || claimed == nil {
			t.Fatalf("attempt %d: Claim failed: %v", attempt, err)
		}
		failed, err := q.Fail(ctx, claimed.ID, claimed.ClaimToken, cause)
		if err != nil {
			t.Fatalf("attempt %d: Fail failed: %v", attempt, err)
		}
		want := queue.StatusPending
		if attempt == 2 {
			want = queue.StatusDeadLetter
		}
		if failed.Status != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, failed.Status)
		}
	}

	if entry, err := q.Claim(ctx, "w2"); err != nil || entry != nil {
		t.Fatalf("dead_letter entry must not be claimed, got %v err=%v", entry, err)
	}
}

func TestFailPermanentErrorDeadLettersImmediately(t *testing.T) {
	store, q := newQueue(t, queue.Options{MaxAttempts: 3})
	ctx := context.Background()

	testsupport.MustEnqueue(t, store, q, "ds-corrupt", "/raw/corrupt.tif")
	claimed, err := q.Claim(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v", err)
	}
	cause := services.Wrap(services.ErrCorruptInput, "convert", "gdalinfo", "not a raster", nil)
	failed, err := q.Fail(ctx, claimed.ID, claimed.ClaimToken, cause)
	if err != nil {
		t.Fatalf("Fail failed: %v", err)
	}
	if failed.Status != queue.StatusDeadLetter {
		t.Fatalf("expected dead_letter, got %s", failed.Status)
	}
	if failed.Attempts != 1 {
		t.Fatalf("expected attempt 1, got %d", failed.Attempts)
	}
}

func TestStaleTokenCannotCompleteOrFail(t *testing.T) {
	clock := newFakeClock()
	store, q := newQueue(t, queue.Options{Now: clock.Now})
	ctx := context.Background()

	testsupport.MustEnqueue(t, store, q, "ds-slow", "/raw/slow.tif")
	slow, err := q.Claim(ctx, "slow-worker")
	if err != nil || slow == nil {
		t.Fatalf("Claim failed: %v", err)
	}

	clock.Advance(2 * time.Hour)
	released, err := q.ReleaseStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReleaseStale failed: %v", err)
	}
	if len(released) != 1 {
		t.Fatalf("expected one released entry, got %d", len(released))
	}

	fresh, err := q.Claim(ctx, "fast-worker")
	if err != nil || fresh == nil {
		t.Fatalf("re-claim failed: %v", err)
	}

	if err := q.Complete(ctx, slow.ID, slow.ClaimToken); !errors.Is(err, queue.ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost on stale complete, got %v", err)
	}
	if _, err := q.Fail(ctx, slow.ID, slow.ClaimToken, errors.New("late")); !errors.Is(err, queue.ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost on stale fail, got %v", err)
	}
	if err := q.Complete(ctx, fresh.ID, fresh.ClaimToken); err != nil {
		t.Fatalf("current claimant Complete failed: %v", err)
	}
}

func TestReleaseStaleRequeuesCrashedClaims(t *testing.T) {
	clock := newFakeClock()
	store, q := newQueue(t, queue.Options{MaxAttempts: 3, Now: clock.Now})
	ctx := context.Background()

	d2 := testsupport.MustEnqueue(t, store, q, "ds-2", "/raw/2.tif")
	d3 := testsupport.MustEnqueue(t, store, q, "ds-3", "/raw/3.tif")

	w1, err := q.Claim(ctx, "w1")
	if err != nil || w1 == nil || w1.ID != d2.ID {
		t.Fatalf("w1 expected d2, got %v err=%v", w1, err)
	}
	w2, err := q.Claim(ctx, "w2")
	if err != nil || w2 == nil || w2.ID != d3.ID {
		t.Fatalf("w2 expected d3, got %v err=%v", w2, err)
	}
	if err := q.Complete(ctx, w2.ID, w2.ClaimToken); err != nil {
		t.Fatalf("Complete d3 failed: %v", err)
	}

	clock.Advance(30 * time.Minute)
	released, err := q.ReleaseStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReleaseStale failed: %v", err)
	}
	if len(released) != 0 {
		t.Fatalf("expected nothing released before timeout, got %d", len(released))
	}

	clock.Advance(31 * time.Minute)
	released, err = q.ReleaseStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReleaseStale failed: %v", err)
	}
	if len(released) != 1 || released[0].ID != d2.ID {
		t.Fatalf("expected d2 released, got %#v", released)
	}
	if released[0].Status != queue.StatusPending || released[0].Attempts != 1 {
		t.Fatalf("expected pending attempt 1, got %s attempt %d", released[0].Status, released[0].Attempts)
	}
	if released[0].LastError != queue.StaleClaimReason {
		t.Fatalf("expected stale reason, got %q", released[0].LastError)
	}

	done, err := q.Get(ctx, d3.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if done.Status != queue.StatusDone {
		t.Fatalf("expected d3 to stay done, got %s", done.Status)
	}

	reclaimed, err := q.Claim(ctx, "w3")
	if err != nil || reclaimed == nil || reclaimed.ID != d2.ID {
		t.Fatalf("expected d2 claimable again, got %v err=%v", reclaimed, err)
	}
	if reclaimed.Attempts != 2 {
		t.Fatalf("expected attempt 2 on re-claim, got %d", reclaimed.Attempts)
	}
}

func TestReleaseStaleDeadLettersExhaustedEntries(t *testing.T) {
	clock := newFakeClock()
	store, q := newQueue(t, queue.Options{MaxAttempts: 1, Now: clock.Now})
	ctx := context.Background()

	testsupport.MustEnqueue(t, store, q, "ds-1", "/raw/1.tif")
	if _, err := q.Claim(ctx, "w1"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	clock.Advance(2 * time.Hour)
	released, err := q.ReleaseStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("ReleaseStale failed: %v", err)
	}
	if len(released) != 1 || released[0].Status != queue.StatusDeadLetter {
		t.Fatalf("expected dead_letter, got %#v", released)
	}
}

func TestPositionOf(t *testing.T) {
	store, q := newQueue(t, queue.Options{})
	ctx := context.Background()

	a := testsupport.MustEnqueue(t, store, q, "ds-a", "/raw/a.tif")
	b := testsupport.MustEnqueue(t, store, q, "ds-b", "/raw/b.tif")
	c := testsupport.MustEnqueue(t, store, q, "ds-c", "/raw/c.tif")

	assertPosition := func(id int64, want int) {
		t.Helper()
		got, err := q.PositionOf(ctx, id)
		if err != nil {
			t.Fatalf("PositionOf(%d) failed: %v", id, err)
		}
		if got != want {
			t.Fatalf("PositionOf(%d) = %d, want %d", id, got, want)
		}
	}
	assertPosition(a.ID, 1)
	assertPosition(b.ID, 2)
	assertPosition(c.ID, 3)

	claimed, err := q.Claim(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v", err)
	}
	assertPosition(a.ID, 0)
	assertPosition(b.ID, 2)

	if err := q.Complete(ctx, claimed.ID, claimed.ClaimToken); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	assertPosition(b.ID, 1)
	assertPosition(c.ID, 2)

	positions, err := q.Positions(ctx)
	if err != nil {
		t.Fatalf("Positions failed: %v", err)
	}
	if len(positions) != 2 || positions[0].EntryID != b.ID || positions[0].Rank != 1 || positions[1].Rank != 2 {
		t.Fatalf("unexpected positions: %#v", positions)
	}

	if _, err := q.PositionOf(ctx, 9999); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetryAndMarkFailed(t *testing.T) {
	store, q := newQueue(t, queue.Options{MaxAttempts: 1})
	ctx := context.Background()

	testsupport.MustEnqueue(t, store, q, "ds-1", "/raw/1.tif")
	other := testsupport.MustEnqueue(t, store, q, "ds-2", "/raw/2.tif")

	claimed, err := q.Claim(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := q.Fail(ctx, claimed.ID, claimed.ClaimToken, errors.New("boom")); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	if err := q.MarkFailed(ctx, other.ID, "bad upload"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats[queue.StatusDeadLetter] != 1 || stats[queue.StatusFailed] != 1 || stats[queue.StatusPending] != 0 {
		t.Fatalf("unexpected stats: %#v", stats)
	}

	retried, err := q.Retry(ctx)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if retried != 2 {
		t.Fatalf("expected 2 retried, got %d", retried)
	}
	entry, err := q.Get(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.Status != queue.StatusPending || entry.Attempts != 0 {
		t.Fatalf("expected pending with reset attempts, got %s/%d", entry.Status, entry.Attempts)
	}

	claimedAgain, err := q.Claim(ctx, "w1")
	if err != nil || claimedAgain == nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := q.MarkFailed(ctx, claimedAgain.ID, ""); err == nil {
		t.Fatal("expected MarkFailed to refuse a processing entry")
	}
}

func TestParseStatus(t *testing.T) {
	cases := map[string]queue.Status{
		"pending":     queue.StatusPending,
		" Processing": queue.StatusProcessing,
		"dead-letter": queue.StatusDeadLetter,
	}
	for input, want := range cases {
		got, ok := queue.ParseStatus(input)
		if !ok || got != want {
			t.Fatalf("ParseStatus(%q) = %q,%v want %q", input, got, ok, want)
		}
	}
	if _, ok := queue.ParseStatus("bogus"); ok {
		t.Fatal("expected unknown status")
	}
}
