package state_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bibwatch/internal/confirm"
	"bibwatch/internal/state"
)

func TestPatchBumpsVersionAndMerges(t *testing.T) {
	store := state.New()
	before := store.Get()
	if before.Phase != state.PhaseIdle || before.Version != 0 {
		t.Fatalf("unexpected initial snapshot %+v", before)
	}

	snap := store.Patch(state.Patch{Phase: state.Ptr(state.PhaseConverting), Progress: state.Ptr(40)})
	if snap.Version != 1 || snap.Phase != state.PhaseConverting || snap.Progress != 40 {
		t.Fatalf("unexpected snapshot after patch %+v", snap)
	}
	if snap.PhaseStartedAt == nil {
		t.Fatal("phase change should stamp phase start")
	}

	snap = store.Patch(state.Patch{Progress: state.Ptr(250)})
	if snap.Phase != state.PhaseConverting || snap.Progress != 100 {
		t.Fatalf("untouched fields must survive and progress clamps: %+v", snap)
	}
}

func TestVersionStrictlyIncreasesUnderConcurrency(t *testing.T) {
	store := state.New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if j%2 == 0 {
					store.Patch(state.Patch{Progress: state.Ptr(j)})
				} else {
					store.AppendEvent(fmt.Sprintf("w%d-%d", i, j), state.LevelInfo, "", nil)
				}
			}
		}(i)
	}
	wg.Wait()
	if got := store.Version(); got != 400 {
		t.Fatalf("expected 400 mutations, got version %d", got)
	}
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	store := state.New()
	store.Patch(state.Patch{Timestamps: &[]confirm.Entry{{Bib: "1"}}})
	snap := store.Get()
	snap.Timestamps[0].Bib = "mutated"
	if store.Get().Timestamps[0].Bib != "1" {
		t.Fatal("caller mutation leaked into store")
	}
}

func TestEventRingIsBounded(t *testing.T) {
	store := state.New(state.WithEventCapacity(5))
	for i := 0; i < 12; i++ {
		store.AppendEvent(fmt.Sprintf("event %d", i), "warn", "", nil)
	}
	events := store.Get().Events
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	if events[0].Message != "event 7" || events[4].Message != "event 11" {
		t.Fatalf("ring kept wrong entries: %+v", events)
	}
	if events[0].Level != state.LevelWarning {
		t.Fatalf("expected warn to normalize to warning, got %q", events[0].Level)
	}
}

func TestWaitForVersionWakesOnPatch(t *testing.T) {
	store := state.New()
	since := store.Version()

	done := make(chan state.Snapshot, 1)
	go func() {
		done <- store.WaitForVersion(context.Background(), since, 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	store.Patch(state.Patch{Phase: state.Ptr(state.PhaseProcessing)})

	select {
	case snap := <-done:
		if snap.Version <= since || snap.Phase != state.PhaseProcessing {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaitForVersionReturnsImmediatelyWhenBehind(t *testing.T) {
	store := state.New()
	store.Patch(state.Patch{Progress: state.Ptr(1)})
	start := time.Now()
	snap := store.WaitForVersion(context.Background(), 0, time.Minute)
	if time.Since(start) > time.Second || snap.Version != 1 {
		t.Fatalf("expected immediate return, got %+v after %v", snap, time.Since(start))
	}
}

func TestWaitForVersionTimesOutWithUnchangedVersion(t *testing.T) {
	store := state.New()
	store.Patch(state.Patch{Progress: state.Ptr(1)})
	start := time.Now()
	snap := store.WaitForVersion(context.Background(), 1, 50*time.Millisecond)
	if snap.Version != 1 {
		t.Fatalf("expected unchanged version, got %d", snap.Version)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("returned too early after %v", elapsed)
	}
}

func TestWaitForVersionHonoursContext(t *testing.T) {
	store := state.New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	store.WaitForVersion(ctx, 0, time.Minute)
	if time.Since(start) > 2*time.Second {
		t.Fatal("wait ignored context cancellation")
	}
}

func TestRestoreResetsVolatileFields(t *testing.T) {
	store := state.New()
	store.Patch(state.Patch{Progress: state.Ptr(10)})
	saved := state.Snapshot{
		Phase:       state.PhaseProcessing,
		Progress:    77,
		Processing:  true,
		Video:       "race.mp4",
		Converted:   "race-abc.mp4",
		ProtocolRef: "roster.csv",
		Events:      []state.Event{{Message: "old"}},
	}
	snap := store.Restore(saved)
	if snap.Phase != state.PhaseIdle || snap.Progress != 0 || snap.Processing {
		t.Fatalf("volatile fields not reset: %+v", snap)
	}
	if snap.Video != "race.mp4" || snap.Converted != "race-abc.mp4" || snap.ProtocolRef != "roster.csv" {
		t.Fatalf("lightweight fields not restored: %+v", snap)
	}
	if snap.Version != 2 {
		t.Fatalf("restore must keep the version monotonic, got %d", snap.Version)
	}
	if snap.Settings.ConfLimit == 0 {
		t.Fatal("zero settings should be clamped to defaults")
	}
}

func TestResetKeepsSettingsAndOptionallyEvents(t *testing.T) {
	store := state.New()
	store.PatchWithEvent(state.Patch{Video: state.Ptr("a.mp4"), ResultsText: state.Ptr("00:01 #1")}, "Uploaded", state.LevelInfo, "upload", nil)

	snap := store.Reset(false)
	if snap.Video != "" || snap.ResultsText != "" || len(snap.Events) != 1 {
		t.Fatalf("unexpected reset snapshot %+v", snap)
	}
	snap = store.Reset(true)
	if len(snap.Events) != 0 {
		t.Fatalf("events should be cleared: %+v", snap.Events)
	}
}

type recordingMirror struct {
	mu    sync.Mutex
	saved []uint64
	fail  bool
}

func (m *recordingMirror) SaveSnapshot(_ context.Context, snap state.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("disk full")
	}
	m.saved = append(m.saved, snap.Version)
	return nil
}

func (m *recordingMirror) last() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return 0
	}
	return m.saved[len(m.saved)-1]
}

func TestRunMirrorFlushesLatestOnShutdown(t *testing.T) {
	store := state.New()
	mirror := &recordingMirror{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.RunMirror(ctx, mirror, 10*time.Millisecond)
		close(done)
	}()

	for i := 0; i < 20; i++ {
		store.Patch(state.Patch{Progress: state.Ptr(i)})
	}
	cancel()
	<-done

	if got := mirror.last(); got != store.Version() {
		t.Fatalf("mirror last saved version %d, store at %d", got, store.Version())
	}
}

func TestMirrorFailureDoesNotAffectStore(t *testing.T) {
	store := state.New()
	mirror := &recordingMirror{fail: true}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.RunMirror(ctx, mirror, time.Millisecond)
		close(done)
	}()
	snap := store.Patch(state.Patch{Video: state.Ptr("clip.mp4")})
	cancel()
	<-done
	if snap.Video != "clip.mp4" || store.Get().Video != "clip.mp4" {
		t.Fatal("mirror failure must not roll back in-memory state")
	}
}
