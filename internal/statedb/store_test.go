package statedb_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"bibwatch/internal/settings"
	"bibwatch/internal/state"
	"bibwatch/internal/statedb"
	"bibwatch/internal/testsupport"
)

func TestLoadSnapshotOnEmptyDatabase(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	snap, found, err := store.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if found {
		t.Fatal("expected nothing saved yet")
	}
	if snap.Settings != settings.Default() {
		t.Fatalf("settings = %+v, want defaults", snap.Settings)
	}
}

func TestSaveSnapshotKeepsOnlyDurableFields(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	custom := settings.Settings{FrameIntervalSec: 5, ConfLimit: 2, SessionTimeoutSec: 120, PhantomTimeoutSec: 30}
	snap := state.Snapshot{
		Phase:          state.PhaseProcessing,
		Progress:       60,
		Processing:     true,
		Video:          "race.mp4",
		VideoBytes:     1024,
		Converted:      "race-abc.mp4",
		ConvertedBytes: 900,
		ProtocolRef:    "roster.csv",
		ResultsText:    "00:10 #1 A",
		Events:         []state.Event{{Level: state.LevelInfo, Message: "Upload complete"}},
		Settings:       custom,
		Version:        12,
	}
	if err := store.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, found, err := store.LoadSnapshot(ctx)
	if err != nil || !found {
		t.Fatalf("LoadSnapshot: found=%v err=%v", found, err)
	}
	if got.Video != "race.mp4" || got.VideoBytes != 1024 || got.Converted != "race-abc.mp4" || got.ProtocolRef != "roster.csv" {
		t.Fatalf("durable fields lost: %+v", got)
	}
	if got.Settings != custom {
		t.Fatalf("settings = %+v, want %+v", got.Settings, custom)
	}
	if len(got.Events) != 1 || got.Events[0].Message != "Upload complete" {
		t.Fatalf("events = %+v", got.Events)
	}
	if got.Phase != "" || got.Progress != 0 || got.Processing || got.ResultsText != "" {
		t.Fatalf("volatile fields persisted: %+v", got)
	}
}

func TestSaveSnapshotOverwrites(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	for i, video := range []string{"a.mp4", "b.mp4"} {
		snap := state.Snapshot{Video: video, Settings: settings.Default(), Version: uint64(i + 1)}
		if err := store.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("SaveSnapshot %d: %v", i, err)
		}
	}
	got, _, err := store.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if got.Video != "b.mp4" {
		t.Fatalf("video = %q, want latest", got.Video)
	}
}

func TestReopenRestoresIntoStateStore(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ctx := context.Background()

	first, err := statedb.Open(cfg.DatabasePath())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := first.SaveSnapshot(ctx, state.Snapshot{Video: "clip.mp4", Settings: settings.Default(), Phase: state.PhaseConverting}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	_ = first.Close()

	second := testsupport.MustOpenStore(t, cfg)
	saved, found, err := second.LoadSnapshot(ctx)
	if err != nil || !found {
		t.Fatalf("LoadSnapshot: found=%v err=%v", found, err)
	}
	st := state.New()
	restored := st.Restore(saved)
	if restored.Video != "clip.mp4" || restored.Phase != state.PhaseIdle {
		t.Fatalf("unexpected restored snapshot %+v", restored)
	}
}

func TestClearRemovesRows(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	if err := store.SaveSnapshot(ctx, state.Snapshot{Video: "x.mp4", Settings: settings.Default()}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, found, _ := store.LoadSnapshot(ctx); found {
		t.Fatal("rows survived Clear")
	}
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	_ = store.Close()

	db, err := sql.Open("sqlite", cfg.DatabasePath())
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("update version: %v", err)
	}
	_ = db.Close()

	if _, err := statedb.Open(cfg.DatabasePath()); !errors.Is(err, statedb.ErrSchemaMismatch) {
		t.Fatalf("got %v, want ErrSchemaMismatch", err)
	}
}

func TestStoreImplementsMirror(t *testing.T) {
	var _ state.Mirror = (*statedb.Store)(nil)
}
