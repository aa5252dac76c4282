package fileutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestHashFileStableAndContentSensitive(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")
	if err := os.WriteFile(a, []byte("frames"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("frames!"), 0o644); err != nil {
		t.Fatal(err)
	}
	h1, err := HashFile(a)
	if err != nil {
		t.Fatal(err)
	}
	h2, _ := HashFile(a)
	h3, _ := HashFile(b)
	if h1 != h2 || len(h1) != 64 {
		t.Fatalf("unstable hash %q vs %q", h1, h2)
	}
	if h1 == h3 {
		t.Fatal("different content produced the same hash")
	}
}

func TestPublishMovesPartial(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.mp4")
	tmp := PartialPath(dst)
	if err := os.WriteFile(tmp, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Publish(tmp, dst); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, ok := NonEmptyFile(dst); !ok {
		t.Fatal("destination missing after publish")
	}
	if _, err := os.Stat(tmp); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("partial file still present: %v", err)
	}
}

func TestRemoveQuietIgnoresMissing(t *testing.T) {
	RemoveQuiet(filepath.Join(t.TempDir(), "nope"))
	RemoveQuiet("")
}

func TestContainedRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	if _, err := Contained(dir, "../etc/passwd"); !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
	got, err := Contained(dir, "clip.mp4")
	if err != nil || got != filepath.Join(dir, "clip.mp4") {
		t.Fatalf("Contained = %q, %v", got, err)
	}
}
