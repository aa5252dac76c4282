package preflight

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"bibwatch/internal/config"
	"bibwatch/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckDetector_NotConfigured(t *testing.T) {
	result := CheckDetector(context.Background(), config.Detector{})
	if result.Passed {
		t.Fatal("expected failure without a detector command")
	}
}

func TestCheckDetector_MissingBinary(t *testing.T) {
	result := CheckDetector(context.Background(), config.Detector{Command: "clearly-not-a-detector"})
	if result.Passed {
		t.Fatal("expected failure for missing binary")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_TestConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithStubbedBinaries("bib-detector"),
		testsupport.WithDetectorCommand("bib-detector"),
	)
	results := RunAll(context.Background(), cfg)
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("check %q failed: %s", r.Name, r.Detail)
		}
	}
	if !Passed(results) {
		t.Fatal("Passed should agree with individual results")
	}
}

func TestCheckSystemDeps_YTDLPIsOptional(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithStubbedBinaries("ffprobe", "bib-detector"),
		testsupport.WithDetectorCommand("bib-detector"),
	)
	cfg.Tools.FFmpeg = "clearly-not-ffmpeg"
	cfg.Tools.YTDLP = "clearly-not-yt-dlp"

	statuses := CheckSystemDeps(context.Background(), cfg)
	if len(statuses) != 4 {
		t.Fatalf("encoder check must be skipped without ffmpeg; got %d statuses", len(statuses))
	}
	byName := map[string]bool{}
	for _, s := range statuses {
		byName[s.Name] = s.Available
		if s.Name == "yt-dlp" && !s.Optional {
			t.Fatal("yt-dlp must be optional")
		}
	}
	if byName["FFmpeg"] || !byName["FFprobe"] || !byName["Detector"] {
		t.Fatalf("unexpected availability %v", byName)
	}
}
