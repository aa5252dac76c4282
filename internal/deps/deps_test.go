package deps

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckBinaries(t *testing.T) {
	binDir := t.TempDir()
	present := filepath.Join(binDir, "present")
	script := []byte("#!/bin/sh\nexit 0\n")
	if err := os.WriteFile(present, script, 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
		{Name: "Unset", Command: "  ", Optional: true},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}
	if !results[0].Available {
		t.Fatalf("expected first requirement to be available, got %#v", results[0])
	}
	if results[0].Detail != "" {
		t.Fatalf("unexpected detail for available dependency: %s", results[0].Detail)
	}
	if results[1].Available {
		t.Fatalf("expected missing binary to be unavailable")
	}
	if results[1].Detail == "" {
		t.Fatalf("expected detail message for missing binary")
	}
	if results[1].Command != "clearly-not-present-binary" {
		t.Fatalf("unexpected command recorded: %s", results[1].Command)
	}
	if results[2].Detail != "command not configured" {
		t.Fatalf("unexpected detail for unset command: %q", results[2].Detail)
	}

	missing := MissingRequired(results)
	if len(missing) != 1 || missing[0].Name != "Missing" {
		t.Fatalf("MissingRequired = %#v", missing)
	}
}

func writeFFmpegStub(t *testing.T, listing string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\ncat <<'OUT'\n" + listing + "\nOUT\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write ffmpeg stub: %v", err)
	}
	return path
}

func TestCheckEncoderFindsLibx264(t *testing.T) {
	stub := writeFFmpegStub(t, "Encoders:\n V..... = Video\n ------\n V....D libx264              libx264 H.264 / AVC\n A....D aac                  AAC (Advanced Audio Coding)")
	status := CheckEncoder(context.Background(), stub, "libx264")
	if !status.Available {
		t.Fatalf("expected libx264 available, got %q", status.Detail)
	}
	if status.Command != stub {
		t.Fatalf("command = %q", status.Command)
	}
}

func TestCheckEncoderReportsMissingEncoder(t *testing.T) {
	stub := writeFFmpegStub(t, "Encoders:\n V....D mpeg4                MPEG-4 part 2")
	status := CheckEncoder(context.Background(), stub, "libx264")
	if status.Available {
		t.Fatal("expected libx264 to be missing")
	}
	if status.Detail == "" {
		t.Fatal("expected detail")
	}
}

func TestCheckEncoderMissingBinary(t *testing.T) {
	t.Setenv("PATH", "")
	status := CheckEncoder(context.Background(), "ffmpeg", "libx264")
	if status.Available || status.Detail == "" {
		t.Fatalf("unexpected status %#v", status)
	}
}
