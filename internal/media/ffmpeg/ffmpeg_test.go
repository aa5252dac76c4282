package ffmpeg

import (
	"bufio"
	"context"
	"strings"
	"testing"
)

type recordingExecutor struct {
	calls [][]string
	lines []string
}

func (r *recordingExecutor) Run(_ context.Context, binary string, args []string, onLine func(string)) error {
	r.calls = append(r.calls, append([]string{binary}, args...))
	for _, line := range r.lines {
		if onLine != nil {
			onLine(line)
		}
	}
	return nil
}

func TestParseProgress(t *testing.T) {
	cases := []struct {
		line string
		want float64
		ok   bool
	}{
		{"frame=  120 fps= 60 q=28.0 size=     512kB time=00:01:02.50 bitrate= 67.1kbits/s", 62.5, true},
		{"time=01:00:00.00", 3600, true},
		{"time=N/A", 0, false},
		{"Input #0, mov,mp4", 0, false},
	}
	for _, tc := range cases {
		got, ok := ParseProgress(tc.line)
		if got != tc.want || ok != tc.ok {
			t.Errorf("ParseProgress(%q) = %v,%v want %v,%v", tc.line, got, ok, tc.want, tc.ok)
		}
	}
}

func TestScanLinesOrCR(t *testing.T) {
	input := "a\rb\r\nc\nd"
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(ScanLinesOrCR)
	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	want := []string{"a", "b", "c", "d"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("tokens = %q, want %q", got, want)
	}
}

func TestTranscodeReportsElapsed(t *testing.T) {
	exec := &recordingExecutor{lines: []string{"noise", "time=00:00:05.00", "time=00:00:10.00"}}
	tool := New("ffmpeg-custom", WithExecutor(exec))
	var elapsed []float64
	if err := tool.Transcode(context.Background(), "in.avi", "out.mp4", func(s float64) { elapsed = append(elapsed, s) }); err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if len(elapsed) != 2 || elapsed[1] != 10 {
		t.Fatalf("unexpected elapsed values %v", elapsed)
	}
	call := strings.Join(exec.calls[0], " ")
	for _, frag := range []string{"ffmpeg-custom", "-i in.avi", "-c:v libx264", "-preset veryfast", "-movflags +faststart", "-c:a aac", "out.mp4"} {
		if !strings.Contains(call, frag) {
			t.Fatalf("expected %q in %q", frag, call)
		}
	}
}

func TestTrimRejectsInvertedRange(t *testing.T) {
	exec := &recordingExecutor{}
	tool := New("", WithExecutor(exec))
	if err := tool.Trim(context.Background(), "a.mp4", "b.mp4", 30, 10); err == nil {
		t.Fatal("expected error for inverted range")
	}
	if len(exec.calls) != 0 {
		t.Fatal("ffmpeg should not run for an invalid range")
	}
	if tool.Binary() != "ffmpeg" {
		t.Fatalf("default binary = %q", tool.Binary())
	}
}
