package detector

import (
	"context"
	"errors"
	"image"
	"os"
	"testing"

	"bibwatch/internal/analysis"
)

type cannedRunner struct {
	out   []byte
	err   error
	args  []string
	width int
}

func (c *cannedRunner) Output(_ context.Context, _ string, args []string) ([]byte, error) {
	c.args = args
	path := args[len(args)-1]
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, err
	}
	c.width = cfg.Width
	return c.out, c.err
}

func TestReadyRequiresCommand(t *testing.T) {
	if err := New(Options{}).Ready(context.Background()); !errors.Is(err, analysis.ErrDetectorUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	d := New(Options{Command: "bib-ocr"})
	d.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	if err := d.Ready(context.Background()); !errors.Is(err, analysis.ErrDetectorUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	d.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	if err := d.Ready(context.Background()); err != nil {
		t.Fatalf("Ready: %v", err)
	}
}

func TestDetectDownscalesAndRescalesBoxes(t *testing.T) {
	runner := &cannedRunner{out: []byte(`[{"text":" 42 ","box":[10,20,30,40]},{"text":"","box":[0,0,1,1]}]`)}
	d := New(Options{Command: "bib-ocr", Args: []string{"--model", "m.pt"}, MaxFrameWidth: 400, ScratchDir: t.TempDir(), Runner: runner})

	frame := analysis.Frame{Seconds: 3, Image: image.NewRGBA(image.Rect(0, 0, 800, 600))}
	got, err := d.Detect(context.Background(), frame)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if runner.width != 400 {
		t.Fatalf("detector input width = %d, want 400", runner.width)
	}
	if runner.args[0] != "--model" || runner.args[1] != "m.pt" {
		t.Fatalf("configured args not forwarded: %v", runner.args)
	}
	if len(got) != 1 || got[0].Text != "42" || got[0].Box != [4]float64{20, 40, 60, 80} {
		t.Fatalf("detections = %+v", got)
	}
	if _, err := os.Stat(runner.args[len(runner.args)-1]); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("temporary detector input should be removed")
	}
}

func TestDetectPropagatesRunnerError(t *testing.T) {
	d := New(Options{Command: "bib-ocr", ScratchDir: t.TempDir(), Runner: &cannedRunner{err: errors.New("exit status 2")}})
	_, err := d.Detect(context.Background(), analysis.Frame{Image: image.NewRGBA(image.Rect(0, 0, 10, 10))})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not json"), 1); err == nil {
		t.Fatal("expected decode error")
	}
	got, err := Decode([]byte("  "), 1)
	if err != nil || got != nil {
		t.Fatalf("empty output = %v, %v", got, err)
	}
}
