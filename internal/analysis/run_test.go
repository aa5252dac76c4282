package analysis

import (
	"context"
	"errors"
	"image"
	"testing"

	"bibwatch/internal/confirm"
	"bibwatch/internal/media/ffprobe"
	"bibwatch/internal/services"
	"bibwatch/internal/settings"
	"bibwatch/internal/stage"
)

type durationProbe string

func (d durationProbe) Inspect(context.Context, string) (ffprobe.Result, error) {
	return ffprobe.Result{
		Streams: []ffprobe.Stream{{CodecType: "video", CodecName: "h264"}},
		Format:  ffprobe.Format{Duration: string(d)},
	}, nil
}

type blankFrames struct {
	requested []float64
	failAfter int
}

func (b *blankFrames) Frame(_ context.Context, _ string, atSec float64) (image.Image, error) {
	b.requested = append(b.requested, atSec)
	if b.failAfter > 0 && len(b.requested) > b.failAfter {
		return nil, errors.New("end of stream")
	}
	return image.NewRGBA(image.Rect(0, 0, 200, 100)), nil
}

type scriptedDetector struct {
	readyErr error
	bySecond map[float64][]RawDetection
	onDetect func(Frame) error
}

func (s *scriptedDetector) Ready(context.Context) error { return s.readyErr }

func (s *scriptedDetector) Detect(_ context.Context, frame Frame) ([]RawDetection, error) {
	if s.onDetect != nil {
		if err := s.onDetect(frame); err != nil {
			return nil, err
		}
	}
	return s.bySecond[frame.Seconds], nil
}

type mapMatcher map[string]string

func (m mapMatcher) Lookup(raw string) (string, string, bool) {
	name, ok := m[raw]
	return raw, name, ok
}

func (m mapMatcher) Len() int { return len(m) }

func defaultSettings() settings.Settings {
	s := settings.Default()
	s.FrameIntervalSec = 3
	s.ConfLimit = 3
	return s
}

func TestRunConfirmsFirstSighting(t *testing.T) {
	seen := []RawDetection{{Text: "12", Box: [4]float64{20, 10, 60, 90}}}
	det := &scriptedDetector{bySecond: map[float64][]RawDetection{3: seen, 6: seen, 9: seen}}
	frames := &blankFrames{}
	rec := &stage.Recorder{}

	res, err := New(durationProbe("12.0"), frames, nil).Run(context.Background(), Request{
		Video:    "race.mp4",
		Settings: defaultSettings(),
		Detector: det,
		Matcher:  mapMatcher{"12": "Petrova Maria"},
	}, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []confirm.Entry{{TimeSeconds: 3, TimeText: "00:03", Bib: "12", Name: "Petrova Maria"}}
	if len(res.Entries) != 1 || res.Entries[0] != want[0] {
		t.Fatalf("entries = %+v, want %+v", res.Entries, want)
	}
	if res.ResultsText != "00:03 #12 Petrova Maria" {
		t.Fatalf("results text = %q", res.ResultsText)
	}
	if got := len(frames.requested); got != 4 || frames.requested[3] != 9 {
		t.Fatalf("sampled %v, want 0,3,6,9", frames.requested)
	}
	if len(res.BBoxes) != 1 || res.BBoxes[0].Label != "12" || res.BBoxes[0].X != 0.1 {
		t.Fatalf("bboxes = %+v", res.BBoxes)
	}
	if rec.LastPercent() != 100 {
		t.Fatalf("last progress = %d", rec.LastPercent())
	}
	if len(rec.Patches) != 1 || rec.Patches[0].Timestamps == nil || len(*rec.Patches[0].Timestamps) != 1 {
		t.Fatalf("expected one partial results patch, got %+v", rec.Patches)
	}
	if !rec.HasEvent("Analysis progress: 25%") || !rec.HasEvent("Analysis complete") {
		t.Fatalf("missing events: %+v", rec.Events)
	}
}

func TestRunSingleSightingNeverConfirms(t *testing.T) {
	det := &scriptedDetector{bySecond: map[float64][]RawDetection{0: {{Text: "7"}}}}
	res, err := New(durationProbe("9"), &blankFrames{}, nil).Run(context.Background(), Request{
		Video:    "race.mp4",
		Settings: defaultSettings(),
		Detector: det,
		Matcher:  mapMatcher{"7": "Ann"},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Entries) != 0 || res.ResultsText != "" {
		t.Fatalf("expected no confirmations, got %+v", res.Entries)
	}
}

func TestRunFailsFastOnEmptyRoster(t *testing.T) {
	frames := &blankFrames{}
	_, err := New(durationProbe("9"), frames, nil).Run(context.Background(), Request{
		Video:    "race.mp4",
		Settings: defaultSettings(),
		Detector: &scriptedDetector{},
		Matcher:  mapMatcher{},
	}, nil)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(frames.requested) != 0 {
		t.Fatal("no frame may be read without a roster")
	}
}

func TestRunDetectorUnavailable(t *testing.T) {
	frames := &blankFrames{}
	_, err := New(durationProbe("9"), frames, nil).Run(context.Background(), Request{
		Video:    "race.mp4",
		Settings: defaultSettings(),
		Detector: &scriptedDetector{readyErr: ErrDetectorUnavailable},
		Matcher:  mapMatcher{"1": "A"},
	}, nil)
	if !errors.Is(err, ErrDetectorUnavailable) || !errors.Is(err, services.ErrProcessing) {
		t.Fatalf("expected detector unavailable, got %v", err)
	}
	if len(frames.requested) != 0 {
		t.Fatal("no frame may be read when the detector is unavailable")
	}
}

func TestRunSkipsFrameOnTransientDetectError(t *testing.T) {
	calls := 0
	det := &scriptedDetector{onDetect: func(Frame) error {
		calls++
		if calls == 1 {
			return errors.New("inference hiccup")
		}
		return nil
	}}
	res, err := New(durationProbe("6"), &blankFrames{}, nil).Run(context.Background(), Request{
		Video:    "race.mp4",
		Settings: defaultSettings(),
		Detector: det,
		Matcher:  mapMatcher{"1": "A"},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Frames != 2 {
		t.Fatalf("frames = %d", res.Frames)
	}
}

func TestRunStopsAtEndOfStream(t *testing.T) {
	res, err := New(durationProbe("30"), &blankFrames{failAfter: 2}, nil).Run(context.Background(), Request{
		Video:    "race.mp4",
		Settings: defaultSettings(),
		Detector: &scriptedDetector{},
		Matcher:  mapMatcher{"1": "A"},
	}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Frames != 2 {
		t.Fatalf("frames = %d, want 2", res.Frames)
	}
}

func TestRunObservesCancellationBetweenFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := &blankFrames{}
	det := &scriptedDetector{onDetect: func(f Frame) error {
		if f.Index == 1 {
			cancel()
		}
		return nil
	}}
	_, err := New(durationProbe("60"), frames, nil).Run(ctx, Request{
		Video:    "race.mp4",
		Settings: defaultSettings(),
		Detector: det,
		Matcher:  mapMatcher{"1": "A"},
	}, nil)
	if !services.IsCancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(frames.requested) != 2 {
		t.Fatalf("expected to stop after the cancelling frame, read %d", len(frames.requested))
	}
}
