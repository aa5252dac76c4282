package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"bibwatch/internal/state"
)

const (
	helperEnv     = "BIBWATCH_WORKER_HELPER"
	helperModeEnv = "BIBWATCH_WORKER_MODE"
)

// TestWorkerHelperProcess is not a real test. It is the child side of the
// ProcessLauncher tests below.
func TestWorkerHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	runner := helperRunner(os.Getenv(helperModeEnv))
	if err := RunWorker(context.Background(), os.Stdin, os.Stdout, runner); err != nil {
		os.Exit(2)
	}
	os.Exit(0)
}

func helperRunner(mode string) runnerFunc {
	return func(ctx context.Context, spec JobSpec, emit func(Message)) {
		rep := newMessageReporter(emit)
		rep.Event(state.LevelInfo, EventType, "ready", map[string]any{"job_id": spec.ID})
		switch mode {
		case "stubborn":
			time.Sleep(time.Hour)
		case "cooperative":
			<-ctx.Done()
			rep.Publish(state.Patch{Phase: state.Ptr(state.PhaseIdle), Progress: state.Ptr(0)})
			rep.Event(state.LevelWarning, EventType, "Pipeline cancelled", nil)
		default:
			rep.Progress(50)
			rep.Publish(state.Patch{Phase: state.Ptr(state.PhaseDone), Progress: state.Ptr(100)})
			rep.Event(state.LevelInfo, EventType, "Pipeline done", nil)
		}
		emit(Message{Kind: KindFinal})
	}
}

func helperLauncher(mode string) ProcessLauncher {
	return ProcessLauncher{
		Executable: os.Args[0],
		Args:       []string{"-test.run=^TestWorkerHelperProcess$"},
		Env:        []string{helperEnv + "=1", helperModeEnv + "=" + mode},
		Stderr:     io.Discard,
	}
}

func launchHelper(t *testing.T, mode string) Handle {
	t.Helper()
	h, err := helperLauncher(mode).Launch(context.Background(), JobSpec{ID: "helper-" + mode, Kind: JobProcess})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.ForceStop(ctx)
	})
	return h
}

func awaitReady(t *testing.T, h Handle) Message {
	t.Helper()
	select {
	case m, ok := <-h.Messages():
		if !ok || m.Kind != KindEvent || m.Event.Message != "ready" {
			t.Fatalf("expected ready event, got %+v (open=%v)", m, ok)
		}
		return m
	case <-time.After(10 * time.Second):
		t.Fatal("worker never reported ready")
	}
	return Message{}
}

func drain(t *testing.T, h Handle) []Message {
	t.Helper()
	var out []Message
	timeout := time.After(10 * time.Second)
	for {
		select {
		case m, ok := <-h.Messages():
			if !ok {
				return out
			}
			out = append(out, m)
		case <-timeout:
			t.Fatal("worker did not finish")
		}
	}
}

func TestProcessLauncherRoundTrip(t *testing.T) {
	h := launchHelper(t, "quick")
	ready := awaitReady(t, h)
	if ready.Event.Details["job_id"] != "helper-quick" {
		t.Fatalf("spec not delivered: %+v", ready.Event.Details)
	}
	msgs := drain(t, h)
	<-h.Done()

	if len(msgs) == 0 || msgs[len(msgs)-1].Kind != KindFinal {
		t.Fatalf("stream must end with final, got %+v", msgs)
	}
	var phase state.Phase
	for _, m := range msgs {
		if m.Kind == KindPatch && m.Patch.Phase != nil {
			phase = *m.Patch.Phase
		}
	}
	if phase != state.PhaseDone {
		t.Fatalf("phase = %q, want done", phase)
	}
	if h.IsAlive() {
		t.Fatal("handle alive after exit")
	}
	if exit := h.(*processHandle).ExitErr(); exit != nil {
		t.Fatalf("worker exit: %v", exit)
	}
}

func TestProcessLauncherCooperativeCancel(t *testing.T) {
	h := launchHelper(t, "cooperative")
	awaitReady(t, h)
	h.RequestCancel()
	h.RequestCancel()
	msgs := drain(t, h)

	var cancelled bool
	for _, m := range msgs {
		if m.Kind == KindEvent && m.Event.Message == "Pipeline cancelled" {
			cancelled = true
		}
	}
	if !cancelled {
		t.Fatalf("worker did not observe cancel: %+v", msgs)
	}
}

func TestProcessLauncherForceStop(t *testing.T) {
	h := launchHelper(t, "stubborn")
	awaitReady(t, h)
	h.RequestCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.ForceStop(ctx); err != nil {
		t.Fatalf("force stop: %v", err)
	}
	if h.IsAlive() {
		t.Fatal("worker alive after force stop")
	}
	if h.(*processHandle).ExitErr() == nil {
		t.Fatal("killed worker should report a non-nil exit status")
	}
}

func TestCoordinatorForcesStubbornProcessWorker(t *testing.T) {
	c, store := newTestCoordinator(t, Options{Isolated: helperLauncher("stubborn").Launch})
	if _, err := c.Start(context.Background(), JobSpec{Kind: JobProcess, Source: "/u/a.mp4", Roster: "/r/r.csv"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForSnapshot(t, store, func(s state.Snapshot) bool { return hasEvent(s, "ready") })

	if outcome, err := c.Cancel(context.Background()); err != nil || outcome != CancelRequested {
		t.Fatalf("first cancel = %q, %v", outcome, err)
	}
	outcome, err := c.Cancel(context.Background())
	if err != nil || outcome != CancelForced {
		t.Fatalf("second cancel = %q, %v", outcome, err)
	}
	snap := store.Get()
	if snap.Phase != state.PhaseIdle || snap.Processing {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestRunWorkerCancelsOnCancelLine(t *testing.T) {
	inR, inW := io.Pipe()
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- RunWorker(context.Background(), inR, &out, helperRunner("cooperative"))
	}()

	spec, _ := json.Marshal(JobSpec{ID: "pipe", Kind: JobProcess})
	if _, err := inW.Write(append(spec, '\n')); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	if _, err := io.WriteString(inW, "cancel\n"); err != nil {
		t.Fatalf("write cancel: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run worker: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker ignored cancel line")
	}
	_ = inW.Close()

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	var last Message
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &last); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if last.Kind != KindFinal {
		t.Fatalf("last line kind = %q", last.Kind)
	}
	if !strings.Contains(out.String(), "Pipeline cancelled") {
		t.Fatalf("missing cancel event in %s", out.String())
	}
}

func TestRunWorkerCancelsWhenParentGoesAway(t *testing.T) {
	spec, _ := json.Marshal(JobSpec{ID: "eof", Kind: JobProcess})
	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- RunWorker(context.Background(), bytes.NewReader(append(spec, '\n')), &out, helperRunner("cooperative"))
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run worker: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker kept running after stdin closed")
	}
}

func TestRunWorkerRejectsMalformedSpec(t *testing.T) {
	if err := RunWorker(context.Background(), strings.NewReader("{not json\n"), io.Discard, helperRunner("quick")); err == nil {
		t.Fatal("expected decode error")
	}
}
