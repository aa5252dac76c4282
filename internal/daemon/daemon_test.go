package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"bibwatch/internal/acquisition"
	"bibwatch/internal/api"
	"bibwatch/internal/config"
	"bibwatch/internal/daemon"
	"bibwatch/internal/state"
	"bibwatch/internal/statedb"
	"bibwatch/internal/testsupport"
	"bibwatch/internal/workflow"
)

type runnerFunc func(ctx context.Context, spec workflow.JobSpec, emit func(workflow.Message))

func (f runnerFunc) Execute(ctx context.Context, spec workflow.JobSpec, emit func(workflow.Message)) {
	f(ctx, spec, emit)
}

// blockingRunner reports progress, waits for cancellation, then ends idle.
func blockingRunner() runnerFunc {
	return func(ctx context.Context, spec workflow.JobSpec, emit func(workflow.Message)) {
		defer emit(workflow.Message{Kind: workflow.KindFinal})
		emit(workflow.Message{Kind: workflow.KindPatch, Patch: &state.Patch{Progress: state.Ptr(5)}})
		<-ctx.Done()
		emit(workflow.Message{Kind: workflow.KindPatch, Patch: &state.Patch{
			Phase:           state.Ptr(state.PhaseIdle),
			Progress:        state.Ptr(0),
			Processing:      state.Ptr(false),
			CancelRequested: state.Ptr(false),
		}})
		emit(workflow.Message{Kind: workflow.KindEvent, Event: &state.Event{
			Timestamp: time.Now().UTC(),
			Level:     state.LevelWarning,
			Type:      workflow.EventType,
			Message:   "Pipeline cancelled",
		}})
	}
}

type fixture struct {
	cfg    *config.Config
	store  *state.Store
	mirror *statedb.Store
	daemon *daemon.Daemon
}

func newFixture(t *testing.T, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	mirror := testsupport.MustOpenStore(t, cfg)
	store := state.New(state.WithObserver(daemon.ObserveState))
	coord := workflow.NewCoordinator(workflow.Options{
		Store:     store,
		InProcess: workflow.GoroutineLauncher(blockingRunner()),
		Ingester: acquisition.New(acquisition.Options{
			UploadDir: cfg.Paths.UploadDir,
			WorkDir:   cfg.Paths.UploadDir,
		}),
		Paths: workflow.Paths{
			UploadDir:    cfg.Paths.UploadDir,
			ConvertedDir: cfg.Paths.ConvertedDir,
			RosterDir:    cfg.Paths.RosterDir,
		},
		MaxUploadBytes:   cfg.MaxUploadBytes(),
		ForceStopTimeout: time.Second,
	})
	d, err := daemon.New(daemon.Options{Config: cfg, Store: store, Coordinator: coord, Mirror: mirror, Version: "test"})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	return &fixture{cfg: cfg, store: store, mirror: mirror, daemon: d}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.daemon.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(f.daemon.Stop)
}

func (f *fixture) url(path string) string {
	return "http://" + f.daemon.Status(context.Background()).APIAddress + path
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, contentType string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.url(path), body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if f.cfg.Paths.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.Paths.APIToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (f *fixture) upload(t *testing.T, path, fileName string, content []byte) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return f.do(t, http.MethodPost, path, &buf, w.FormDataContentType())
}

func (f *fixture) waitFor(t *testing.T, cond func(state.Snapshot) bool) state.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := f.store.Get()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met; phase=%s processing=%v", snap.Phase, snap.Processing)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

func hasRequestEvent(snap state.Snapshot, message string) bool {
	for _, evt := range snap.Events {
		if evt.Type == "request" && evt.Message == message {
			return true
		}
	}
	return false
}

const rosterCSV = "number;name\n101;Anna Ivanova\n102;Boris Petrov\n"

func TestDaemonStartStop(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	status := f.daemon.Status(context.Background())
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.APIAddress == "" {
		t.Fatal("expected api address")
	}
	if status.Phase != string(state.PhaseIdle) || status.Busy {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.DatabasePath != f.cfg.DatabasePath() {
		t.Fatalf("database path = %q", status.DatabasePath)
	}

	f.daemon.Stop()
	if f.daemon.Status(context.Background()).Running {
		t.Fatal("expected daemon to report stopped")
	}
}

func TestDaemonRejectsSecondInstance(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	coord := workflow.NewCoordinator(workflow.Options{
		Store:     state.New(),
		InProcess: workflow.GoroutineLauncher(blockingRunner()),
	})
	second, err := daemon.New(daemon.Options{Config: f.cfg, Store: state.New(), Coordinator: coord})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("expected lock conflict")
	}
}

func TestDaemonRestoresPersistedState(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(filepath.Join(f.cfg.Paths.UploadDir, "race.mp4"), []byte("video"), 0o644); err != nil {
		t.Fatalf("write video: %v", err)
	}
	saved := state.New().Get()
	saved.Video = "race.mp4"
	saved.VideoBytes = 5
	saved.Converted = "race_h264.mp4"
	saved.ConvertedBytes = 10
	saved.Phase = state.PhaseProcessing
	saved.Processing = true
	saved.Settings.FrameIntervalSec = 7
	if err := f.mirror.SaveSnapshot(context.Background(), saved); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	f.start(t)
	snap := f.store.Get()
	if snap.Video != "race.mp4" || snap.VideoBytes != 5 {
		t.Fatalf("video not restored: %+v", snap)
	}
	if snap.Converted != "" {
		t.Fatalf("expected missing converted file to be dropped, got %q", snap.Converted)
	}
	if snap.Phase != state.PhaseIdle || snap.Processing {
		t.Fatalf("expected idle after restore, got %s processing=%v", snap.Phase, snap.Processing)
	}
	if snap.Settings.FrameIntervalSec != 7 {
		t.Fatalf("settings not restored: %+v", snap.Settings)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	f := newFixture(t, testsupport.WithAPIToken("secret"))
	f.start(t)

	resp, err := http.Get(f.url("/api/state"))
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	authed, _ := f.do(t, http.MethodGet, "/api/state", nil, "")
	if authed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", authed.StatusCode)
	}

	health, err := http.Get(f.url("/health"))
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	health.Body.Close()
	if health.StatusCode == http.StatusUnauthorized {
		t.Fatal("health endpoint must not require a token")
	}
}

func TestAPIJobLifecycle(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	resp, body := f.upload(t, "/api/roster", "startlist.csv", []byte(rosterCSV))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("roster upload: %d %s", resp.StatusCode, body)
	}
	roster := decode[api.RosterResponse](t, body)
	if roster.Participants != 2 {
		t.Fatalf("participants = %d", roster.Participants)
	}

	resp, body = f.upload(t, "/api/upload", "finish.mp4", []byte("not really a video"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("video upload: %d %s", resp.StatusCode, body)
	}
	uploaded := decode[api.UploadResponse](t, body)
	if uploaded.File == "" || uploaded.SizeBytes == 0 {
		t.Fatalf("unexpected upload response: %+v", uploaded)
	}
	if snap := f.store.Get(); snap.Video != uploaded.File || snap.ProtocolRef != roster.File {
		t.Fatalf("state not updated: video=%q roster=%q", snap.Video, snap.ProtocolRef)
	}

	resp, body = f.do(t, http.MethodPost, "/api/jobs", strings.NewReader(`{"kind":"process"}`), "application/json")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start job: %d %s", resp.StatusCode, body)
	}
	started := decode[api.StartJobResponse](t, body)
	if started.JobID == "" || started.Kind != workflow.JobProcess {
		t.Fatalf("unexpected start response: %+v", started)
	}

	resp, body = f.do(t, http.MethodPost, "/api/jobs", strings.NewReader(`{}`), "application/json")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict for second job, got %d %s", resp.StatusCode, body)
	}
	if decode[api.ErrorResponse](t, body).Kind != "conflict" {
		t.Fatalf("unexpected error body: %s", body)
	}

	resp, _ = f.do(t, http.MethodDelete, "/api/video", nil, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected clearing video to conflict while busy, got %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodPost, "/api/jobs/cancel", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: %d %s", resp.StatusCode, body)
	}
	if outcome := decode[api.CancelResponse](t, body).Outcome; outcome != workflow.CancelRequested {
		t.Fatalf("outcome = %q", outcome)
	}
	f.waitFor(t, func(s state.Snapshot) bool { return s.Phase == state.PhaseIdle && !s.Processing })

	resp, body = f.do(t, http.MethodPost, "/api/jobs/cancel", nil, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict without a job, got %d %s", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodGet, "/api/files/roster/"+roster.File, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch roster file: %d", resp.StatusCode)
	}
}

func TestAPIValidationErrors(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	tests := []struct {
		name        string
		method      string
		path        string
		body        string
		contentType string
		want        int
	}{
		{"process without video", http.MethodPost, "/api/jobs", `{"kind":"process"}`, "application/json", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/jobs", `{"bogus":1}`, "application/json", http.StatusBadRequest},
		{"upload not multipart", http.MethodPost, "/api/upload", "raw", "text/plain", http.StatusBadRequest},
		{"bad since", http.MethodGet, "/api/state?since=abc", "", "", http.StatusBadRequest},
		{"unknown file kind", http.MethodGet, "/api/files/secrets/x", "", "", http.StatusNotFound},
		{"missing file", http.MethodGet, "/api/files/video/none.mp4", "", "", http.StatusNotFound},
		{"wrong method", http.MethodGet, "/api/jobs", "", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			resp, data := f.do(t, tt.method, tt.path, body, tt.contentType)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.want, data)
			}
		})
	}
}

func TestAPIRejectsInvalidRoster(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	resp, body := f.upload(t, "/api/roster", "list.csv", []byte("just;some\ncolumns;here\n"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", resp.StatusCode, body)
	}
	if f.store.Get().ProtocolRef != "" {
		t.Fatal("invalid roster must not become current")
	}
}

func TestAPIStateLongPoll(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	version := f.store.Version()
	start := time.Now()
	resp, body := f.do(t, http.MethodGet, "/api/state?since="+itoa(version)+"&timeout=0.1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state: %d", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("long poll returned too early: %v", elapsed)
	}
	if snap := decode[state.Snapshot](t, body); snap.Version != version {
		t.Fatalf("version = %d, want %d", snap.Version, version)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.store.AppendEvent("poke", state.LevelInfo, "test", nil)
	}()
	resp, body = f.do(t, http.MethodGet, "/api/state?since="+itoa(version)+"&timeout=5", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state: %d", resp.StatusCode)
	}
	if snap := decode[state.Snapshot](t, body); snap.Version <= version {
		t.Fatalf("expected newer version than %d, got %d", version, snap.Version)
	}
}

func TestAPIStateLongPollIsCapped(t *testing.T) {
	f := newFixture(t, testsupport.WithLongPollSeconds(1))
	f.start(t)

	version := f.store.Version()
	for _, timeout := range []string{"1e9", "86400", "Inf"} {
		start := time.Now()
		resp, body := f.do(t, http.MethodGet, "/api/state?since="+itoa(version)+"&timeout="+timeout, nil, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("timeout=%s: status %d", timeout, resp.StatusCode)
		}
		if elapsed := time.Since(start); elapsed > 3*time.Second {
			t.Fatalf("timeout=%s: long poll held for %v", timeout, elapsed)
		}
		if snap := decode[state.Snapshot](t, body); snap.Version != version {
			t.Fatalf("timeout=%s: version = %d, want %d", timeout, snap.Version, version)
		}
	}

	resp, _ := f.do(t, http.MethodGet, "/api/state?since="+itoa(version)+"&timeout=NaN", nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("NaN timeout: status %d, want 400", resp.StatusCode)
	}
}

func TestAPIRecordsRequestEvents(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	resp, _ := f.do(t, http.MethodPut, "/api/results", strings.NewReader(`{"text":"101 Anna 00:01:02"}`), "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put results: %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}
	f.do(t, http.MethodGet, "/api/state", nil, "")

	snap := f.store.Get()
	if snap.ResultsText != "101 Anna 00:01:02" {
		t.Fatalf("results text = %q", snap.ResultsText)
	}
	if !hasRequestEvent(snap, "PUT /api/results -> 200") {
		t.Fatalf("expected request event, got %+v", snap.Events)
	}
	if hasRequestEvent(snap, "GET /api/state -> 200") {
		t.Fatal("state polling must not be recorded")
	}

	resp, body := f.do(t, http.MethodPost, "/api/state/reset?clear_events=1", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset: %d", resp.StatusCode)
	}
	if decode[state.Snapshot](t, body).ResultsText != "" {
		t.Fatal("expected results cleared by reset")
	}
}

func TestAPIMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.do(t, http.MethodGet, "/api/status", nil, "")
	resp, body := f.do(t, http.MethodGet, "/metrics", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `bibwatch_http_requests_total{method="GET",route="/api/status",status="200"}`) {
		t.Fatalf("expected request counter in metrics output")
	}
}

func itoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}
