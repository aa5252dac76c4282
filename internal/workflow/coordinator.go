package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bibwatch/internal/acquisition"
	"bibwatch/internal/confirm"
	"bibwatch/internal/fileutil"
	"bibwatch/internal/logging"
	"bibwatch/internal/metrics"
	"bibwatch/internal/notifications"
	"bibwatch/internal/services"
	"bibwatch/internal/settings"
	"bibwatch/internal/stage"
	"bibwatch/internal/state"
)

// Ingester stores uploaded videos.
type Ingester interface {
	Ingest(ctx context.Context, r io.Reader, name string, limit, expected int64, rep stage.Reporter) (acquisition.File, error)
}

// Paths are the directories whose files the snapshot refers to by name.
type Paths struct {
	UploadDir    string
	ConvertedDir string
	RosterDir    string
}

// Options configures a Coordinator.
type Options struct {
	Store *state.Store
	// InProcess launches goroutine workers. Required.
	InProcess LaunchFunc
	// Isolated launches worker processes for processing jobs. Nil runs every
	// job in-process.
	Isolated         LaunchFunc
	Ingester         Ingester
	Paths            Paths
	MaxUploadBytes   int64
	ForceStopTimeout time.Duration
	// Notifier receives a push when a job finishes. Nil disables pushes.
	Notifier notifications.Service
	Logger   *slog.Logger
	NewID    func() string
}

// CancelOutcome reports what a Cancel call did.
type CancelOutcome string

const (
	// CancelRequested means the cooperative signal was set.
	CancelRequested CancelOutcome = "requested"
	// CancelForced means the worker was killed and state reset to idle.
	CancelForced CancelOutcome = "forced"
	// CancelPending means a repeat request could not escalate; the
	// cooperative signal stays set.
	CancelPending CancelOutcome = "pending"
)

type slotStatus int

const (
	slotLive slotStatus = iota
	// slotRetired: the terminal patch has been applied; trailing messages
	// are merged until another job starts.
	slotRetired
	// slotAbandoned: the worker was force-stopped; nothing more is merged.
	slotAbandoned
)

type slot struct {
	spec            JobSpec
	handle          Handle
	isolation       string
	status          slotStatus
	cancelRequested bool
	forcing         bool
	exited          bool
	recorded        bool
	outcome         string
	started         time.Time
}

// Coordinator owns the single job slot.
type Coordinator struct {
	store        *state.Store
	inProcess    LaunchFunc
	isolated     LaunchFunc
	ingester     Ingester
	paths        Paths
	uploadLimit  int64
	forceTimeout time.Duration
	notifier     notifications.Service
	logger       *slog.Logger
	newID        func() string

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu           sync.Mutex
	active       *slot
	uploading    bool
	uploadCancel context.CancelFunc
}

// NewCoordinator builds a coordinator.
func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	forceTimeout := opts.ForceStopTimeout
	if forceTimeout <= 0 {
		forceTimeout = 2 * time.Second
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:        opts.Store,
		inProcess:    opts.InProcess,
		isolated:     opts.Isolated,
		ingester:     opts.Ingester,
		paths:        opts.Paths,
		uploadLimit:  opts.MaxUploadBytes,
		forceTimeout: forceTimeout,
		notifier:     opts.Notifier,
		logger:       logger.With(logging.String(logging.FieldComponent, "coordinator")),
		newID:        newID,
		baseCtx:      baseCtx,
		baseCancel:   cancel,
	}
}

// busyLocked reports whether a worker or upload occupies the slot.
// Callers hold c.mu.
func (c *Coordinator) busyLocked() bool {
	if c.uploading {
		return true
	}
	if c.active == nil {
		return false
	}
	return c.active.forcing || (c.active.status == slotLive && c.active.handle.IsAlive())
}

// Busy reports whether a job or upload is running.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyLocked()
}

// JobRequest is a start command before it is resolved against current state.
type JobRequest struct {
	Kind     JobKind            `json:"kind"`
	URL      string             `json:"url,omitempty"`
	Start    *int               `json:"start,omitempty"`
	End      *int               `json:"end,omitempty"`
	Settings *settings.Settings `json:"settings,omitempty"`
}

// Prepare resolves req into a JobSpec using the current video, roster, and
// settings from the snapshot.
func (c *Coordinator) Prepare(req JobRequest) JobSpec {
	snap := c.store.Get()
	spec := JobSpec{
		Kind:     req.Kind,
		URL:      strings.TrimSpace(req.URL),
		Start:    req.Start,
		End:      req.End,
		Settings: snap.Settings,
	}
	if spec.Kind == "" {
		spec.Kind = JobProcess
	}
	if req.Settings != nil {
		spec.Settings = *req.Settings
	}
	if spec.URL == "" && snap.Video != "" {
		spec.Source = filepath.Join(c.paths.UploadDir, snap.Video)
	}
	if snap.ProtocolRef != "" {
		spec.Roster = filepath.Join(c.paths.RosterDir, snap.ProtocolRef)
	}
	return spec
}

// Start launches a worker for spec. It fails with services.ErrConflict while
// another job or upload is active.
func (c *Coordinator) Start(ctx context.Context, spec JobSpec) (JobSpec, error) {
	spec.Settings = spec.Settings.Clamp()
	if err := spec.Validate(); err != nil {
		return spec, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busyLocked() {
		return spec, services.Wrap(services.ErrConflict, "workflow", "start", "A job is already running", nil)
	}

	if prev := c.active; prev != nil {
		// Trailing messages from the previous worker are dropped from here on.
		c.releaseLocked(prev)
	}
	if spec.ID == "" {
		spec.ID = c.newID()
	}
	launch, isolation := c.inProcess, "inprocess"
	if c.isolated != nil && spec.Kind == JobProcess {
		launch, isolation = c.isolated, "process"
	}
	logger := logging.WithContext(services.WithJobID(ctx, spec.ID), c.logger)

	reset := state.Patch{
		Phase:           state.Ptr(spec.FirstPhase()),
		Progress:        state.Ptr(0),
		Processing:      state.Ptr(true),
		CancelRequested: state.Ptr(false),
		JobID:           state.Ptr(spec.ID),
		Settings:        state.Ptr(spec.Settings),
		BBoxes:          state.Ptr([]state.BBox{}),
		Timestamps:      state.Ptr([]confirm.Entry{}),
		ResultsText:     state.Ptr(""),
	}
	c.store.PatchWithEvent(reset, "Job started", state.LevelInfo, EventType, map[string]any{
		"job_id":    spec.ID,
		"kind":      string(spec.Kind),
		"isolation": isolation,
	})

	handle, err := launch(c.baseCtx, spec)
	if err != nil {
		c.store.PatchWithEvent(state.Patch{
			Phase:      state.Ptr(state.PhaseError),
			Processing: state.Ptr(false),
		}, "Worker failed to start: "+err.Error(), state.LevelError, EventType, nil)
		logging.ErrorWithContext(logger, "worker launch failed", "worker_launch_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check that the bibwatch executable is runnable"),
		)
		return spec, services.Wrap(services.ErrProcessing, "workflow", "start", "Worker failed to start", err)
	}

	s := &slot{spec: spec, handle: handle, isolation: isolation, started: time.Now()}
	c.active = s
	metrics.JobsStartedTotal.WithLabelValues(string(spec.Kind), isolation).Inc()
	metrics.JobActive.Set(1)
	logger.Info("job started",
		logging.String(logging.FieldEventType, "job_start"),
		logging.String("kind", string(spec.Kind)),
		logging.String("isolation", isolation),
	)

	c.wg.Add(1)
	go c.listen(s)
	return spec, nil
}

// Cancel requests cancellation of the active job or upload. A repeat call
// while the worker is still alive escalates to a forced stop.
func (c *Coordinator) Cancel(ctx context.Context) (CancelOutcome, error) {
	c.mu.Lock()
	if c.uploading && c.uploadCancel != nil {
		cancel := c.uploadCancel
		c.store.PatchWithEvent(state.Patch{CancelRequested: state.Ptr(true)},
			"Cancel requested", state.LevelWarning, EventType, nil)
		c.mu.Unlock()
		cancel()
		metrics.CancelRequestsTotal.WithLabelValues("cooperative").Inc()
		return CancelRequested, nil
	}
	s := c.active
	if s != nil && s.forcing {
		c.mu.Unlock()
		return CancelPending, nil
	}
	if s == nil || s.status != slotLive || !s.handle.IsAlive() {
		c.mu.Unlock()
		return "", services.Wrap(services.ErrNoActiveJob, "workflow", "cancel", "No active job", nil)
	}
	logger := logging.WithContext(services.WithJobID(ctx, s.spec.ID), c.logger)

	if !s.cancelRequested {
		s.cancelRequested = true
		c.store.PatchWithEvent(state.Patch{CancelRequested: state.Ptr(true)},
			"Cancel requested", state.LevelWarning, EventType, nil)
		c.mu.Unlock()
		s.handle.RequestCancel()
		metrics.CancelRequestsTotal.WithLabelValues("cooperative").Inc()
		logger.Info("cancel requested", logging.String(logging.FieldEventType, "job_cancel_requested"))
		return CancelRequested, nil
	}
	s.forcing = true
	c.mu.Unlock()

	forceCtx, cancel := context.WithTimeout(ctx, c.forceTimeout)
	defer cancel()
	err := s.handle.ForceStop(forceCtx)

	c.mu.Lock()
	s.forcing = false
	if err != nil {
		// The worker may have exited on its own while the stop was attempted.
		if s.exited {
			c.settleLocked(s, false)
			c.releaseLocked(s)
		}
		record := c.markRecordedLocked(s)
		c.mu.Unlock()
		if record {
			c.recordFinish(s)
		}
		if errors.Is(err, ErrForceUnsupported) {
			logging.WarnWithContext(logger, "force stop unavailable for in-process worker", "job_force_unsupported",
				logging.String(logging.FieldErrorHint, "set job.isolation = \"process\" to allow forced termination"),
				logging.String(logging.FieldImpact, "job stops at its next cancellation check"),
			)
			c.store.AppendEvent("Cancel already requested; in-process worker will stop at its next check",
				state.LevelWarning, EventType, nil)
			return CancelPending, nil
		}
		logging.ErrorWithContext(logger, "force stop failed", "job_force_failed", logging.Error(err))
		return "", services.Wrap(services.ErrProcessing, "workflow", "cancel", "Worker did not stop", err)
	}

	if s.status == slotLive {
		s.status = slotAbandoned
		s.outcome = "forced"
		c.store.PatchWithEvent(state.Patch{
			Phase:           state.Ptr(state.PhaseIdle),
			Progress:        state.Ptr(0),
			Processing:      state.Ptr(false),
			CancelRequested: state.Ptr(false),
		}, "Process force-terminated after repeated cancel", state.LevelWarning, EventType, nil)
	}
	if s.exited {
		c.releaseLocked(s)
	}
	record := c.markRecordedLocked(s)
	c.mu.Unlock()
	if record {
		c.recordFinish(s)
	}
	metrics.CancelRequestsTotal.WithLabelValues("forced").Inc()
	logging.WarnWithContext(logger, "worker force-terminated", "job_force_stopped",
		logging.String(logging.FieldErrorHint, "worker ignored the cooperative cancel"),
		logging.String(logging.FieldImpact, "state reset to idle"),
	)
	return CancelForced, nil
}

// Upload stores a video as the current source. It occupies the job slot
// for its duration and can be cancelled with Cancel.
func (c *Coordinator) Upload(ctx context.Context, r io.Reader, name string, size int64) (acquisition.File, error) {
	if c.ingester == nil {
		return acquisition.File{}, services.Wrap(services.ErrConfiguration, "workflow", "upload", "Uploads are not configured", nil)
	}
	c.mu.Lock()
	if c.busyLocked() {
		c.mu.Unlock()
		return acquisition.File{}, services.Wrap(services.ErrConflict, "workflow", "upload", "A job is already running", nil)
	}
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.uploading = true
	c.uploadCancel = cancel
	c.store.PatchWithEvent(state.Patch{
		Phase:           state.Ptr(state.PhaseUploading),
		Progress:        state.Ptr(0),
		Processing:      state.Ptr(true),
		CancelRequested: state.Ptr(false),
	}, "Upload started", state.LevelInfo, EventType, map[string]any{"file": name})
	c.mu.Unlock()

	file, err := c.ingester.Ingest(uploadCtx, r, name, c.uploadLimit, size, storeReporter{store: c.store})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploading = false
	c.uploadCancel = nil
	done := state.Patch{Processing: state.Ptr(false), CancelRequested: state.Ptr(false)}
	switch {
	case err == nil:
		c.removeDerivedLocked()
		done.Phase = state.Ptr(state.PhaseIdle)
		done.Progress = state.Ptr(100)
		done.Video = state.Ptr(file.Name)
		done.VideoBytes = state.Ptr(file.SizeBytes)
		done.Converted = state.Ptr("")
		done.ConvertedBytes = state.Ptr(int64(0))
		done.Timestamps = state.Ptr([]confirm.Entry{})
		done.BBoxes = state.Ptr([]state.BBox{})
		done.ResultsText = state.Ptr("")
		c.store.PatchWithEvent(done, "Upload complete", state.LevelInfo, EventType, map[string]any{"file": file.Name})
	case services.IsCancelled(err) || ctx.Err() != nil:
		done.Phase = state.Ptr(state.PhaseIdle)
		done.Progress = state.Ptr(0)
		c.store.PatchWithEvent(done, "Upload cancelled", state.LevelWarning, EventType, nil)
		err = services.Cancelled("upload")
	default:
		done.Phase = state.Ptr(state.PhaseError)
		c.store.PatchWithEvent(done, "Upload failed: "+services.Message(err), state.LevelError, EventType, nil)
	}
	return file, err
}

// removeDerivedLocked deletes the converted file of the previous video.
func (c *Coordinator) removeDerivedLocked() {
	snap := c.store.Get()
	if snap.Converted != "" {
		if path, err := fileutil.Contained(c.paths.ConvertedDir, snap.Converted); err == nil {
			fileutil.RemoveQuiet(path)
		}
	}
}

// Reset returns the snapshot to defaults, keeping settings.
func (c *Coordinator) Reset(clearEvents bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busyLocked() {
		return services.Wrap(services.ErrConflict, "workflow", "reset", "Cannot reset while a job is running", nil)
	}
	c.store.Reset(clearEvents)
	c.store.AppendEvent("State reset", state.LevelInfo, EventType, nil)
	return nil
}

// ClearVideo deletes the current video and its converted copy.
func (c *Coordinator) ClearVideo() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busyLocked() {
		return services.Wrap(services.ErrConflict, "workflow", "clear video", "Cannot clear video while a job is running", nil)
	}
	snap := c.store.Get()
	if snap.Video != "" {
		if path, err := fileutil.Contained(c.paths.UploadDir, snap.Video); err == nil {
			fileutil.RemoveQuiet(path)
		}
	}
	c.removeDerivedLocked()
	c.store.PatchWithEvent(state.Patch{
		Phase:          state.Ptr(state.PhaseIdle),
		Progress:       state.Ptr(0),
		Video:          state.Ptr(""),
		VideoBytes:     state.Ptr(int64(0)),
		Converted:      state.Ptr(""),
		ConvertedBytes: state.Ptr(int64(0)),
		BBoxes:         state.Ptr([]state.BBox{}),
		Timestamps:     state.Ptr([]confirm.Entry{}),
		ResultsText:    state.Ptr(""),
	}, "Video cleared", state.LevelWarning, EventType, nil)
	return nil
}

// AttachRoster records a stored roster file as the current roster.
func (c *Coordinator) AttachRoster(name string, participants int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busyLocked() {
		return services.Wrap(services.ErrConflict, "workflow", "attach roster", "Cannot replace roster while a job is running", nil)
	}
	previous := c.store.Get().ProtocolRef
	if previous != "" && previous != name {
		if path, err := fileutil.Contained(c.paths.RosterDir, previous); err == nil {
			fileutil.RemoveQuiet(path)
		}
	}
	c.store.PatchWithEvent(state.Patch{ProtocolRef: state.Ptr(name)}, "Roster loaded", state.LevelInfo, EventType,
		map[string]any{"file": name, "participants": participants})
	return nil
}

// ClearRoster deletes the current roster.
func (c *Coordinator) ClearRoster() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busyLocked() {
		return services.Wrap(services.ErrConflict, "workflow", "clear roster", "Cannot clear roster while a job is running", nil)
	}
	if name := c.store.Get().ProtocolRef; name != "" {
		if path, err := fileutil.Contained(c.paths.RosterDir, name); err == nil {
			fileutil.RemoveQuiet(path)
		}
	}
	c.store.PatchWithEvent(state.Patch{ProtocolRef: state.Ptr("")}, "Roster cleared", state.LevelWarning, EventType, nil)
	return nil
}

// SetResultsText replaces the user-editable results text.
func (c *Coordinator) SetResultsText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busyLocked() {
		return services.Wrap(services.ErrConflict, "workflow", "edit results", "Cannot edit results while a job is running", nil)
	}
	c.store.Patch(state.Patch{ResultsText: state.Ptr(text)})
	return nil
}

// Reconcile resets a snapshot that claims a job is running when no worker
// is alive, which happens after a crash or restart.
func (c *Coordinator) Reconcile() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busyLocked() {
		return
	}
	snap := c.store.Get()
	if !snap.Phase.Active() && !snap.Processing && !snap.CancelRequested {
		return
	}
	c.store.PatchWithEvent(state.Patch{
		Phase:           state.Ptr(state.PhaseIdle),
		Progress:        state.Ptr(0),
		Processing:      state.Ptr(false),
		CancelRequested: state.Ptr(false),
	}, "Recovered stale job state: no worker running", state.LevelWarning, "reconcile",
		map[string]any{"phase": string(snap.Phase)})
	c.logger.Warn("stale job state reset",
		logging.String(logging.FieldEventType, "state_reconciled"),
		logging.String("phase", string(snap.Phase)),
		logging.String(logging.FieldErrorHint, "previous worker exited without reporting"),
		logging.String(logging.FieldImpact, "phase reset to idle"),
	)
}

// State reconciles and returns the current snapshot.
func (c *Coordinator) State() state.Snapshot {
	c.Reconcile()
	return c.store.Get()
}

// WaitForState long-polls the store for a version newer than since.
func (c *Coordinator) WaitForState(ctx context.Context, since uint64, timeout time.Duration) state.Snapshot {
	c.Reconcile()
	metrics.StateWaiters.Inc()
	defer metrics.StateWaiters.Dec()
	return c.store.WaitForVersion(ctx, since, timeout)
}

// Shutdown cancels any running job and waits for listeners to drain,
// forcing isolated workers once ctx expires.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	s := c.active
	if c.uploadCancel != nil {
		c.uploadCancel()
	}
	c.mu.Unlock()
	if s != nil && s.handle.IsAlive() {
		s.handle.RequestCancel()
	}

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		if s != nil {
			forceCtx, cancel := context.WithTimeout(context.Background(), c.forceTimeout)
			_ = s.handle.ForceStop(forceCtx)
			cancel()
		}
	}
	c.baseCancel()
}
