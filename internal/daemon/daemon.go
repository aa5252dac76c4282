package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"bibwatch/internal/acquisition"
	"bibwatch/internal/api"
	"bibwatch/internal/config"
	"bibwatch/internal/deps"
	"bibwatch/internal/fileutil"
	"bibwatch/internal/logging"
	"bibwatch/internal/preflight"
	"bibwatch/internal/roster"
	"bibwatch/internal/services"
	"bibwatch/internal/stage"
	"bibwatch/internal/state"
	"bibwatch/internal/statedb"
	"bibwatch/internal/workflow"
)

const mirrorInterval = 250 * time.Millisecond

// Options are the collaborators a Daemon runs.
type Options struct {
	Config      *config.Config
	Store       *state.Store
	Coordinator *workflow.Coordinator
	// Mirror is optional; without it state is memory-only.
	Mirror  *statedb.Store
	Logger  *slog.Logger
	Version string
}

// Daemon owns the process lifecycle.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *state.Store
	coord   *workflow.Coordinator
	mirror  *statedb.Store
	version string

	lockPath string
	lock     *flock.Flock

	api *apiServer

	running    atomic.Bool
	cancel     context.CancelFunc
	mirrorDone chan struct{}

	mirrorErr atomic.Pointer[string]

	checksMu     sync.RWMutex
	dependencies []deps.Status
	checks       []preflight.Result
}

// New constructs a daemon with initialized dependencies.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil || opts.Store == nil || opts.Coordinator == nil {
		return nil, errors.New("daemon requires config, state store, and coordinator")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := opts.Config.LockPath()
	d := &Daemon{
		cfg:      opts.Config,
		logger:   logger.With(logging.String(logging.FieldComponent, "daemon")),
		store:    opts.Store,
		coord:    opts.Coordinator,
		mirror:   opts.Mirror,
		version:  opts.Version,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(opts.Config, d, logger)
	return d, nil
}

// Start acquires the single-instance lock, restores durable state, and
// begins serving.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another bibwatch daemon instance is already running")
	}

	if err := d.restore(ctx); err != nil {
		logging.WarnWithContext(d.logger, "state restore failed", "state_restore_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "delete "+d.cfg.DatabasePath()+" if the problem persists"),
			logging.String(logging.FieldImpact, "starting with default settings"),
		)
	}
	d.coord.Reconcile()
	d.runChecks(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	if d.mirror != nil {
		d.mirrorDone = make(chan struct{})
		go func() {
			defer close(d.mirrorDone)
			d.store.RunMirror(runCtx, countingMirror{inner: d.mirror, last: &d.mirrorErr}, mirrorInterval)
		}()
	}
	if err := d.api.start(runCtx); err != nil {
		cancel()
		d.waitMirror()
		_ = d.lock.Unlock()
		return err
	}
	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("bibwatch daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("api", d.api.address()),
	)
	return nil
}

func (d *Daemon) restore(ctx context.Context) error {
	if d.mirror == nil {
		return nil
	}
	saved, found, err := d.mirror.LoadSnapshot(ctx)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	saved = d.dropMissingFiles(saved)
	d.store.Restore(saved)
	d.logger.Info("state restored",
		logging.String(logging.FieldEventType, "state_restored"),
		logging.String("video", saved.Video),
		logging.String("roster", saved.ProtocolRef),
	)
	return nil
}

// dropMissingFiles forgets persisted file references whose files are gone.
func (d *Daemon) dropMissingFiles(snap state.Snapshot) state.Snapshot {
	exists := func(dir, name string) bool {
		if name == "" {
			return false
		}
		path, err := fileutil.Contained(dir, name)
		if err != nil {
			return false
		}
		_, ok := fileutil.NonEmptyFile(path)
		return ok
	}
	if !exists(d.cfg.Paths.UploadDir, snap.Video) {
		snap.Video, snap.VideoBytes = "", 0
	}
	if !exists(d.cfg.Paths.ConvertedDir, snap.Converted) {
		snap.Converted, snap.ConvertedBytes = "", 0
	}
	if !exists(d.cfg.Paths.RosterDir, snap.ProtocolRef) {
		snap.ProtocolRef = ""
	}
	return snap
}

func (d *Daemon) runChecks(ctx context.Context) {
	dependencies := preflight.CheckSystemDeps(ctx, d.cfg)
	checks := preflight.RunAll(ctx, d.cfg)
	for _, dep := range deps.MissingRequired(dependencies) {
		logging.WarnWithContext(d.logger, "dependency unavailable", "dependency_missing",
			logging.String("dependency", dep.Name),
			logging.String("detail", dep.Detail),
			logging.String(logging.FieldErrorHint, "install "+dep.Name+" or set its path in the [tools] section"),
			logging.String(logging.FieldImpact, dep.Description),
		)
	}
	for _, check := range checks {
		if !check.Passed {
			logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
				logging.String("check", check.Name),
				logging.String("detail", check.Detail),
			)
		}
	}
	d.checksMu.Lock()
	d.dependencies = dependencies
	d.checks = checks
	d.checksMu.Unlock()
}

func (d *Daemon) waitMirror() {
	if d.mirrorDone != nil {
		<-d.mirrorDone
		d.mirrorDone = nil
	}
}

// Stop cancels the active job, flushes the mirror, and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	d.coord.Shutdown(shutdownCtx)
	cancel()

	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.waitMirror()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_unlock_failed"),
		)
	}
	d.running.Store(false)
	d.logger.Info("bibwatch daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.mirror != nil {
		return d.mirror.Close()
	}
	return nil
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) api.DaemonStatus {
	snap := d.store.Get()
	d.checksMu.RLock()
	dependencies := append([]deps.Status(nil), d.dependencies...)
	d.checksMu.RUnlock()
	status := api.DaemonStatus{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Version:      d.version,
		Phase:        string(snap.Phase),
		JobID:        snap.JobID,
		Progress:     snap.Progress,
		Busy:         d.coord.Busy(),
		APIAddress:   d.api.address(),
		LockFilePath: d.lockPath,
		Health:       api.FromHealth(d.Health(ctx)),
		Dependencies: api.FromDependencies(dependencies),
	}
	if d.mirror != nil {
		status.DatabasePath = d.mirror.Path()
	}
	return status
}

// Health reports readiness of the state mirror, the startup checks, and
// the required tools.
func (d *Daemon) Health(context.Context) []stage.Health {
	var health []stage.Health
	switch {
	case d.mirror == nil:
		health = append(health, stage.Unhealthy("state_mirror", "not configured"))
	case d.mirrorErr.Load() != nil:
		health = append(health, stage.Unhealthy("state_mirror", *d.mirrorErr.Load()))
	default:
		health = append(health, stage.Healthy("state_mirror"))
	}
	d.checksMu.RLock()
	defer d.checksMu.RUnlock()
	for _, check := range d.checks {
		if check.Passed {
			health = append(health, stage.Healthy(check.Name))
		} else {
			health = append(health, stage.Unhealthy(check.Name, check.Detail))
		}
	}
	for _, dep := range d.dependencies {
		switch {
		case dep.Available:
			health = append(health, stage.Healthy(dep.Name))
		case !dep.Optional:
			health = append(health, stage.Unhealthy(dep.Name, dep.Detail))
		}
	}
	return health
}

// StartJob resolves req against current state and launches it.
func (d *Daemon) StartJob(ctx context.Context, req workflow.JobRequest) (workflow.JobSpec, error) {
	return d.coord.Start(ctx, d.coord.Prepare(req))
}

// CancelJob requests cancellation, escalating on repeat.
func (d *Daemon) CancelJob(ctx context.Context) (workflow.CancelOutcome, error) {
	return d.coord.Cancel(ctx)
}

// State returns the reconciled snapshot.
func (d *Daemon) State() state.Snapshot {
	return d.coord.State()
}

// WaitForState long-polls for a snapshot newer than since. The wait is
// capped at the configured long-poll window, which is also the default.
func (d *Daemon) WaitForState(ctx context.Context, since uint64, timeout time.Duration) state.Snapshot {
	limit := time.Duration(d.cfg.Job.LongPollSeconds) * time.Second
	if timeout <= 0 || timeout > limit {
		timeout = limit
	}
	return d.coord.WaitForState(ctx, since, timeout)
}

// Reset clears media references and results.
func (d *Daemon) Reset(clearEvents bool) error {
	return d.coord.Reset(clearEvents)
}

// ClearVideo deletes the current video.
func (d *Daemon) ClearVideo() error {
	return d.coord.ClearVideo()
}

// ClearRoster deletes the current roster.
func (d *Daemon) ClearRoster() error {
	return d.coord.ClearRoster()
}

// SetResultsText stores user-edited results.
func (d *Daemon) SetResultsText(text string) error {
	return d.coord.SetResultsText(text)
}

// SaveRoster parses and stores a roster CSV, then makes it current.
func (d *Daemon) SaveRoster(name string, raw []byte) (string, int, error) {
	if d.coord.Busy() {
		return "", 0, services.Wrap(services.ErrConflict, "roster", "save", "Cannot replace roster while a job is running", nil)
	}
	fileName, parsed, err := roster.Save(d.cfg.Paths.RosterDir, name, raw)
	if err != nil {
		return "", 0, err
	}
	if err := d.coord.AttachRoster(fileName, parsed.Len()); err != nil {
		fileutil.RemoveQuiet(filepath.Join(d.cfg.Paths.RosterDir, fileName))
		return "", 0, err
	}
	return fileName, parsed.Len(), nil
}

// Coordinator exposes the job coordinator to the HTTP layer.
func (d *Daemon) Coordinator() *workflow.Coordinator {
	return d.coord
}

// Upload stores a video as the current source.
func (d *Daemon) Upload(ctx context.Context, r io.Reader, name string, size int64) (acquisition.File, error) {
	return d.coord.Upload(ctx, r, name, size)
}
