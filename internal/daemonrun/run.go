// Package daemonrun assembles the bibwatch runtime: it builds the logger,
// state store, mirror, job coordinator, daemon, and IPC server from a
// loaded configuration and runs them until a signal arrives. It also hosts
// the entry point of isolated worker processes.
package daemonrun

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"bibwatch/internal/config"
	"bibwatch/internal/daemon"
	"bibwatch/internal/ipc"
	"bibwatch/internal/logging"
	"bibwatch/internal/metrics"
	"bibwatch/internal/notifications"
	"bibwatch/internal/state"
	"bibwatch/internal/statedb"
	"bibwatch/internal/workflow"
)

// WorkerCommand is the hidden subcommand isolated workers run under.
const WorkerCommand = "worker"

// Options configures daemon process runtime behavior.
type Options struct {
	// ConfigPath is handed to isolated workers so they load the same config.
	ConfigPath  string
	LogLevel    string
	Development bool
	Version     string
}

// Run starts the bibwatch daemon runtime loop.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	metrics.SetAppInfo(opts.Version, runtime.Version())

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	mirror, err := statedb.Open(cfg.DatabasePath())
	if err != nil {
		logger.Error("open state database", logging.Error(err))
		return err
	}

	store := state.New(
		state.WithLogger(logger),
		state.WithObserver(daemon.ObserveState),
	)
	coord, err := newCoordinator(cfg, store, logger, opts)
	if err != nil {
		mirror.Close()
		return err
	}

	d, err := daemon.New(daemon.Options{
		Config:      cfg,
		Store:       store,
		Coordinator: coord,
		Mirror:      mirror,
		Logger:      logger,
		Version:     opts.Version,
	})
	if err != nil {
		mirror.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check for another running instance and api_bind availability"),
		)
		return err
	}

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger)
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	<-signalCtx.Done()
	logger.Info("bibwatch daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

// newCoordinator wires the pipeline into in-process and, when configured,
// process-isolated launchers.
func newCoordinator(cfg *config.Config, store *state.Store, logger *slog.Logger, opts Options) (*workflow.Coordinator, error) {
	deps, acquirer := workflow.NewDeps(cfg, logger)
	coordOpts := workflow.Options{
		Store:     store,
		InProcess: workflow.GoroutineLauncher(workflow.NewPipeline(deps)),
		Ingester:  acquirer,
		Paths: workflow.Paths{
			UploadDir:    cfg.Paths.UploadDir,
			ConvertedDir: cfg.Paths.ConvertedDir,
			RosterDir:    cfg.Paths.RosterDir,
		},
		MaxUploadBytes:   cfg.MaxUploadBytes(),
		ForceStopTimeout: time.Duration(cfg.Job.ForceStopTimeoutSeconds) * time.Second,
		Notifier:         notifications.NewService(cfg),
		Logger:           logger,
	}
	if cfg.Job.Isolation == config.IsolationProcess {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable for worker processes: %w", err)
		}
		args := []string{WorkerCommand}
		if opts.ConfigPath != "" {
			args = append(args, "--config", opts.ConfigPath)
		}
		coordOpts.Isolated = workflow.ProcessLauncher{
			Executable: exe,
			Args:       args,
			Stderr:     os.Stderr,
			Logger:     logger,
		}.Launch
	}
	return workflow.NewCoordinator(coordOpts), nil
}

// RunWorker executes one job read from in and streams its messages to out.
// Logs go to errOut as JSON so the parent can forward them.
func RunWorker(ctx context.Context, cfg *config.Config, in io.Reader, out, errOut io.Writer) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	signalCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := logging.NewWorker(cfg, errOut)
	if err != nil {
		return fmt.Errorf("init worker logger: %w", err)
	}
	deps, _ := workflow.NewDeps(cfg, logger)
	return workflow.RunWorker(signalCtx, in, out, workflow.NewPipeline(deps))
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
