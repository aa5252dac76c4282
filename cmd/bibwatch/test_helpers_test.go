package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"bibwatch/internal/acquisition"
	"bibwatch/internal/confirm"
	"bibwatch/internal/config"
	"bibwatch/internal/daemon"
	"bibwatch/internal/ipc"
	"bibwatch/internal/logging"
	"bibwatch/internal/state"
	"bibwatch/internal/testsupport"
	"bibwatch/internal/workflow"
)

type runnerFunc func(ctx context.Context, spec workflow.JobSpec, emit func(workflow.Message))

func (f runnerFunc) Execute(ctx context.Context, spec workflow.JobSpec, emit func(workflow.Message)) {
	f(ctx, spec, emit)
}

// finishingRunner confirms one bib and ends in done.
func finishingRunner() runnerFunc {
	return func(_ context.Context, _ workflow.JobSpec, emit func(workflow.Message)) {
		defer emit(workflow.Message{Kind: workflow.KindFinal})
		emit(workflow.Message{Kind: workflow.KindEvent, Event: &state.Event{
			Timestamp: time.Now().UTC(),
			Level:     state.LevelInfo,
			Type:      workflow.EventType,
			Message:   "Analysis started",
		}})
		emit(workflow.Message{Kind: workflow.KindPatch, Patch: &state.Patch{
			Phase:       state.Ptr(state.PhaseDone),
			Progress:    state.Ptr(100),
			Processing:  state.Ptr(false),
			Timestamps:  state.Ptr([]confirm.Entry{{TimeSeconds: 65, TimeText: "00:01:05", Bib: "101", Name: "Anna Ivanova"}}),
			ResultsText: state.Ptr("00:01:05 101 Anna Ivanova\n"),
		}})
	}
}

type cliTestEnv struct {
	cfg        *config.Config
	store      *state.Store
	daemon     *daemon.Daemon
	server     *ipc.Server
	socketPath string
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries(), testsupport.WithAPIToken("cli-secret"))

	configPath := filepath.Join(homeDir, ".config", "bibwatch", "config.toml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	writeTestConfig(t, configPath, cfg)

	mirror := testsupport.MustOpenStore(t, cfg)
	store := state.New()
	logger := logging.NewNop()
	coord := workflow.NewCoordinator(workflow.Options{
		Store:     store,
		InProcess: workflow.GoroutineLauncher(finishingRunner()),
		Ingester: acquisition.New(acquisition.Options{
			UploadDir: cfg.Paths.UploadDir,
			WorkDir:   cfg.Paths.UploadDir,
		}),
		Paths: workflow.Paths{
			UploadDir:    cfg.Paths.UploadDir,
			ConvertedDir: cfg.Paths.ConvertedDir,
			RosterDir:    cfg.Paths.RosterDir,
		},
		ForceStopTimeout: time.Second,
		Logger:           logger,
	})
	d, err := daemon.New(daemon.Options{Config: cfg, Store: store, Coordinator: coord, Mirror: mirror, Logger: logger, Version: "test"})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		cancel()
		t.Fatalf("daemon start: %v", err)
	}
	socketPath := cfg.SocketPath()
	srv, err := ipc.NewServer(ctx, socketPath, d, logger)
	if err != nil {
		cancel()
		d.Stop()
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	t.Cleanup(func() {
		cancel()
		srv.Close()
		d.Stop()
	})

	return &cliTestEnv{
		cfg:        cfg,
		store:      store,
		daemon:     d,
		server:     srv,
		socketPath: socketPath,
		configPath: configPath,
		baseDir:    base,
	}
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(""))
	var flags []string
	if socket != "" {
		flags = append(flags, "--socket", socket)
	}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
