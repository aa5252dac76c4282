package workflow

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"bibwatch/internal/logging"
)

const (
	cancelCommand   = "cancel"
	maxMessageBytes = 8 << 20
)

// ProcessLauncher runs each job in a child process speaking the worker
// protocol: the JobSpec as one JSON line on stdin, an optional "cancel" line
// later, and one JSON Message per line on stdout.
type ProcessLauncher struct {
	Executable string
	Args       []string
	Env        []string
	Stderr     io.Writer
	Logger     *slog.Logger
}

// Launch implements LaunchFunc.
func (l ProcessLauncher) Launch(_ context.Context, spec JobSpec) (Handle, error) {
	logger := l.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	payload, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode job spec: %w", err)
	}

	cmd := exec.Command(l.Executable, l.Args...) //nolint:gosec
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		_ = cmd.Wait()
		return nil, fmt.Errorf("send job spec: %w", err)
	}

	h := &processHandle{
		cmd:      cmd,
		stdin:    stdin,
		messages: make(chan Message, messageBuffer),
		done:     make(chan struct{}),
		logger:   logger.With(logging.Int("worker_pid", cmd.Process.Pid)),
	}
	go h.read(stdout)
	return h, nil
}

type processHandle struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	messages chan Message
	done     chan struct{}
	logger   *slog.Logger

	mu         sync.Mutex
	cancelSent bool
	exitErr    error
}

func (h *processHandle) read(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxMessageBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			h.logger.Warn("worker sent malformed message",
				logging.String(logging.FieldEventType, "worker_message_invalid"),
				logging.Error(err),
				logging.String(logging.FieldImpact, "message dropped"),
			)
			continue
		}
		h.messages <- msg
	}
	if err := scanner.Err(); err != nil {
		h.logger.Warn("worker output stream failed",
			logging.String(logging.FieldEventType, "worker_stream_failed"),
			logging.Error(err),
		)
		_, _ = io.Copy(io.Discard, stdout)
	}
	err := h.cmd.Wait()
	_ = h.stdin.Close()
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.messages)
	close(h.done)
}

func (h *processHandle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *processHandle) RequestCancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelSent {
		return
	}
	h.cancelSent = true
	if _, err := io.WriteString(h.stdin, cancelCommand+"\n"); err != nil {
		h.logger.Debug("cancel not delivered", logging.Error(err))
	}
}

func (h *processHandle) ForceStop(ctx context.Context) error {
	if !h.IsAlive() {
		return nil
	}
	if err := unix.Kill(-h.cmd.Process.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill worker: %w", err)
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *processHandle) Messages() <-chan Message { return h.messages }

func (h *processHandle) Done() <-chan struct{} { return h.done }

// ExitErr returns the worker's exit status once Done is closed.
func (h *processHandle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}
