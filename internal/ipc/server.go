package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"bibwatch/internal/daemon"
	"bibwatch/internal/logging"
	"bibwatch/internal/services"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: serverCtx}
	if err := rpcServer.RegisterName(serviceName, srv); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually"))
	}
}

const serviceName = "Bibwatch"

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) log() *slog.Logger {
	if s.logger == nil {
		return logging.NewNop()
	}
	return s.logger.With(logging.String(logging.FieldComponent, "ipc"))
}

// requestContext tags a call with a correlation id.
func (s *service) requestContext() context.Context {
	return services.WithRequestID(s.ctx, uuid.NewString())
}

// command runs a state-changing call and logs its outcome.
func (s *service) command(ctx context.Context, name string, fn func() error) error {
	err := fn()
	logger := logging.WithContext(ctx, s.log())
	if err != nil {
		logger.Info("ipc command rejected",
			logging.String(logging.FieldEventType, "ipc_command_rejected"),
			logging.String("command", name),
			logging.Error(err),
		)
		return errors.New(services.Message(err))
	}
	logger.Info("ipc command",
		logging.String(logging.FieldEventType, "ipc_command"),
		logging.String("command", name),
	)
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	*resp = s.daemon.Status(s.ctx)
	return nil
}

func (s *service) StartJob(req StartJobRequest, resp *StartJobResponse) error {
	ctx := s.requestContext()
	return s.command(ctx, "start_job", func() error {
		spec, err := s.daemon.StartJob(ctx, req)
		if err != nil {
			return err
		}
		resp.JobID, resp.Kind, resp.URL = spec.ID, spec.Kind, spec.URL
		return nil
	})
}

func (s *service) CancelJob(_ CancelJobRequest, resp *CancelJobResponse) error {
	ctx := s.requestContext()
	return s.command(ctx, "cancel_job", func() error {
		outcome, err := s.daemon.CancelJob(ctx)
		resp.Outcome = outcome
		return err
	})
}

func (s *service) State(_ StateRequest, resp *StateResponse) error {
	resp.Snapshot = s.daemon.State()
	return nil
}

func (s *service) WaitState(req WaitStateRequest, resp *StateResponse) error {
	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	resp.Snapshot = s.daemon.WaitForState(s.ctx, req.Since, timeout)
	return nil
}

func (s *service) Reset(req ResetRequest, resp *StateResponse) error {
	ctx := s.requestContext()
	return s.command(ctx, "reset", func() error {
		if err := s.daemon.Reset(req.ClearEvents); err != nil {
			return err
		}
		resp.Snapshot = s.daemon.State()
		return nil
	})
}

func (s *service) ClearVideo(_ ClearRequest, resp *StateResponse) error {
	ctx := s.requestContext()
	return s.command(ctx, "clear_video", func() error {
		if err := s.daemon.ClearVideo(); err != nil {
			return err
		}
		resp.Snapshot = s.daemon.State()
		return nil
	})
}

func (s *service) ClearRoster(_ ClearRequest, resp *StateResponse) error {
	ctx := s.requestContext()
	return s.command(ctx, "clear_roster", func() error {
		if err := s.daemon.ClearRoster(); err != nil {
			return err
		}
		resp.Snapshot = s.daemon.State()
		return nil
	})
}

func (s *service) SetResults(req ResultsRequest, resp *StateResponse) error {
	ctx := s.requestContext()
	return s.command(ctx, "set_results", func() error {
		if err := s.daemon.SetResultsText(req.Text); err != nil {
			return err
		}
		resp.Snapshot = s.daemon.State()
		return nil
	})
}

func (s *service) UploadVideo(req PathRequest, resp *UploadResponse) error {
	ctx := s.requestContext()
	return s.command(ctx, "upload_video", func() error {
		f, err := os.Open(req.Path)
		if err != nil {
			return services.Wrap(services.ErrNotFound, "ipc", "upload video", "Cannot open "+req.Path, err)
		}
		defer f.Close()
		var size int64 = -1
		if info, err := f.Stat(); err == nil {
			size = info.Size()
		}
		file, err := s.daemon.Upload(ctx, f, filepath.Base(req.Path), size)
		if err != nil {
			return err
		}
		resp.File, resp.SizeBytes = file.Name, file.SizeBytes
		return nil
	})
}

func (s *service) LoadRoster(req PathRequest, resp *RosterResponse) error {
	ctx := s.requestContext()
	return s.command(ctx, "load_roster", func() error {
		raw, err := os.ReadFile(req.Path)
		if err != nil {
			return services.Wrap(services.ErrNotFound, "ipc", "load roster", "Cannot read "+req.Path, err)
		}
		name, participants, err := s.daemon.SaveRoster(filepath.Base(req.Path), raw)
		if err != nil {
			return err
		}
		resp.File, resp.Participants = name, participants
		return nil
	})
}
