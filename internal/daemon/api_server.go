package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bibwatch/internal/api"
	"bibwatch/internal/config"
	"bibwatch/internal/fileutil"
	"bibwatch/internal/logging"
	"bibwatch/internal/services"
	"bibwatch/internal/workflow"
)

const (
	maxRosterBytes     = 2 << 20
	maxJSONBytes       = 1 << 20
	maxLongPollSeconds = 120
)

type apiServer struct {
	cfg    *config.Config
	bind   string
	token  string
	logger *slog.Logger
	daemon *Daemon

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	return &apiServer{
		cfg:    cfg,
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		token:  cfg.Paths.APIToken,
		logger: logger,
		daemon: d,
	}
}

// routes builds the HTTP command surface.
func (s *apiServer) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(metricsMiddleware, authMiddleware(s.token), s.requestMiddleware)
	apiRouter.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	apiRouter.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	apiRouter.HandleFunc("/state/reset", s.handleReset).Methods(http.MethodPost)
	apiRouter.HandleFunc("/jobs", s.handleStartJob).Methods(http.MethodPost)
	apiRouter.HandleFunc("/jobs/cancel", s.handleCancel).Methods(http.MethodPost)
	apiRouter.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	apiRouter.HandleFunc("/video", s.handleClearVideo).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/roster", s.handleRosterUpload).Methods(http.MethodPost)
	apiRouter.HandleFunc("/roster", s.handleClearRoster).Methods(http.MethodDelete)
	apiRouter.HandleFunc("/results", s.handleResults).Methods(http.MethodPut)
	apiRouter.HandleFunc("/files/{kind}/{name}", s.handleFile).Methods(http.MethodGet)
	return r
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil || s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	s.log().Info("api server listening",
		logging.String(logging.FieldEventType, "api_listening"),
		logging.String("address", listener.Addr().String()),
		logging.Bool("auth", s.token != ""),
	)
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
}

func (s *apiServer) address() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := api.FromHealth(s.daemon.Health(r.Context()))
	resp := api.HealthResponse{Status: "ok", Components: components}
	code := http.StatusOK
	if !api.Healthy(components) {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

// handleState returns the snapshot immediately, or long-polls when since
// is given.
func (s *apiServer) handleState(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	raw := strings.TrimSpace(query.Get("since"))
	if raw == "" {
		s.writeJSON(w, http.StatusOK, s.daemon.State())
		return
	}
	since, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeError(w, services.Wrap(services.ErrValidation, "api", "state", "since must be a version number", err))
		return
	}
	var timeout time.Duration
	if value := strings.TrimSpace(query.Get("timeout")); value != "" {
		seconds, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsNaN(seconds) || seconds < 0 {
			s.writeError(w, services.Wrap(services.ErrValidation, "api", "state", "timeout must be a non-negative number of seconds", err))
			return
		}
		// Bound before converting so huge values cannot overflow Duration.
		timeout = time.Duration(min(seconds, maxLongPollSeconds) * float64(time.Second))
	}
	s.writeJSON(w, http.StatusOK, s.daemon.WaitForState(r.Context(), since, timeout))
}

func (s *apiServer) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req workflow.JobRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	spec, err := s.daemon.StartJob(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.StartJobResponse{JobID: spec.ID, Kind: spec.Kind, URL: spec.URL})
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.daemon.CancelJob(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CancelResponse{Outcome: outcome})
}

func (s *apiServer) handleReset(w http.ResponseWriter, r *http.Request) {
	clearEvents := parseBool(r.URL.Query().Get("clear_events"))
	if err := s.daemon.Reset(clearEvents); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.daemon.State())
}

func (s *apiServer) handleClearVideo(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.ClearVideo(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.daemon.State())
}

func (s *apiServer) handleClearRoster(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.ClearRoster(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.daemon.State())
}

func (s *apiServer) handleResults(w http.ResponseWriter, r *http.Request) {
	var req api.ResultsRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.daemon.SetResultsText(req.Text); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.daemon.State())
}

// handleUpload streams the "file" part of a multipart body straight into
// the upload directory.
func (s *apiServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	part, err := filePart(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer part.Close()
	file, err := s.daemon.Upload(r.Context(), part, part.FileName(), -1)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.UploadResponse{File: file.Name, SizeBytes: file.SizeBytes})
}

func (s *apiServer) handleRosterUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRosterBytes)
	part, err := filePart(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer part.Close()
	raw, err := io.ReadAll(part)
	if err != nil {
		s.writeError(w, services.Wrap(services.ErrValidation, "api", "roster upload", "Failed to read roster upload", err))
		return
	}
	name, participants, err := s.daemon.SaveRoster(part.FileName(), raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.RosterResponse{File: name, Participants: participants})
}

// handleFile serves a stored video, converted video, or roster by name.
func (s *apiServer) handleFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var dir string
	switch vars["kind"] {
	case "video":
		dir = s.cfg.Paths.UploadDir
	case "converted":
		dir = s.cfg.Paths.ConvertedDir
	case "roster":
		dir = s.cfg.Paths.RosterDir
	default:
		s.writeError(w, services.Wrap(services.ErrNotFound, "api", "file", "Unknown file kind: "+vars["kind"], nil))
		return
	}
	path, err := fileutil.Contained(dir, vars["name"])
	if err != nil {
		s.writeError(w, services.Wrap(services.ErrNotFound, "api", "file", "File not found", err))
		return
	}
	if _, ok := fileutil.NonEmptyFile(path); !ok {
		s.writeError(w, services.Wrap(services.ErrNotFound, "api", "file", "File not found: "+vars["name"], nil))
		return
	}
	http.ServeFile(w, r, path)
}

// filePart returns the first multipart part named "file".
func filePart(r *http.Request) (*multipart.Part, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "api", "upload", "Expected a multipart/form-data body", err)
	}
	for {
		part, err := reader.NextPart()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return nil, err
			}
			return nil, services.Wrap(services.ErrValidation, "api", "upload", "Missing file field", err)
		}
		if part.FormName() == "file" && part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

func (s *apiServer) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return services.Wrap(services.ErrValidation, "api", "decode", "Malformed JSON body", err)
	}
	return nil
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	status := api.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log().Error("api request failed", logging.Error(err), logging.String(logging.FieldEventType, "api_error"))
	}
	s.writeJSON(w, status, api.NewError(err))
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String(logging.FieldComponent, "api-server"))
	}
	return logging.NewNop()
}

func parseBool(value string) bool {
	ok, err := strconv.ParseBool(strings.TrimSpace(value))
	return err == nil && ok
}
