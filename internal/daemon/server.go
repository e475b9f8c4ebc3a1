// Package daemon serves one engine over a unix socket so several producers
// can feed labels to the same run. Requests are serialized.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/g960059/labelfsm/internal/api"
	"github.com/g960059/labelfsm/internal/config"
	"github.com/g960059/labelfsm/internal/stateengine"
)

const (
	ErrCodeInvalid      = "E_REQUEST_INVALID"
	ErrCodeUnknownState = "E_UNKNOWN_STATE"
	ErrCodeSwitch       = "E_PROFILE_SWITCH"
	ErrCodeInternal     = "E_INTERNAL"

	maxRequestBytes = 1 << 20
	maxLabels       = 10000
)

type Server struct {
	cfg         config.Config
	httpSrv     *http.Server
	listener    net.Listener
	lockFile    *os.File
	fsm         *stateengine.Fsm
	engineMu    sync.Mutex
	mu          sync.Mutex
	shutdown    sync.Once
	shutdownErr error
	now         func() time.Time
}

// NewServer wires the HTTP routes. gatherer may be nil, in which case
// /metrics is not served.
func NewServer(cfg config.Config, fsm *stateengine.Fsm, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg: cfg,
		fsm: fsm,
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.HandleFunc("/v1/status", s.statusHandler)
	mux.HandleFunc("/v1/labels", s.labelsHandler)
	mux.HandleFunc("/v1/profile", s.profileHandler)
	mux.HandleFunc("/v1/reset", s.resetHandler)
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler exposes the routes for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Status:        "ok",
		RunID:         s.fsm.RunID(),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	s.engineMu.Lock()
	resp := s.status()
	s.engineMu.Unlock()
	s.writeJSON(w, http.StatusOK, resp)
}

// status must be called with engineMu held.
func (s *Server) status() api.StatusResponse {
	profiles := s.fsm.Manager().Profiles()
	names := make([]string, 0, len(profiles))
	for _, p := range profiles {
		names = append(names, p.Name())
	}
	resp := api.StatusResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		RunID:         s.fsm.RunID(),
		Enable:        s.fsm.Enabled(),
		Strategy:      s.fsm.Manager().Switcher().Strategy().String(),
		ActiveProfile: s.fsm.ActiveProfile().Name(),
		Profiles:      names,
	}
	if last, ok := s.fsm.LastResult(); ok {
		step := api.FromStepResult(last)
		resp.Last = &step
	}
	return resp
}

// labelsHandler processes labels in order. On the first rejected label the
// error is returned and later labels are not processed; earlier ones stay
// applied.
func (s *Server) labelsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.LabelsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Labels) == 0 || len(req.Labels) > maxLabels {
		s.writeError(w, http.StatusBadRequest, ErrCodeInvalid, fmt.Sprintf("labels must hold 1..%d ids", maxLabels))
		return
	}

	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	env := api.StepsEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		RunID:         s.fsm.RunID(),
		Steps:         make([]api.StepResponse, 0, len(req.Labels)),
	}
	for i, id := range req.Labels {
		res, err := s.fsm.ProcessState(id)
		if err != nil {
			if errors.Is(err, stateengine.ErrUnknownState) {
				s.writeError(w, http.StatusUnprocessableEntity, ErrCodeUnknownState, fmt.Sprintf("label %d (index %d): %v", id, i, err))
				return
			}
			s.writeError(w, http.StatusInternalServerError, ErrCodeInternal, err.Error())
			return
		}
		if res.Empty {
			continue
		}
		env.Steps = append(env.Steps, api.FromStepResult(res))
	}
	s.writeJSON(w, http.StatusOK, env)
}

func (s *Server) profileHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.SwitchRequest
	if !s.decode(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if (name == "") == (req.MappedID == nil) {
		s.writeError(w, http.StatusBadRequest, ErrCodeInvalid, "exactly one of name or mapped_id is required")
		return
	}

	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	var err error
	if name != "" {
		err = s.fsm.SwitchProfileByName(name)
	} else {
		err = s.fsm.SwitchProfileByMappedID(*req.MappedID)
	}
	if err != nil {
		s.writeError(w, http.StatusConflict, ErrCodeSwitch, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ResetRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	if strings.TrimSpace(req.Profile) == "" {
		s.fsm.Reset()
	} else if err := s.fsm.ResetProfile(req.Profile); err != nil {
		s.writeError(w, http.StatusNotFound, ErrCodeSwitch, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.status())
}

// decode reads a JSON body. An empty body decodes to the zero value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, ErrCodeInvalid, "invalid json body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, ErrCodeInvalid, "method not allowed")
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
