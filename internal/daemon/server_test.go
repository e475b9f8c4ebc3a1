package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/g960059/labelfsm/internal/api"
	"github.com/g960059/labelfsm/internal/config"
	"github.com/g960059/labelfsm/internal/stateengine"
	"github.com/g960059/labelfsm/internal/telemetry"
	"github.com/g960059/labelfsm/internal/testutil"
)

func newTestServer(t *testing.T, strategy string) (*Server, *stateengine.Fsm) {
	t.Helper()
	fsmCfg := testutil.MustBuild(t, fmt.Sprintf(testutil.TwoProfileYAML, strategy))
	reg := prometheus.NewRegistry()
	m, err := telemetry.NewMetrics(reg)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	fsm, err := stateengine.New(fsmCfg, stateengine.WithObserver(m))
	if err != nil {
		t.Fatalf("new fsm: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(t.TempDir(), "labelfsmd.sock")
	return NewServer(cfg, fsm, reg), fsm
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func TestHealthAndStatus(t *testing.T) {
	srv, fsm := newTestServer(t, "manual")
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var health api.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.RunID != fsm.RunID() {
		t.Fatalf("unexpected health %+v", health)
	}

	rec = do(t, h, http.MethodGet, "/v1/status", nil)
	var status api.StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.ActiveProfile != "empty_then_fill" || status.Strategy != "manual" || len(status.Profiles) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Last != nil {
		t.Fatalf("no step processed yet, got %+v", status.Last)
	}

	rec = do(t, h, http.MethodPost, "/v1/health", nil)
	if rec.Code != http.StatusMethodNotAllowed || rec.Header().Get("Allow") != http.MethodGet {
		t.Fatalf("expected 405 with Allow header, got %d %q", rec.Code, rec.Header().Get("Allow"))
	}
}

func TestLabelsCompleteStage(t *testing.T) {
	srv, _ := newTestServer(t, "manual")
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/v1/labels", api.LabelsRequest{Labels: []int{1, 2, 1}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var env api.StepsEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode steps: %v", err)
	}
	if len(env.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(env.Steps))
	}
	last := env.Steps[2]
	if !last.StageDone || last.Step != 3 || last.State != "EMPTY" {
		t.Fatalf("expected stage done on step 3, got %+v", last)
	}

	rec = do(t, h, http.MethodGet, "/v1/status", nil)
	var status api.StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Last == nil || status.Last.Step != 3 {
		t.Fatalf("status should report last step, got %+v", status.Last)
	}
}

func TestLabelsRejectUnknownAndStopProcessing(t *testing.T) {
	srv, fsm := newTestServer(t, "manual")
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/v1/labels", api.LabelsRequest{Labels: []int{1, 99, 2}})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error.Code != ErrCodeUnknownState {
		t.Fatalf("expected %s, got %+v", ErrCodeUnknownState, resp.Error)
	}
	last, ok := fsm.LastResult()
	if !ok || last.StepIndex != 1 {
		t.Fatalf("only the first label should be applied, got %+v", last)
	}
}

func TestLabelsValidation(t *testing.T) {
	srv, _ := newTestServer(t, "manual")
	h := srv.Handler()

	cases := []struct {
		name string
		body any
	}{
		{name: "empty", body: api.LabelsRequest{}},
		{name: "malformed", body: "{"},
		{name: "unknown field", body: `{"labels":[1],"extra":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/labels", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if resp := decodeError(t, rec); resp.Error.Code != ErrCodeInvalid {
				t.Fatalf("expected %s, got %+v", ErrCodeInvalid, resp.Error)
			}
		})
	}
}

func TestProfileSwitchAndReset(t *testing.T) {
	srv, fsm := newTestServer(t, "manual")
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/v1/profile", api.SwitchRequest{Name: "full_first"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := fsm.ActiveProfile().Name(); got != "full_first" {
		t.Fatalf("expected full_first active, got %s", got)
	}

	id := 999
	rec = do(t, h, http.MethodPost, "/v1/profile", api.SwitchRequest{MappedID: &id})
	if rec.Code != http.StatusOK {
		t.Fatalf("unmapped id should fall back to the default profile, got %d", rec.Code)
	}
	if got := fsm.ActiveProfile().Name(); got != "empty_then_fill" {
		t.Fatalf("expected default profile, got %s", got)
	}

	rec = do(t, h, http.MethodPost, "/v1/profile", api.SwitchRequest{Name: "missing"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error.Code != ErrCodeSwitch {
		t.Fatalf("expected %s, got %+v", ErrCodeSwitch, resp.Error)
	}

	rec = do(t, h, http.MethodPost, "/v1/profile", api.SwitchRequest{Name: "full_first", MappedID: &id})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("name and mapped_id together must be rejected, got %d", rec.Code)
	}

	_ = do(t, h, http.MethodPost, "/v1/labels", api.LabelsRequest{Labels: []int{1, 2}})
	rec = do(t, h, http.MethodPost, "/v1/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on reset, got %d", rec.Code)
	}
	if _, ok := fsm.LastResult(); ok {
		t.Fatalf("reset should clear the last result")
	}
	rec = do(t, h, http.MethodPost, "/v1/reset", api.ResetRequest{Profile: "missing"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown profile reset, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "manual")
	h := srv.Handler()
	_ = do(t, h, http.MethodPost, "/v1/labels", api.LabelsRequest{Labels: []int{1, 2, 1}})

	rec := do(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "labelfsm_steps_total") {
		t.Fatalf("metrics output missing steps counter:\n%s", rec.Body.String())
	}
}

func TestServeOverUnixSocket(t *testing.T) {
	srv, _ := newTestServer(t, "manual")
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()
	waitForSocket(t, srv.cfg.SocketPath, errCh)

	second := NewServer(srv.cfg, srv.fsm, nil)
	if err := second.Start(context.Background()); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected lock conflict, got %v", err)
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", srv.cfg.SocketPath)
			},
		},
		Timeout: 5 * time.Second,
	}
	resp, err := client.Get("http://unix/v1/health")
	if err != nil {
		t.Fatalf("health over uds: %v", err)
	}
	resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
	if _, err := os.Stat(srv.cfg.SocketPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket should be removed on shutdown, stat err=%v", err)
	}
}

func waitForSocket(t *testing.T, path string, errCh <-chan error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-errCh:
			if err == nil || err == context.Canceled {
				t.Fatalf("server exited before socket creation: %v", err)
			}
			if isUDSUnsupported(err) {
				t.Skipf("unix domain sockets unavailable in this environment: %v", err)
			}
			t.Fatalf("server start failed before socket creation: %v", err)
		default:
		}
		if st, err := os.Stat(path); err == nil && st.Mode()&os.ModeSocket != 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("socket was not created: %s", path)
}

func isUDSUnsupported(err error) bool {
	return errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EAFNOSUPPORT)
}
