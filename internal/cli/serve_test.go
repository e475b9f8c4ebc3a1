package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/g960059/labelfsm/internal/api"
	"github.com/g960059/labelfsm/internal/testutil"
)

func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "lfsm")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "d.sock")
}

func TestServePushStatus(t *testing.T) {
	path := writeConfig(t, fmt.Sprintf(testutil.TwoProfileYAML, "manual"))
	socket := shortSocketPath(t)
	dbPath := filepath.Join(t.TempDir(), "served.db")

	server, _, serverErr := newTestRunner(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		done <- server.Run(ctx, []string{"serve", "-config", path, "-socket", socket, "-db", dbPath, "-log-level", "warn"})
	}()

	status, statusOut, statusErr := newTestRunner(t, "")
	if code := status.Run(context.Background(), []string{"status", "-socket", socket, "-wait", "5s"}); code != 0 {
		cancel()
		<-done
		if strings.Contains(statusErr.String(), "operation not permitted") {
			t.Skipf("unix domain sockets unavailable: %s", statusErr.String())
		}
		t.Fatalf("status exit %d: %s (server: %s)", code, statusErr.String(), serverErr.String())
	}
	if !strings.Contains(statusOut.String(), "profile=empty_then_fill") {
		t.Fatalf("unexpected status output %q", statusOut.String())
	}

	push, pushOut, pushErr := newTestRunner(t, "")
	if code := push.Run(context.Background(), []string{"push", "-socket", socket, "-json", "1", "2", "1"}); code != 0 {
		t.Fatalf("push exit %d: %s", code, pushErr.String())
	}
	var env api.StepsEnvelope
	if err := json.Unmarshal(pushOut.Bytes(), &env); err != nil {
		t.Fatalf("decode push output: %v (%s)", err, pushOut.String())
	}
	if len(env.Steps) != 3 || !env.Steps[2].StageDone {
		t.Fatalf("expected stage done on third label, got %+v", env.Steps)
	}

	script, scriptOut, scriptErr := newTestRunner(t, "switch full_first\n1 3\nreset\n")
	if code := script.Run(context.Background(), []string{"push", "-socket", socket, "-labels", "-"}); code != 0 {
		t.Fatalf("scripted push exit %d: %s", code, scriptErr.String())
	}
	if lines := strings.Count(scriptOut.String(), "\n"); lines != 2 {
		t.Fatalf("expected 2 printed steps, got %q", scriptOut.String())
	}

	bad, _, badErr := newTestRunner(t, "")
	if code := bad.Run(context.Background(), []string{"push", "-socket", socket, "42"}); code != 1 {
		t.Fatalf("expected exit 1 for unknown label, got %d", code)
	}
	if !strings.Contains(badErr.String(), "E_UNKNOWN_STATE") {
		t.Fatalf("expected unknown state error, got %q", badErr.String())
	}

	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("serve exit %d: %s", code, serverErr.String())
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not stop")
	}

	lister, listOut, listErr := newTestRunner(t, "")
	if code := lister.Run(context.Background(), []string{"runs", "-db", dbPath, "-json"}); code != 0 {
		t.Fatalf("runs exit %d: %s", code, listErr.String())
	}
	var runs api.RunsEnvelope
	if err := json.Unmarshal(listOut.Bytes(), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs.Runs) != 1 || runs.Runs[0].Steps == nil || *runs.Runs[0].Steps != 5 {
		t.Fatalf("expected one run with 5 recorded steps, got %+v", runs.Runs)
	}
}

func TestPushUsage(t *testing.T) {
	r, _, _ := newTestRunner(t, "")
	if code := r.Run(context.Background(), []string{"push"}); code != 2 {
		t.Fatalf("expected exit 2 without labels, got %d", code)
	}
	if code := r.Run(context.Background(), []string{"push", "-labels", "-", "1"}); code != 2 {
		t.Fatalf("expected exit 2 with both labels and script, got %d", code)
	}
	if code := r.Run(context.Background(), []string{"push", "x"}); code != 2 {
		t.Fatalf("expected exit 2 for non-integer label, got %d", code)
	}
	if code := r.Run(context.Background(), []string{"serve"}); code != 2 {
		t.Fatalf("expected exit 2 for serve without config, got %d", code)
	}
}
