package telemetry

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/g960059/labelfsm/internal/model"
	"github.com/g960059/labelfsm/internal/stateengine"
	tu "github.com/g960059/labelfsm/internal/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	return m
}

func TestObserveStepCountsStages(t *testing.T) {
	m := newTestMetrics(t)
	m.ObserveStep(model.StepResult{ActiveProfile: "a"}, time.Millisecond)
	m.ObserveStep(model.StepResult{ActiveProfile: "a", StageDone: true}, time.Millisecond)
	m.ObserveStep(model.StepResult{ActiveProfile: "b"}, time.Millisecond)

	if got := testutil.ToFloat64(m.StepsTotal.WithLabelValues("a")); got != 2 {
		t.Fatalf("expected 2 steps for a, got %v", got)
	}
	if got := testutil.ToFloat64(m.StagesDoneTotal.WithLabelValues("a")); got != 1 {
		t.Fatalf("expected 1 stage for a, got %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveProfile.WithLabelValues("a")); got != 0 {
		t.Fatalf("a should no longer be active, got %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveProfile.WithLabelValues("b")); got != 1 {
		t.Fatalf("b should be active, got %v", got)
	}
}

func TestObserveErrorKinds(t *testing.T) {
	m := newTestMetrics(t)
	m.ObserveError(fmt.Errorf("register: %w", stateengine.ErrUnknownState))
	m.ObserveError(stateengine.ErrSwitch)
	m.ObserveError(errors.New("disk full"))
	m.WriterDropped("stable/yaml")

	for kind, want := range map[string]float64{"unknown_state": 1, "switch": 1, "writer": 1} {
		if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues(kind)); got != want {
			t.Fatalf("errors{kind=%s}: expected %v, got %v", kind, want, got)
		}
	}
	if got := testutil.ToFloat64(m.WriterDroppedTotal.WithLabelValues("stable/yaml")); got != 1 {
		t.Fatalf("expected one drop, got %v", got)
	}
}

func TestMetricsFromEngineRun(t *testing.T) {
	m := newTestMetrics(t)
	cfg := tu.MustBuild(t, fmt.Sprintf(tu.TwoProfileYAML, "by_exclusion"))
	fsm, err := stateengine.New(cfg, stateengine.WithObserver(m))
	if err != nil {
		t.Fatalf("new fsm: %v", err)
	}
	for _, id := range []int{1, 2} {
		if _, err := fsm.ProcessState(id); err != nil {
			t.Fatalf("process %d: %v", id, err)
		}
	}
	if _, err := fsm.ProcessState(99); err == nil {
		t.Fatalf("expected unknown label error")
	}

	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("unknown_state")); got != 1 {
		t.Fatalf("expected one unknown_state error, got %v", got)
	}
	if got := testutil.CollectAndCount(m.StepsTotal); got == 0 {
		t.Fatalf("expected step series")
	}

	var buf bytes.Buffer
	if err := m.WriteText(&buf); err != nil {
		t.Fatalf("write text: %v", err)
	}
	if !strings.Contains(buf.String(), "labelfsm_steps_total") {
		t.Fatalf("text dump missing steps counter:\n%s", buf.String())
	}
}

func TestNewMetricsRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewMetrics(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}
