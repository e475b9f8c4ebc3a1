// Package telemetry exposes engine activity as Prometheus metrics.
package telemetry

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/g960059/labelfsm/internal/model"
	"github.com/g960059/labelfsm/internal/stateengine"
)

const namespace = "labelfsm"

// Metrics implements stateengine.Observer. Collectors are registered on the
// registerer passed to NewMetrics so tests can use isolated registries.
type Metrics struct {
	StepsTotal         *prometheus.CounterVec
	StagesDoneTotal    *prometheus.CounterVec
	SwitchesTotal      *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	WriterDroppedTotal *prometheus.CounterVec
	StepDuration       prometheus.Histogram
	ActiveProfile      *prometheus.GaugeVec

	gatherer prometheus.Gatherer
	active   string
}

func NewMetrics(reg *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Labels processed by active profile",
			},
			[]string{"profile"},
		),
		StagesDoneTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stages_done_total",
				Help:      "Expected sequences completed by profile",
			},
			[]string{"profile"},
		),
		SwitchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "profile_switches_total",
				Help:      "Active profile changes by source and reason",
			},
			[]string{"from", "to", "reason"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Rejected labels, rejected switches and writer failures",
			},
			[]string{"kind"},
		),
		WriterDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "writer_dropped_total",
				Help:      "History records dropped by full async queues",
			},
			[]string{"writer"},
		),
		StepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Time spent in one ProcessState call",
				Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
			},
		),
		ActiveProfile: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_profile",
				Help:      "1 for the currently active profile",
			},
			[]string{"profile"},
		),
		gatherer: reg,
	}
	for _, c := range []prometheus.Collector{
		m.StepsTotal,
		m.StagesDoneTotal,
		m.SwitchesTotal,
		m.ErrorsTotal,
		m.WriterDroppedTotal,
		m.StepDuration,
		m.ActiveProfile,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) ObserveStep(r model.StepResult, elapsed time.Duration) {
	m.StepsTotal.WithLabelValues(r.ActiveProfile).Inc()
	m.StepDuration.Observe(elapsed.Seconds())
	if r.StageDone {
		m.StagesDoneTotal.WithLabelValues(r.ActiveProfile).Inc()
	}
	m.setActive(r.ActiveProfile)
}

func (m *Metrics) ObserveSwitch(from, to, reason string) {
	m.SwitchesTotal.WithLabelValues(from, to, reason).Inc()
	m.setActive(to)
}

func (m *Metrics) ObserveError(err error) {
	m.ErrorsTotal.WithLabelValues(errorKind(err)).Inc()
}

// WriterDropped matches historywriter.Options.OnDrop.
func (m *Metrics) WriterDropped(writer string) {
	m.WriterDroppedTotal.WithLabelValues(writer).Inc()
}

func (m *Metrics) setActive(profile string) {
	if profile == m.active {
		return
	}
	if m.active != "" {
		m.ActiveProfile.WithLabelValues(m.active).Set(0)
	}
	m.ActiveProfile.WithLabelValues(profile).Set(1)
	m.active = profile
}

// WriteText dumps all gathered families in the Prometheus text format.
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, stateengine.ErrUnknownState):
		return "unknown_state"
	case errors.Is(err, stateengine.ErrSwitch):
		return "switch"
	default:
		return "writer"
	}
}

var _ stateengine.Observer = (*Metrics)(nil)
