package historywriter

import (
	"time"

	"github.com/g960059/labelfsm/internal/model"
)

const (
	EventState          = "state"
	EventStateChanged   = "state_changed"
	EventProfileChanged = "profile_changed"
	EventStageDone      = "stage_done"
)

// Event is one line of a stable history. Count is the active profile counter
// of State at the time of the step.
type Event struct {
	Type      string    `json:"type" yaml:"type"`
	Step      int       `json:"step" yaml:"step"`
	Profile   string    `json:"profile" yaml:"profile"`
	State     string    `json:"state" yaml:"state"`
	Count     int       `json:"count" yaml:"count"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// eventTracker turns the per-step stream into state transitions, profile
// switches and completed stages.
type eventTracker struct {
	prev    model.State
	hasPrev bool
}

func (t *eventTracker) events(r model.StepResult) []Event {
	var out []Event
	cur := r.State
	changed := !t.hasPrev || t.prev.ClsID != cur.ClsID
	if t.hasPrev && changed {
		out = append(out, Event{
			Type:      EventStateChanged,
			Step:      r.StepIndex,
			Profile:   r.ActiveProfile,
			State:     t.prev.Name,
			Count:     r.Counters[t.prev.ClsID],
			Timestamp: r.Timestamp,
		})
	}
	if changed {
		out = append(out, Event{
			Type:      EventState,
			Step:      r.StepIndex,
			Profile:   r.ActiveProfile,
			State:     cur.Name,
			Count:     r.Counters[cur.ClsID],
			Timestamp: r.Timestamp,
		})
	}
	if r.ProfileChanged {
		out = append(out, Event{
			Type:      EventProfileChanged,
			Step:      r.StepIndex,
			Profile:   r.ActiveProfile,
			State:     cur.Name,
			Count:     r.Counters[cur.ClsID],
			Timestamp: r.Timestamp,
		})
	}
	if r.StageDone {
		out = append(out, Event{
			Type:      EventStageDone,
			Step:      r.StepIndex,
			Profile:   r.ActiveProfile,
			State:     cur.Name,
			Count:     r.Counters[cur.ClsID],
			Timestamp: r.Timestamp,
		})
	}
	t.prev = cur
	t.hasPrev = true
	return out
}

// wantsRuntime reports whether a runtime snapshot follows the step.
func wantsRuntime(r model.StepResult) bool {
	return r.StageDone || r.ProfileChanged
}
