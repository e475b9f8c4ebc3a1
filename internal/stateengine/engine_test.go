package stateengine_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/g960059/labelfsm/internal/config"
	"github.com/g960059/labelfsm/internal/model"
	"github.com/g960059/labelfsm/internal/stateengine"
	"github.com/g960059/labelfsm/internal/testutil"
)

func newEngine(t *testing.T, yamlText string, opts ...stateengine.Option) *stateengine.Fsm {
	t.Helper()
	fsm, err := stateengine.New(testutil.MustBuild(t, yamlText), opts...)
	if err != nil {
		t.Fatalf("new fsm: %v", err)
	}
	t.Cleanup(func() { _ = fsm.Close() })
	return fsm
}

func feed(t *testing.T, fsm *stateengine.Fsm, labels ...int) []model.StepResult {
	t.Helper()
	out := make([]model.StepResult, 0, len(labels))
	for _, id := range labels {
		res, err := fsm.ProcessState(id)
		if err != nil {
			t.Fatalf("process %d: %v", id, err)
		}
		out = append(out, res)
	}
	return out
}

func stageDoneAt(results []model.StepResult) []int {
	var steps []int
	for _, r := range results {
		if r.StageDone {
			steps = append(steps, r.StepIndex)
		}
	}
	return steps
}

func TestFsmEmptyFullEmptyCompletesOnThirdStep(t *testing.T) {
	fsm := newEngine(t, testutil.EmptyFullYAML)
	results := feed(t, fsm, 0, 1, 0)
	if got := stageDoneAt(results); len(got) != 1 || got[0] != 3 {
		t.Fatalf("expected stage done at step 3, got %v", got)
	}
	last := results[2]
	if names := model.StateNames(last.History); strings.Join(names, ",") != "EMPTY,FULL,EMPTY" {
		t.Fatalf("result should carry the completed history, got %v", names)
	}

	// the profile is back at its initial state for the next step
	p := fsm.ActiveProfile()
	if hist := p.History().Snapshot(); len(hist) != 1 || hist[0].Name != "EMPTY" {
		t.Fatalf("expected history reseeded with EMPTY, got %+v", hist)
	}
	for id, n := range p.Counters().Snapshot() {
		if n != 0 {
			t.Fatalf("counter %d should be zero, got %d", id, n)
		}
	}
}

func TestFsmWrongOrderWithoutSeedNeverCompletes(t *testing.T) {
	yamlText := strings.Replace(testutil.EmptyFullYAML, "init_states: [EMPTY]", "init_states: []", 1)
	fsm := newEngine(t, yamlText)
	if got := stageDoneAt(feed(t, fsm, 1, 0, 1)); len(got) != 0 {
		t.Fatalf("expected no completion, got %v", got)
	}
}

func TestFsmSeededHistoryCompletesCycleAfterFull(t *testing.T) {
	// The EMPTY seed counts as the opening state of the cycle.
	fsm := newEngine(t, testutil.EmptyFullYAML)
	if got := stageDoneAt(feed(t, fsm, 1, 0, 1)); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected completion at step 2, got %v", got)
	}
}

func TestFsmRepeatedLabelsWithHigherThreshold(t *testing.T) {
	yamlText := strings.ReplaceAll(testutil.EmptyFullYAML, "stable_min_lim: 1", "stable_min_lim: 2")
	fsm := newEngine(t, yamlText)
	results := feed(t, fsm, 0, 0, 1, 1, 0, 0)
	if got := stageDoneAt(results); len(got) != 1 || got[0] != 6 {
		t.Fatalf("expected completion at step 6, got %v", got)
	}
	if results[1].Stable != true || results[0].Stable {
		t.Fatalf("EMPTY should turn stable on the second repeat, got %+v / %+v", results[0], results[1])
	}
	if n := len(results[1].History); n != 1 {
		t.Fatalf("stable EMPTY matching the seed must not be duplicated, got %d entries", n)
	}
}

func TestFsmDeterministicHistory(t *testing.T) {
	labels := []int{0, 1, 1, 0, 1, 0, 0, 1}
	run := func() []string {
		fsm := newEngine(t, testutil.EmptyFullYAML)
		var out []string
		for _, r := range feed(t, fsm, labels...) {
			out = append(out, fmt.Sprintf("%v|%v", model.StateNames(r.History), r.StageDone))
		}
		return out
	}
	first, second := run(), run()
	if strings.Join(first, ";") != strings.Join(second, ";") {
		t.Fatalf("same input produced different histories:\n%v\n%v", first, second)
	}
}

func TestFsmUnknownLabelIsRejectedWithoutSideEffects(t *testing.T) {
	fsm := newEngine(t, testutil.EmptyFullYAML)
	feed(t, fsm, 1)
	before := fsm.ActiveProfile().Counters().Snapshot()
	if _, err := fsm.ProcessState(7); !errors.Is(err, stateengine.ErrUnknownState) {
		t.Fatalf("expected ErrUnknownState, got %v", err)
	}
	after := fsm.ActiveProfile().Counters().Snapshot()
	for id, n := range before {
		if after[id] != n {
			t.Fatalf("counter %d changed on rejected label: %d -> %d", id, n, after[id])
		}
	}
	if last, _ := fsm.LastResult(); last.StepIndex != 1 {
		t.Fatalf("rejected label must not advance the step index, got %d", last.StepIndex)
	}
}

func TestFsmDisabledReturnsEmptyResult(t *testing.T) {
	yamlText := strings.Replace(testutil.EmptyFullYAML, "enable: true", "enable: false", 1)
	fsm := newEngine(t, yamlText)
	res, err := fsm.ProcessState(0)
	if err != nil {
		t.Fatalf("disabled fsm should not fail: %v", err)
	}
	if !res.Empty {
		t.Fatalf("expected empty result, got %+v", res)
	}
	if _, ok := fsm.LastResult(); ok {
		t.Fatalf("disabled fsm must not record results")
	}
	if n := fsm.ActiveProfile().Counters().Get(0); n != 0 {
		t.Fatalf("disabled fsm must not touch counters, got %d", n)
	}
	if _, err := fsm.ProcessState(12345); err != nil {
		t.Fatalf("disabled fsm ignores labels entirely, got %v", err)
	}
}

func TestFsmByExclusionActivatesOnlyPossibleProfile(t *testing.T) {
	fsm := newEngine(t, fmt.Sprintf(testutil.TwoProfileYAML, "by_exclusion"))
	if err := fsm.SwitchProfileByName("FULL_FIRST"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	results := feed(t, fsm, 2)
	res := results[0]
	if !res.ProfileChanged || res.ActiveProfile != "empty_then_fill" || res.PrevProfile != "full_first" {
		t.Fatalf("expected switch to empty_then_fill, got %+v", res)
	}
	if res.StageDone {
		t.Fatalf("no sequence completed yet")
	}
}

func TestFsmByExclusionKeepsActiveWhileAmbiguous(t *testing.T) {
	fsm := newEngine(t, fmt.Sprintf(testutil.TwoProfileYAML, "by_exclusion"))
	if err := fsm.SwitchProfileByName("full_first"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	res := feed(t, fsm, 3)[0]
	if res.ProfileChanged || res.ActiveProfile != "full_first" {
		t.Fatalf("both profiles are still possible, got %+v", res)
	}
}

func TestFsmByMatchSwitchesToCompletedProfile(t *testing.T) {
	fsm := newEngine(t, fmt.Sprintf(testutil.TwoProfileYAML, "by_match"))
	if err := fsm.SwitchProfileByName("full_first"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	results := feed(t, fsm, 2, 1)
	if results[0].ProfileChanged {
		t.Fatalf("by_match must not switch before a sequence completes: %+v", results[0])
	}
	res := results[1]
	if !res.ProfileChanged || res.ActiveProfile != "empty_then_fill" || res.StageDone {
		t.Fatalf("expected match switch without stage done, got %+v", res)
	}
	// the newly activated profile starts from its init states
	if names := model.StateNames(res.History); strings.Join(names, ",") != "EMPTY" {
		t.Fatalf("activated profile should be reset, got %v", names)
	}
}

func TestFsmStageDoneTakesPriorityOverSwitch(t *testing.T) {
	fsm := newEngine(t, fmt.Sprintf(testutil.TwoProfileYAML, "mixed"))
	results := feed(t, fsm, 3, 2, 1)
	res := results[2]
	if !res.StageDone || res.ProfileChanged || res.ActiveProfile != "empty_then_fill" {
		t.Fatalf("expected stage done on active profile without switch, got %+v", res)
	}
	if !results[0].Resetter || !results[0].Breaker {
		t.Fatalf("UNKNOWN is a resetter and breaker in empty_then_fill, got %+v", results[0])
	}
	other, _ := fsm.Manager().Profile("full_first")
	if names := model.StateNames(other.History().Snapshot()); strings.Join(names, ",") != "EMPTY" {
		t.Fatalf("completed inactive profile should be reset too, got %v", names)
	}
}

func TestFsmManualStrategyNeverAutoSwitches(t *testing.T) {
	fsm := newEngine(t, fmt.Sprintf(testutil.TwoProfileYAML, "manual"))
	if err := fsm.SwitchProfileByName("full_first"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	for _, res := range feed(t, fsm, 2, 1, 2, 1) {
		if res.ProfileChanged {
			t.Fatalf("manual strategy switched automatically: %+v", res)
		}
	}
}

func TestFsmSwitchByMappedID(t *testing.T) {
	yamlText := `
enable: true
switcher_strategy: by_mapped_id
default_profile: default
states:
  - {cls_id: 0, name: EMPTY, stable_min_lim: 1}
  - {cls_id: 1, name: FULL, stable_min_lim: 1}
profiles:
  - {name: group1, init_states: [EMPTY], expected_sequences: [[EMPTY, FULL]]}
  - {name: group2, init_states: [EMPTY], expected_sequences: [[FULL, EMPTY]]}
  - {name: default, init_states: [EMPTY], expected_sequences: [[EMPTY]]}
profile_ids_map:
  group1: [101]
  group2: [202]
  default: []
`
	fsm := newEngine(t, yamlText)
	if err := fsm.SwitchProfileByMappedID(101); err != nil {
		t.Fatalf("switch 101: %v", err)
	}
	if got := fsm.ActiveProfile().Name(); got != "group1" {
		t.Fatalf("expected group1, got %s", got)
	}
	if err := fsm.SwitchProfileByMappedID(999); err != nil {
		t.Fatalf("switch 999: %v", err)
	}
	if got := fsm.ActiveProfile().Name(); got != "default" {
		t.Fatalf("expected default for unmapped id, got %s", got)
	}
	if prev := fsm.Manager().Previous().Name(); prev != "group1" {
		t.Fatalf("expected previous group1, got %s", prev)
	}
	for _, res := range feed(t, fsm, 1, 0, 1) {
		if res.ProfileChanged {
			t.Fatalf("by_mapped_id must not switch automatically: %+v", res)
		}
	}
}

func TestFsmSwitchUnknownProfileFails(t *testing.T) {
	fsm := newEngine(t, fmt.Sprintf(testutil.TwoProfileYAML, "manual"))
	if err := fsm.SwitchProfileByName("nope"); !errors.Is(err, stateengine.ErrSwitch) {
		t.Fatalf("expected ErrSwitch, got %v", err)
	}
	if got := fsm.ActiveProfile().Name(); got != "empty_then_fill" {
		t.Fatalf("active profile must not change on failed switch, got %s", got)
	}
}

func TestFsmResetRestoresDefaultProfile(t *testing.T) {
	fsm := newEngine(t, fmt.Sprintf(testutil.TwoProfileYAML, "manual"))
	if err := fsm.SwitchProfileByName("full_first"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	feed(t, fsm, 2)
	fsm.Reset()
	if got := fsm.ActiveProfile().Name(); got != "empty_then_fill" {
		t.Fatalf("expected default profile after reset, got %s", got)
	}
	for _, p := range fsm.Manager().Profiles() {
		if names := model.StateNames(p.History().Snapshot()); strings.Join(names, ",") != "EMPTY" {
			t.Fatalf("profile %s not reset: %v", p.Name(), names)
		}
	}
	if err := fsm.ResetProfile("missing"); !errors.Is(err, stateengine.ErrSwitch) {
		t.Fatalf("expected ErrSwitch for unknown profile reset, got %v", err)
	}
}

func TestNewRejectsMappedStrategyWithoutDefault(t *testing.T) {
	cfg := testutil.MustBuild(t, fmt.Sprintf(testutil.TwoProfileYAML, "manual"))
	cfg.Strategy = model.StrategyByMappedID
	cfg.ProfileIDs = map[string][]int{"full_first": {202}}
	if _, err := stateengine.New(cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

type recordingWriter struct {
	begun  int
	labels []model.RawLabel
	steps  []model.StepResult
	fail   bool
}

func (w *recordingWriter) Begin(model.RunInfo) error {
	w.begun++
	return nil
}

func (w *recordingWriter) WriteLabel(l model.RawLabel) error {
	w.labels = append(w.labels, l)
	if w.fail {
		return errors.New("disk full")
	}
	return nil
}

func (w *recordingWriter) WriteStep(r model.StepResult) error {
	w.steps = append(w.steps, r)
	if w.fail {
		return errors.New("disk full")
	}
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestFsmWriterFailuresDoNotFailSteps(t *testing.T) {
	w := &recordingWriter{fail: true}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fsm := newEngine(t, testutil.EmptyFullYAML,
		stateengine.WithHistoryWriter(w),
		stateengine.WithRunID("run-1"),
		stateengine.WithClock(func() time.Time { return at }),
	)
	results := feed(t, fsm, 0, 1)
	if w.begun != 1 || len(w.labels) != 2 || len(w.steps) != 2 {
		t.Fatalf("writer calls: begun=%d labels=%d steps=%d", w.begun, len(w.labels), len(w.steps))
	}
	if results[1].RunID != "run-1" || !results[1].Timestamp.Equal(at) {
		t.Fatalf("unexpected result identity %+v", results[1])
	}
	if w.labels[1].ClsID != 1 || w.labels[1].StepIndex != 2 {
		t.Fatalf("unexpected raw label %+v", w.labels[1])
	}
}

func TestStateNameIDCorrespondence(t *testing.T) {
	cfg := testutil.MustBuild(t, fmt.Sprintf(testutil.TwoProfileYAML, "mixed"))
	for _, pc := range cfg.Profiles {
		byName := map[string]int{}
		for id, st := range pc.States {
			if id != st.ClsID {
				t.Fatalf("profile %s: key %d holds state %s", pc.Name, id, st)
			}
			if other, ok := byName[st.Name]; ok {
				t.Fatalf("profile %s: name %s used by %d and %d", pc.Name, st.Name, other, id)
			}
			byName[st.Name] = id
		}
		for _, seq := range pc.ExpectedSequences {
			for _, st := range seq {
				if byName[st.Name] != st.ClsID {
					t.Fatalf("profile %s: sequence state %s disagrees with state map", pc.Name, st)
				}
			}
		}
	}
}
