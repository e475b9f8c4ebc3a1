package stateengine

import (
	"errors"
	"testing"

	"github.com/g960059/labelfsm/internal/config"
	"github.com/g960059/labelfsm/internal/model"
)

func newTestProfile(states map[int]model.State, init []model.State, seqs ...[]model.State) *Profile {
	return NewProfile(config.ProfileConfig{
		Name:              "p",
		States:            states,
		InitStates:        init,
		ExpectedSequences: seqs,
	}, 0)
}

func TestProfileStabilityThreshold(t *testing.T) {
	a := model.State{ClsID: 0, Name: "A", StableMinLim: 3, IsResettable: true}
	b := model.State{ClsID: 1, Name: "B", StableMinLim: 1, IsResettable: true}
	p := newTestProfile(map[int]model.State{0: a, 1: b}, nil, []model.State{a, b})

	for i := 1; i <= 5; i++ {
		flags, err := p.Step(0)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if want := i >= 3; flags.Stable != want {
			t.Fatalf("step %d: expected stable=%v, got %+v", i, want, flags)
		}
	}
	if got := p.History().Len(); got != 1 {
		t.Fatalf("repeated stable state must be recorded once, got %d entries", got)
	}
}

func TestProfileNoLimitNeverStable(t *testing.T) {
	a := model.State{ClsID: 0, Name: "A"}
	p := newTestProfile(map[int]model.State{0: a}, nil, []model.State{a})
	for i := 0; i < 10; i++ {
		if flags, _ := p.Step(0); flags.Stable {
			t.Fatalf("state without limit became stable at step %d", i)
		}
	}
}

func TestProfileResetTriggerKeepsNonResettable(t *testing.T) {
	a := model.State{ClsID: 0, Name: "A", StableMinLim: 5, IsResettable: true}
	b := model.State{ClsID: 1, Name: "B", StableMinLim: 5, IsResettable: false}
	r := model.State{ClsID: 2, Name: "R", IsResettable: true, IsResetter: true, IsBreaker: true}
	p := newTestProfile(map[int]model.State{0: a, 1: b, 2: r}, nil, []model.State{a, b})

	for _, id := range []int{0, 0, 1} {
		if _, err := p.Step(id); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	flags, err := p.Step(2)
	if err != nil {
		t.Fatalf("step resetter: %v", err)
	}
	if !flags.Resetter || !flags.Breaker {
		t.Fatalf("expected resetter and breaker flags, got %+v", flags)
	}
	counters := p.Counters()
	if counters.Get(0) != 0 || counters.Get(1) != 1 || counters.Get(2) != 1 {
		t.Fatalf("unexpected counters after reset trigger: %+v", counters.Snapshot())
	}
}

func TestProfileSequenceCompletionResets(t *testing.T) {
	p := newTestProfile(testStates(), []model.State{stEmpty}, []model.State{stEmpty, stFull, stEmpty})
	var last StepFlags
	for _, id := range []int{0, 1, 0} {
		flags, err := p.Step(id)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		last = flags
	}
	if !last.Completed {
		t.Fatalf("expected completion on third step")
	}
	for id, n := range p.Counters().Snapshot() {
		if n != 0 {
			t.Fatalf("counter %d should be zero after completion, got %d", id, n)
		}
	}
	hist := p.History().Snapshot()
	if len(hist) != 1 || hist[0].ClsID != stEmpty.ClsID {
		t.Fatalf("history should be reseeded with init states, got %+v", hist)
	}
}

func TestProfileUnknownState(t *testing.T) {
	p := newTestProfile(testStates(), nil, []model.State{stEmpty})
	if err := p.SetCurState(99); !errors.Is(err, ErrUnknownState) {
		t.Fatalf("expected ErrUnknownState, got %v", err)
	}
	if _, ok := p.CurState(); ok {
		t.Fatalf("cursor must stay unset after a rejected label")
	}
}

func TestProfileAliasCountsAsBase(t *testing.T) {
	base := model.State{ClsID: 0, Name: "EMPTY", StableMinLim: 2, IsResettable: true}
	aliasOf := 0
	alias := model.State{ClsID: 5, Name: "EMPTY_DARK", AliasOf: &aliasOf, IsResettable: true}
	p := newTestProfile(map[int]model.State{0: base, 5: alias}, nil, []model.State{base})

	if _, err := p.Step(5); err != nil {
		t.Fatalf("step alias: %v", err)
	}
	flags, err := p.Step(0)
	if err != nil {
		t.Fatalf("step base: %v", err)
	}
	if !flags.Completed {
		t.Fatalf("alias and base should accumulate on one counter, got %+v", flags)
	}
}
