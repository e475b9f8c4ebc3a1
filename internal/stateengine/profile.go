package stateengine

import (
	"fmt"
	"sort"

	"github.com/g960059/labelfsm/internal/config"
	"github.com/g960059/labelfsm/internal/model"
)

// Profile is one behavioral unit. It owns its states, counters and history
// and is never shared between engines.
type Profile struct {
	name          string
	description   string
	states        map[int]model.State
	initStates    []model.State
	defaultStates []model.State
	expected      [][]model.State
	cur           model.State
	hasCur        bool
	counters      *Counters
	history       *History
}

func NewProfile(cfg config.ProfileConfig, historyMaxLen int) *Profile {
	if historyMaxLen <= 0 {
		historyMaxLen = config.DefaultHistoryMaxLen
	}
	p := &Profile{
		name:          cfg.Name,
		description:   cfg.Description,
		states:        cfg.States,
		initStates:    cfg.InitStates,
		defaultStates: cfg.DefaultStates,
		expected:      cfg.ExpectedSequences,
		counters:      NewCounters(cfg.States),
		history:       NewHistory(cfg.ExpectedSequences, historyMaxLen),
	}
	p.history.Add(p.initStates...)
	return p
}

func (p *Profile) Name() string {
	return p.name
}

func (p *Profile) Description() string {
	return p.description
}

func (p *Profile) State(clsID int) (model.State, bool) {
	st, ok := p.states[clsID]
	return st, ok
}

// States returns the profile states ordered by id.
func (p *Profile) States() []model.State {
	ids := make([]int, 0, len(p.states))
	for id := range p.states {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]model.State, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.states[id])
	}
	return out
}

func (p *Profile) InitStates() []model.State {
	return append([]model.State(nil), p.initStates...)
}

func (p *Profile) DefaultStates() []model.State {
	return append([]model.State(nil), p.defaultStates...)
}

func (p *Profile) ExpectedSequences() [][]model.State {
	out := make([][]model.State, 0, len(p.expected))
	for _, seq := range p.expected {
		out = append(out, append([]model.State(nil), seq...))
	}
	return out
}

func (p *Profile) History() *History {
	return p.history
}

func (p *Profile) Counters() *Counters {
	return p.counters
}

func (p *Profile) CurState() (model.State, bool) {
	return p.cur, p.hasCur
}

// SetCurState moves the cursor. Alias labels land on their base state so
// that counting and history see a single identity.
func (p *Profile) SetCurState(clsID int) error {
	st, ok := p.states[clsID]
	if !ok {
		return fmt.Errorf("%w: profile %q has no state %d", ErrUnknownState, p.name, clsID)
	}
	if st.IsAlias() {
		st = p.states[st.BaseClsID()]
	}
	p.cur = st
	p.hasCur = true
	return nil
}

func (p *Profile) IncrementCounter() (int, error) {
	if !p.hasCur {
		return 0, fmt.Errorf("%w: profile %q has no current state", ErrUnknownState, p.name)
	}
	return p.counters.Increment(p.cur.ClsID)
}

func (p *Profile) IsResetTrigger() bool {
	return p.hasCur && p.cur.IsResetter
}

func (p *Profile) IsBreakTrigger() bool {
	return p.hasCur && p.cur.IsBreaker
}

func (p *Profile) ResetCounters(onlyResettable, exceptCur bool) {
	switch {
	case onlyResettable && exceptCur && p.hasCur:
		p.counters.ResetResettableExcept(p.cur.ClsID)
	case onlyResettable:
		p.counters.ResetResettable()
	case exceptCur && p.hasCur:
		p.counters.ResetAllExcept(p.cur.ClsID)
	default:
		p.counters.ResetAll()
	}
}

// IsStateStable is true once the cursor counter reaches a positive limit.
// States without a limit are never stable.
func (p *Profile) IsStateStable() bool {
	if !p.hasCur || !p.cur.HasStableLimit() {
		return false
	}
	return p.counters.Get(p.cur.ClsID) >= p.cur.StableMinLim
}

// HandleResetTrigger zeroes resettable counters other than the cursor when
// the cursor is a resetter.
func (p *Profile) HandleResetTrigger() bool {
	if !p.IsResetTrigger() {
		return false
	}
	p.ResetCounters(true, true)
	return true
}

// CommitStable appends a stable cursor to history unless it repeats the last
// entry, then clears every other counter.
func (p *Profile) CommitStable() bool {
	if !p.IsStateStable() || !p.history.IsDifferentFromLast(p.cur) {
		return false
	}
	p.history.Add(p.cur)
	p.ResetCounters(false, true)
	return true
}

func (p *Profile) IsExpectedSeqValid() bool {
	return p.history.IsValid()
}

func (p *Profile) IsImpossible() bool {
	return p.history.IsImpossible()
}

// ResetToInit zeroes all counters and reseeds history with the init states.
// The cursor is kept.
func (p *Profile) ResetToInit() {
	p.counters.ResetAll()
	p.history.Clear()
	p.history.Add(p.initStates...)
}

// Step runs the full per-label protocol for this profile in isolation.
func (p *Profile) Step(clsID int) (StepFlags, error) {
	if err := p.SetCurState(clsID); err != nil {
		return StepFlags{}, err
	}
	if _, err := p.IncrementCounter(); err != nil {
		return StepFlags{}, err
	}
	flags := StepFlags{Resetter: p.HandleResetTrigger()}
	flags.Committed = p.CommitStable()
	flags.Stable = p.IsStateStable()
	flags.Breaker = p.IsBreakTrigger()
	if p.IsExpectedSeqValid() {
		flags.Completed = true
		p.ResetToInit()
	}
	return flags, nil
}

// StepFlags reports what happened to a profile during one label.
type StepFlags struct {
	Resetter  bool
	Stable    bool
	Committed bool
	Completed bool
	Breaker   bool
}

func (p *Profile) Info() model.ProfileInfo {
	return model.ProfileInfo{
		Name:              p.name,
		States:            p.States(),
		InitStates:        p.InitStates(),
		DefaultStates:     p.DefaultStates(),
		ExpectedSequences: p.ExpectedSequences(),
	}
}
