package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// State is one recognizable class. It is immutable once a profile is built.
type State struct {
	ClsID        int
	Name         string
	FullName     string
	IsFiction    bool
	AliasOf      *int
	StableMinLim int
	IsResettable bool
	IsResetter   bool
	IsBreaker    bool
	Threshold    float64
}

// Equal compares logical identity only. Behavioral flags differ across profiles.
func (s State) Equal(other State) bool {
	return s.ClsID == other.ClsID && s.Name == other.Name
}

// BaseClsID returns the id of the state this one is a synonym for.
func (s State) BaseClsID() int {
	if s.AliasOf != nil {
		return *s.AliasOf
	}
	return s.ClsID
}

func (s State) IsAlias() bool {
	return s.AliasOf != nil
}

// HasStableLimit reports whether stability tracking is enabled for the state.
func (s State) HasStableLimit() bool {
	return s.StableMinLim > 0
}

func (s State) String() string {
	return fmt.Sprintf("%s(%d)", s.Name, s.ClsID)
}

func StateNames(states []State) []string {
	out := make([]string, 0, len(states))
	for _, st := range states {
		out = append(out, st.Name)
	}
	return out
}

type stateRefKind uint8

const (
	refByID stateRefKind = iota + 1
	refByName
)

// StateRef points at a state either by numeric id or by name.
type StateRef struct {
	kind stateRefKind
	id   int
	name string
}

func RefByID(id int) StateRef {
	return StateRef{kind: refByID, id: id}
}

func RefByName(name string) StateRef {
	return StateRef{kind: refByName, name: strings.TrimSpace(name)}
}

// ParseStateRef treats all-digit strings as ids and anything else as a name.
func ParseStateRef(raw string) (StateRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return StateRef{}, fmt.Errorf("empty state reference")
	}
	if id, err := strconv.Atoi(raw); err == nil {
		return RefByID(id), nil
	}
	return RefByName(raw), nil
}

func (r StateRef) ID() (int, bool) {
	return r.id, r.kind == refByID
}

func (r StateRef) Name() (string, bool) {
	return r.name, r.kind == refByName
}

func (r StateRef) IsZero() bool {
	return r.kind == 0
}

func (r StateRef) String() string {
	switch r.kind {
	case refByID:
		return "#" + strconv.Itoa(r.id)
	case refByName:
		return r.name
	default:
		return "<none>"
	}
}

// Strategy selects how the active profile is chosen as evidence accumulates.
type Strategy int

const (
	StrategyManual Strategy = iota + 1
	StrategyByMatch
	StrategyByExclusion
	StrategyMixed
	StrategyByMappedID
)

var strategyNames = map[Strategy]string{
	StrategyManual:      "manual",
	StrategyByMatch:     "by_match",
	StrategyByExclusion: "by_exclusion",
	StrategyMixed:       "mixed",
	StrategyByMappedID:  "by_mapped_id",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseStrategy is case-insensitive; an empty value means mixed.
func ParseStrategy(raw string) (Strategy, error) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.ReplaceAll(norm, "-", "_")
	switch norm {
	case "":
		return StrategyMixed, nil
	case "single":
		return StrategyManual, nil
	}
	for strategy, name := range strategyNames {
		if name == norm {
			return strategy, nil
		}
	}
	return 0, fmt.Errorf("unknown switcher strategy %q", raw)
}

// StepResult is the immutable snapshot produced for one processed label.
type StepResult struct {
	Empty          bool
	RunID          string
	StepIndex      int
	ActiveProfile  string
	PrevProfile    string
	State          State
	Resetter       bool
	Breaker        bool
	Stable         bool
	StageDone      bool
	ProfileChanged bool
	Counters       map[int]int
	History        []State
	Timestamp      time.Time
}

type RawLabel struct {
	RunID     string
	StepIndex int
	ClsID     int
	Timestamp time.Time
}

// ProfileInfo describes one built profile for writers that record configuration.
type ProfileInfo struct {
	Name              string
	States            []State
	InitStates        []State
	DefaultStates     []State
	ExpectedSequences [][]State
}

type RunInfo struct {
	RunID          string
	StartedAt      time.Time
	Strategy       Strategy
	DefaultProfile string
	Profiles       []ProfileInfo
}
