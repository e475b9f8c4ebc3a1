package api

import (
	"time"

	"github.com/g960059/labelfsm/internal/db"
	"github.com/g960059/labelfsm/internal/model"
)

const SchemaVersion = "v1"

type APIError struct {
	Code    string `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version" yaml:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at" yaml:"generated_at"`
	Error         APIError  `json:"error" yaml:"error"`
}

type StateResponse struct {
	ClsID        int     `json:"cls_id" yaml:"cls_id"`
	Name         string  `json:"name" yaml:"name"`
	FullName     string  `json:"full_name,omitempty" yaml:"full_name,omitempty"`
	AliasOf      *int    `json:"alias_of,omitempty" yaml:"alias_of,omitempty"`
	StableMinLim int     `json:"stable_min_lim,omitempty" yaml:"stable_min_lim,omitempty"`
	Resettable   bool    `json:"is_resettable" yaml:"is_resettable"`
	Resetter     bool    `json:"reset_trigger,omitempty" yaml:"reset_trigger,omitempty"`
	Breaker      bool    `json:"break_trigger,omitempty" yaml:"break_trigger,omitempty"`
	Threshold    float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

type ProfileResponse struct {
	Name              string          `json:"name" yaml:"name"`
	States            []StateResponse `json:"states" yaml:"states"`
	InitStates        []string        `json:"init_states" yaml:"init_states"`
	DefaultStates     []string        `json:"default_states" yaml:"default_states"`
	ExpectedSequences [][]string      `json:"expected_sequences" yaml:"expected_sequences"`
}

// StepResponse is the wire form of one step snapshot. Timestamps are
// RFC3339Nano in UTC.
type StepResponse struct {
	RunID          string      `json:"run_id" yaml:"run_id"`
	Step           int         `json:"step" yaml:"step"`
	ClsID          int         `json:"cls_id" yaml:"cls_id"`
	State          string      `json:"state" yaml:"state"`
	ActiveProfile  string      `json:"active_profile" yaml:"active_profile"`
	PrevProfile    string      `json:"prev_profile,omitempty" yaml:"prev_profile,omitempty"`
	Resetter       bool        `json:"resetter" yaml:"resetter"`
	Breaker        bool        `json:"breaker" yaml:"breaker"`
	Stable         bool        `json:"stable" yaml:"stable"`
	StageDone      bool        `json:"stage_done" yaml:"stage_done"`
	ProfileChanged bool        `json:"profile_changed" yaml:"profile_changed"`
	Counters       map[int]int `json:"counters" yaml:"counters"`
	History        []string    `json:"history" yaml:"history"`
	Timestamp      string      `json:"timestamp" yaml:"timestamp"`
}

type LabelResponse struct {
	RunID     string `json:"run_id" yaml:"run_id"`
	Step      int    `json:"step" yaml:"step"`
	ClsID     int    `json:"cls_id" yaml:"cls_id"`
	Timestamp string `json:"timestamp" yaml:"timestamp"`
}

type RunResponse struct {
	RunID          string            `json:"run_id" yaml:"run_id"`
	StartedAt      string            `json:"started_at" yaml:"started_at"`
	Strategy       string            `json:"strategy" yaml:"strategy"`
	DefaultProfile string            `json:"default_profile" yaml:"default_profile"`
	ProfileNames   []string          `json:"profile_names,omitempty" yaml:"profile_names,omitempty"`
	Profiles       []ProfileResponse `json:"profiles,omitempty" yaml:"profiles,omitempty"`
	Steps          *int64            `json:"steps,omitempty" yaml:"steps,omitempty"`
}

type RunsEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Runs          []RunResponse `json:"runs"`
}

type StepsEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	RunID         string         `json:"run_id"`
	Steps         []StepResponse `json:"steps"`
}

// RunSummary is printed at the end of a replay.
type RunSummary struct {
	SchemaVersion string         `json:"schema_version"`
	RunID         string         `json:"run_id"`
	Labels        int            `json:"labels"`
	StagesDone    int            `json:"stages_done"`
	Switches      int            `json:"switches"`
	FinalProfile  string         `json:"final_profile"`
	ByProfile     map[string]int `json:"stages_by_profile,omitempty"`
}

type ValidateResponse struct {
	SchemaVersion  string   `json:"schema_version"`
	Enable         bool     `json:"enable"`
	Strategy       string   `json:"strategy"`
	DefaultProfile string   `json:"default_profile"`
	States         int      `json:"states"`
	Profiles       []string `json:"profiles"`
	Writers        []string `json:"writers"`
}

func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func FromState(st model.State) StateResponse {
	return StateResponse{
		ClsID:        st.ClsID,
		Name:         st.Name,
		FullName:     st.FullName,
		AliasOf:      st.AliasOf,
		StableMinLim: st.StableMinLim,
		Resettable:   st.IsResettable,
		Resetter:     st.IsResetter,
		Breaker:      st.IsBreaker,
		Threshold:    st.Threshold,
	}
}

func FromStepResult(r model.StepResult) StepResponse {
	counters := make(map[int]int, len(r.Counters))
	for id, n := range r.Counters {
		counters[id] = n
	}
	return StepResponse{
		RunID:          r.RunID,
		Step:           r.StepIndex,
		ClsID:          r.State.ClsID,
		State:          r.State.Name,
		ActiveProfile:  r.ActiveProfile,
		PrevProfile:    r.PrevProfile,
		Resetter:       r.Resetter,
		Breaker:        r.Breaker,
		Stable:         r.Stable,
		StageDone:      r.StageDone,
		ProfileChanged: r.ProfileChanged,
		Counters:       counters,
		History:        model.StateNames(r.History),
		Timestamp:      Timestamp(r.Timestamp),
	}
}

func FromStepRecord(r db.StepRecord) StepResponse {
	return StepResponse{
		RunID:          r.RunID,
		Step:           r.StepIndex,
		ClsID:          r.ClsID,
		State:          r.StateName,
		ActiveProfile:  r.ActiveProfile,
		PrevProfile:    r.PrevProfile,
		Resetter:       r.Resetter,
		Breaker:        r.Breaker,
		Stable:         r.Stable,
		StageDone:      r.StageDone,
		ProfileChanged: r.ProfileChanged,
		Counters:       r.Counters,
		History:        r.History,
		Timestamp:      Timestamp(r.RecordedAt),
	}
}

func FromRawLabel(l model.RawLabel) LabelResponse {
	return LabelResponse{
		RunID:     l.RunID,
		Step:      l.StepIndex,
		ClsID:     l.ClsID,
		Timestamp: Timestamp(l.Timestamp),
	}
}

func FromProfileInfo(p model.ProfileInfo) ProfileResponse {
	states := make([]StateResponse, 0, len(p.States))
	for _, st := range p.States {
		states = append(states, FromState(st))
	}
	seqs := make([][]string, 0, len(p.ExpectedSequences))
	for _, seq := range p.ExpectedSequences {
		seqs = append(seqs, model.StateNames(seq))
	}
	return ProfileResponse{
		Name:              p.Name,
		States:            states,
		InitStates:        model.StateNames(p.InitStates),
		DefaultStates:     model.StateNames(p.DefaultStates),
		ExpectedSequences: seqs,
	}
}

func FromRunInfo(run model.RunInfo) RunResponse {
	profiles := make([]ProfileResponse, 0, len(run.Profiles))
	names := make([]string, 0, len(run.Profiles))
	for _, p := range run.Profiles {
		profiles = append(profiles, FromProfileInfo(p))
		names = append(names, p.Name)
	}
	return RunResponse{
		RunID:          run.RunID,
		StartedAt:      Timestamp(run.StartedAt),
		Strategy:       run.Strategy.String(),
		DefaultProfile: run.DefaultProfile,
		ProfileNames:   names,
		Profiles:       profiles,
	}
}

func FromRunRecord(run db.RunRecord) RunResponse {
	steps := run.Steps
	return RunResponse{
		RunID:          run.RunID,
		StartedAt:      Timestamp(run.StartedAt),
		Strategy:       run.Strategy,
		DefaultProfile: run.DefaultProfile,
		ProfileNames:   run.Profiles,
		Steps:          &steps,
	}
}
