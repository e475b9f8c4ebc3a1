package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/g960059/labelfsm/internal/model"
)

// ErrInvalidConfig marks every configuration problem. Build reports them all
// eagerly so nothing is discovered mid-stream.
var ErrInvalidConfig = errors.New("invalid configuration")

// FsmConfig is the resolved, immutable engine configuration.
type FsmConfig struct {
	Enable         bool
	HistoryMaxLen  int
	States         map[int]model.State
	Profiles       []ProfileConfig
	Strategy       model.Strategy
	DefaultProfile string
	ProfileIDs     map[string][]int
	Writers        []WriterConfig
	Meta           map[string]interface{}
}

type ProfileConfig struct {
	Name              string
	Description       string
	States            map[int]model.State
	InitStates        []model.State
	DefaultStates     []model.State
	ExpectedSequences [][]model.State
}

type WriterConfig struct {
	Kind       string
	Format     string
	Name       string
	MaxAgeDays int
	Async      bool
	Buffer     int
}

// NormalizeProfileName is applied to every profile name at the config boundary
// and to every lookup by name.
func NormalizeProfileName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// LoadFsmConfig reads, validates and resolves a config file in one call.
func LoadFsmConfig(path string) (FsmConfig, error) {
	f, err := Load(path)
	if err != nil {
		return FsmConfig{}, err
	}
	return Build(f)
}

func Build(f File) (FsmConfig, error) {
	if err := f.Validate(); err != nil {
		return FsmConfig{}, err
	}
	states, err := buildBaseStates(f.States)
	if err != nil {
		return FsmConfig{}, err
	}
	strategy, err := model.ParseStrategy(f.SwitcherStrategy)
	if err != nil {
		return FsmConfig{}, invalid("%v", err)
	}
	maxLen := f.HistoryMaxLen
	if maxLen == 0 {
		maxLen = DefaultHistoryMaxLen
	}

	profiles := make([]ProfileConfig, 0, len(f.Profiles))
	seen := map[string]struct{}{}
	for _, pf := range f.Profiles {
		profile, err := buildProfile(pf, states, maxLen)
		if err != nil {
			return FsmConfig{}, err
		}
		if _, ok := seen[profile.Name]; ok {
			return FsmConfig{}, invalid("duplicate profile %q", profile.Name)
		}
		seen[profile.Name] = struct{}{}
		profiles = append(profiles, profile)
	}

	defaultProfile := NormalizeProfileName(f.DefaultProfile)
	if _, ok := seen[defaultProfile]; !ok {
		return FsmConfig{}, invalid("default profile %q is not declared", f.DefaultProfile)
	}

	profileIDs, err := buildProfileIDs(f.ProfileIDsMap, seen, strategy)
	if err != nil {
		return FsmConfig{}, err
	}
	writers, err := buildWriters(f.Writers)
	if err != nil {
		return FsmConfig{}, err
	}

	return FsmConfig{
		Enable:         *f.Enable,
		HistoryMaxLen:  maxLen,
		States:         states,
		Profiles:       profiles,
		Strategy:       strategy,
		DefaultProfile: defaultProfile,
		ProfileIDs:     profileIDs,
		Writers:        writers,
		Meta:           f.Meta,
	}, nil
}

func buildBaseStates(files []StateFile) (map[int]model.State, error) {
	states := make(map[int]model.State, len(files))
	names := map[string]int{}
	for _, sf := range files {
		name := strings.TrimSpace(sf.Name)
		if name == "" {
			return nil, invalid("state %d: name must not be empty", *sf.ClsID)
		}
		if _, err := strconv.Atoi(name); err == nil {
			// digits-only names would be read back as ids
			return nil, invalid("state %d: name %q must not be numeric", *sf.ClsID, name)
		}
		if _, ok := states[*sf.ClsID]; ok {
			return nil, invalid("duplicate state id %d", *sf.ClsID)
		}
		if other, ok := names[name]; ok {
			return nil, invalid("duplicate state name %q (ids %d and %d)", name, other, *sf.ClsID)
		}
		names[name] = *sf.ClsID
		states[*sf.ClsID] = model.State{
			ClsID:        *sf.ClsID,
			Name:         name,
			FullName:     sf.FullName,
			IsFiction:    boolOr(sf.Fiction, false),
			AliasOf:      sf.AliasOf,
			StableMinLim: intOr(sf.StableMinLim, 0),
			IsResettable: boolOr(sf.Resettable, true),
			IsResetter:   boolOr(sf.ResetTrigger, false),
			IsBreaker:    boolOr(sf.BreakTrigger, false),
			Threshold:    floatOr(sf.Threshold, 0),
		}
	}
	if err := validateAliases(states, ""); err != nil {
		return nil, err
	}
	return states, nil
}

func validateAliases(states map[int]model.State, profile string) error {
	where := ""
	if profile != "" {
		where = fmt.Sprintf("profile %q: ", profile)
	}
	for _, id := range sortedIDs(states) {
		st := states[id]
		if st.AliasOf == nil {
			continue
		}
		base, ok := states[*st.AliasOf]
		if !ok {
			return invalid("%sstate %s is an alias of missing state %d", where, st, *st.AliasOf)
		}
		if base.ClsID == st.ClsID {
			return invalid("%sstate %s is an alias of itself", where, st)
		}
		if base.AliasOf != nil {
			return invalid("%sstate %s is an alias of alias %s", where, st, base)
		}
	}
	return nil
}

func buildProfile(pf ProfileFile, base map[int]model.State, maxLen int) (ProfileConfig, error) {
	name := NormalizeProfileName(pf.Name)
	if name == "" {
		return ProfileConfig{}, invalid("profile name must not be empty")
	}
	states := make(map[int]model.State, len(base))
	for id, st := range base {
		states[id] = st
	}

	overrideKeys := make([]string, 0, len(pf.States))
	for key := range pf.States {
		overrideKeys = append(overrideKeys, key)
	}
	sort.Strings(overrideKeys)
	applied := map[int]string{}
	for _, key := range overrideKeys {
		ref, err := model.ParseStateRef(key)
		if err != nil {
			return ProfileConfig{}, invalid("profile %q: override key: %v", name, err)
		}
		st, err := Resolve(ref, base)
		if err != nil {
			return ProfileConfig{}, invalid("profile %q: override %q: %v", name, key, err)
		}
		if prev, ok := applied[st.ClsID]; ok {
			return ProfileConfig{}, invalid("profile %q: overrides %q and %q target the same state %s", name, prev, key, st)
		}
		applied[st.ClsID] = key
		states[st.ClsID] = applyOverride(st, pf.States[key])
	}
	if err := validateAliases(states, name); err != nil {
		return ProfileConfig{}, err
	}

	initStates, err := resolveAll(pf.InitStates, states, true)
	if err != nil {
		return ProfileConfig{}, invalid("profile %q: init_states: %v", name, err)
	}
	if len(initStates) > maxLen {
		return ProfileConfig{}, invalid("profile %q: %d init states exceed history_max_len %d", name, len(initStates), maxLen)
	}
	defaultStates, err := resolveAll(pf.DefaultStates, states, false)
	if err != nil {
		return ProfileConfig{}, invalid("profile %q: default_states: %v", name, err)
	}
	sequences := make([][]model.State, 0, len(pf.ExpectedSequences))
	for i, raw := range pf.ExpectedSequences {
		if len(raw) == 0 {
			return ProfileConfig{}, invalid("profile %q: expected sequence %d is empty", name, i)
		}
		seq, err := resolveAll(raw, states, true)
		if err != nil {
			return ProfileConfig{}, invalid("profile %q: expected sequence %d: %v", name, i, err)
		}
		if len(seq) > maxLen {
			return ProfileConfig{}, invalid("profile %q: expected sequence %d is longer than history_max_len %d", name, i, maxLen)
		}
		sequences = append(sequences, seq)
	}
	if len(sequences) == 0 {
		return ProfileConfig{}, invalid("profile %q: at least one expected sequence is required", name)
	}

	return ProfileConfig{
		Name:              name,
		Description:       pf.Description,
		States:            states,
		InitStates:        initStates,
		DefaultStates:     defaultStates,
		ExpectedSequences: sequences,
	}, nil
}

func applyOverride(st model.State, o StateOverride) model.State {
	if o.FullName != nil {
		st.FullName = *o.FullName
	}
	if o.Fiction != nil {
		st.IsFiction = *o.Fiction
	}
	if o.AliasOf != nil {
		alias := *o.AliasOf
		st.AliasOf = &alias
	}
	if o.StableMinLim != nil {
		st.StableMinLim = *o.StableMinLim
	}
	if o.Resettable != nil {
		st.IsResettable = *o.Resettable
	}
	if o.ResetTrigger != nil {
		st.IsResetter = *o.ResetTrigger
	}
	if o.BreakTrigger != nil {
		st.IsBreaker = *o.BreakTrigger
	}
	if o.Threshold != nil {
		st.Threshold = *o.Threshold
	}
	return st
}

// Resolve finds the state a reference points at.
func Resolve(ref model.StateRef, states map[int]model.State) (model.State, error) {
	if id, ok := ref.ID(); ok {
		st, found := states[id]
		if !found {
			return model.State{}, fmt.Errorf("unknown state id %d", id)
		}
		return st, nil
	}
	if name, ok := ref.Name(); ok {
		for _, id := range sortedIDs(states) {
			if states[id].Name == name {
				return states[id], nil
			}
		}
		return model.State{}, fmt.Errorf("unknown state name %q", name)
	}
	return model.State{}, fmt.Errorf("empty state reference")
}

// resolveAll optionally replaces aliases by their base state, which is what
// the engine records in history.
func resolveAll(refs []Ref, states map[int]model.State, canonical bool) ([]model.State, error) {
	out := make([]model.State, 0, len(refs))
	for _, ref := range refs {
		st, err := Resolve(ref.StateRef, states)
		if err != nil {
			return nil, err
		}
		if canonical && st.IsAlias() {
			st = states[st.BaseClsID()]
		}
		out = append(out, st)
	}
	return out, nil
}

func buildProfileIDs(raw map[string][]int, profiles map[string]struct{}, strategy model.Strategy) (map[string][]int, error) {
	out := make(map[string][]int, len(raw))
	owner := map[int]string{}
	unmapped := ""
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, rawName := range names {
		name := NormalizeProfileName(rawName)
		if _, ok := profiles[name]; !ok {
			return nil, invalid("profile_ids_map: unknown profile %q", rawName)
		}
		if _, ok := out[name]; ok {
			return nil, invalid("profile_ids_map: profile %q listed twice", rawName)
		}
		ids := append([]int(nil), raw[rawName]...)
		if len(ids) == 0 {
			if unmapped != "" {
				return nil, invalid("profile_ids_map: both %q and %q claim unmapped ids", unmapped, name)
			}
			unmapped = name
		}
		for _, id := range ids {
			if prev, ok := owner[id]; ok {
				return nil, invalid("profile_ids_map: id %d mapped to both %q and %q", id, prev, name)
			}
			owner[id] = name
		}
		out[name] = ids
	}
	if strategy == model.StrategyByMappedID && unmapped == "" {
		return nil, invalid("profile_ids_map: strategy %s requires a profile with an empty id list for unmapped ids", strategy)
	}
	return out, nil
}

func buildWriters(files []WriterFile) ([]WriterConfig, error) {
	out := make([]WriterConfig, 0, len(files))
	for _, wf := range files {
		if !boolOr(wf.Enable, true) {
			continue
		}
		name := strings.TrimSpace(wf.Name)
		if name == "" {
			return nil, invalid("writer %s/%s: name must not be empty", wf.Kind, wf.Format)
		}
		out = append(out, WriterConfig{
			Kind:       wf.Kind,
			Format:     wf.Format,
			Name:       name,
			MaxAgeDays: intOr(wf.MaxAgeDays, DefaultMaxAgeDays),
			Async:      wf.Async,
			Buffer:     wf.Buffer,
		})
	}
	return out, nil
}

func sortedIDs(states map[int]model.State) []int {
	ids := make([]int, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
