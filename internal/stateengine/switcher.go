package stateengine

import (
	"fmt"
	"sort"

	"github.com/g960059/labelfsm/internal/config"
	"github.com/g960059/labelfsm/internal/model"
)

// Switcher picks the active profile under one strategy. Profiles are always
// scanned in declaration order.
type Switcher struct {
	strategy model.Strategy
	profiles []*Profile
	byName   map[string]*Profile
	idToName map[int]string
	unmapped string
}

func NewSwitcher(strategy model.Strategy, profiles []*Profile, profileIDs map[string][]int) (*Switcher, error) {
	if _, ok := strategyNames[strategy]; !ok {
		return nil, fmt.Errorf("%w: unknown switcher strategy %d", config.ErrInvalidConfig, strategy)
	}
	s := &Switcher{
		strategy: strategy,
		profiles: profiles,
		byName:   make(map[string]*Profile, len(profiles)),
		idToName: map[int]string{},
	}
	for _, p := range profiles {
		s.byName[p.Name()] = p
	}

	names := make([]string, 0, len(profileIDs))
	for name := range profileIDs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, rawName := range names {
		name := config.NormalizeProfileName(rawName)
		if _, ok := s.byName[name]; !ok {
			return nil, fmt.Errorf("%w: profile_ids_map names unknown profile %q", config.ErrInvalidConfig, rawName)
		}
		ids := profileIDs[rawName]
		if len(ids) == 0 && s.unmapped == "" {
			s.unmapped = name
		}
		for _, id := range ids {
			s.idToName[id] = name
		}
	}
	if strategy == model.StrategyByMappedID && s.unmapped == "" {
		return nil, fmt.Errorf("%w: strategy %s needs a default profile for unmapped ids", config.ErrInvalidConfig, strategy)
	}
	return s, nil
}

var strategyNames = map[model.Strategy]struct{}{
	model.StrategyManual:      {},
	model.StrategyByMatch:     {},
	model.StrategyByExclusion: {},
	model.StrategyMixed:       {},
	model.StrategyByMappedID:  {},
}

func (s *Switcher) Strategy() model.Strategy {
	return s.strategy
}

// ChooseValid returns the profile the strategy selects this step, if any.
// Manual and mapped-id strategies never choose automatically.
func (s *Switcher) ChooseValid() (*Profile, bool) {
	switch s.strategy {
	case model.StrategyByMatch:
		return s.chooseByMatch()
	case model.StrategyByExclusion:
		return s.chooseByExclusion()
	case model.StrategyMixed:
		if p, ok := s.chooseByMatch(); ok {
			return p, true
		}
		return s.chooseByExclusion()
	default:
		return nil, false
	}
}

func (s *Switcher) ChooseByName(name string) (*Profile, error) {
	p, ok := s.byName[config.NormalizeProfileName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown profile %q", ErrSwitch, name)
	}
	return p, nil
}

// ChooseByMappedID falls back to the unmapped-id profile for ids not listed.
func (s *Switcher) ChooseByMappedID(id int) (*Profile, error) {
	name, ok := s.idToName[id]
	if !ok {
		if s.unmapped == "" {
			return nil, fmt.Errorf("%w: id %d is not mapped and no default profile is configured", ErrSwitch, id)
		}
		name = s.unmapped
	}
	return s.byName[name], nil
}

func (s *Switcher) chooseByMatch() (*Profile, bool) {
	for _, p := range s.profiles {
		if p.IsExpectedSeqValid() {
			return p, true
		}
	}
	return nil, false
}

// chooseByExclusion only decides when exactly one profile is still possible.
func (s *Switcher) chooseByExclusion() (*Profile, bool) {
	var candidate *Profile
	for _, p := range s.profiles {
		if p.IsImpossible() {
			continue
		}
		if candidate != nil {
			return nil, false
		}
		candidate = p
	}
	return candidate, candidate != nil
}
