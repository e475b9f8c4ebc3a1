package stateengine

import (
	"fmt"

	"github.com/g960059/labelfsm/internal/config"
)

// ProfileManager owns every profile and the switcher. All profiles track
// every label so inactive ones keep accumulating evidence.
type ProfileManager struct {
	profiles       []*Profile
	byName         map[string]*Profile
	switcher       *Switcher
	defaultProfile *Profile
	active         *Profile
	prev           *Profile
}

func NewProfileManager(cfg config.FsmConfig) (*ProfileManager, error) {
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("%w: no profiles configured", config.ErrInvalidConfig)
	}
	m := &ProfileManager{
		profiles: make([]*Profile, 0, len(cfg.Profiles)),
		byName:   make(map[string]*Profile, len(cfg.Profiles)),
	}
	for _, pc := range cfg.Profiles {
		name := config.NormalizeProfileName(pc.Name)
		if _, ok := m.byName[name]; ok {
			return nil, fmt.Errorf("%w: duplicate profile %q", config.ErrInvalidConfig, name)
		}
		if len(pc.ExpectedSequences) == 0 {
			return nil, fmt.Errorf("%w: profile %q has no expected sequences", config.ErrInvalidConfig, name)
		}
		pc.Name = name
		p := NewProfile(pc, cfg.HistoryMaxLen)
		m.profiles = append(m.profiles, p)
		m.byName[name] = p
	}
	def, ok := m.byName[config.NormalizeProfileName(cfg.DefaultProfile)]
	if !ok {
		return nil, fmt.Errorf("%w: default profile %q is not declared", config.ErrInvalidConfig, cfg.DefaultProfile)
	}
	switcher, err := NewSwitcher(cfg.Strategy, m.profiles, cfg.ProfileIDs)
	if err != nil {
		return nil, err
	}
	m.switcher = switcher
	m.defaultProfile = def
	m.active = def
	m.prev = def
	return m, nil
}

func (m *ProfileManager) Profiles() []*Profile {
	return append([]*Profile(nil), m.profiles...)
}

func (m *ProfileManager) Profile(name string) (*Profile, bool) {
	p, ok := m.byName[config.NormalizeProfileName(name)]
	return p, ok
}

func (m *ProfileManager) Active() *Profile {
	return m.active
}

func (m *ProfileManager) Previous() *Profile {
	return m.prev
}

func (m *ProfileManager) Switcher() *Switcher {
	return m.switcher
}

// RegisterState moves every profile cursor to clsID and counts it. The id is
// checked against all profiles first so a failure leaves no profile touched.
func (m *ProfileManager) RegisterState(clsID int) error {
	for _, p := range m.profiles {
		if _, ok := p.State(clsID); !ok {
			return fmt.Errorf("%w: profile %q has no state %d", ErrUnknownState, p.Name(), clsID)
		}
	}
	for _, p := range m.profiles {
		if err := p.SetCurState(clsID); err != nil {
			return err
		}
		if _, err := p.IncrementCounter(); err != nil {
			return err
		}
	}
	return nil
}

func (m *ProfileManager) ResetByTrigger() {
	for _, p := range m.profiles {
		p.HandleResetTrigger()
	}
}

func (m *ProfileManager) CommitStableStates() {
	for _, p := range m.profiles {
		p.CommitStable()
	}
}

// UpdateActive asks the switcher for a profile and activates it when it
// differs from the current one.
func (m *ProfileManager) UpdateActive() bool {
	p, ok := m.switcher.ChooseValid()
	if !ok {
		return false
	}
	return m.activate(p)
}

func (m *ProfileManager) SwitchByName(name string) (bool, error) {
	p, err := m.switcher.ChooseByName(name)
	if err != nil {
		return false, err
	}
	return m.activate(p), nil
}

func (m *ProfileManager) SwitchByMappedID(id int) (bool, error) {
	p, err := m.switcher.ChooseByMappedID(id)
	if err != nil {
		return false, err
	}
	return m.activate(p), nil
}

// activate resets the incoming profile only; the one being left keeps its
// evidence.
func (m *ProfileManager) activate(p *Profile) bool {
	if p == m.active {
		return false
	}
	m.prev = m.active
	m.active = p
	p.ResetToInit()
	return true
}

// ResetCompleted reinitializes every profile whose expected sequence is
// complete and returns their names.
func (m *ProfileManager) ResetCompleted() []string {
	var done []string
	for _, p := range m.profiles {
		if p.IsExpectedSeqValid() {
			p.ResetToInit()
			done = append(done, p.Name())
		}
	}
	return done
}

func (m *ProfileManager) ResetProfile(name string) error {
	p, ok := m.Profile(name)
	if !ok {
		return fmt.Errorf("%w: unknown profile %q", ErrSwitch, name)
	}
	p.ResetToInit()
	return nil
}

// ResetAll reinitializes every profile and reactivates the default one.
func (m *ProfileManager) ResetAll() {
	for _, p := range m.profiles {
		p.ResetToInit()
	}
	m.prev = m.active
	m.active = m.defaultProfile
}
