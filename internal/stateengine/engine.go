package stateengine

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/labelfsm/internal/config"
	"github.com/g960059/labelfsm/internal/model"
)

// HistoryWriter persists labels and step results. Failures are logged and
// never change engine behaviour.
type HistoryWriter interface {
	Begin(run model.RunInfo) error
	WriteLabel(label model.RawLabel) error
	WriteStep(result model.StepResult) error
	Close() error
}

// Observer receives per-step telemetry.
type Observer interface {
	ObserveStep(result model.StepResult, elapsed time.Duration)
	ObserveSwitch(from, to, reason string)
	ObserveError(err error)
}

type Option func(*Fsm)

func WithLogger(logger *slog.Logger) Option {
	return func(f *Fsm) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func WithHistoryWriter(w HistoryWriter) Option {
	return func(f *Fsm) {
		f.writer = w
	}
}

func WithObserver(o Observer) Option {
	return func(f *Fsm) {
		f.observer = o
	}
}

func WithClock(now func() time.Time) Option {
	return func(f *Fsm) {
		if now != nil {
			f.now = now
		}
	}
}

func WithRunID(id string) Option {
	return func(f *Fsm) {
		if id != "" {
			f.runID = id
		}
	}
}

// Fsm processes one label at a time. It is not safe for concurrent use;
// run one Fsm per label stream.
type Fsm struct {
	enable   bool
	cfg      config.FsmConfig
	manager  *ProfileManager
	writer   HistoryWriter
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
	runID    string
	step     int
	last     model.StepResult
	hasLast  bool
}

func New(cfg config.FsmConfig, opts ...Option) (*Fsm, error) {
	manager, err := NewProfileManager(cfg)
	if err != nil {
		return nil, err
	}
	f := &Fsm{
		enable:  cfg.Enable,
		cfg:     cfg,
		manager: manager,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     func() time.Time { return time.Now().UTC() },
		runID:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("run_id", f.runID)
	if f.enable && f.writer != nil {
		if err := f.writer.Begin(f.RunInfo()); err != nil {
			f.writerFailed("begin", err)
		}
	}
	f.logger.Info("fsm started",
		"enable", f.enable,
		"strategy", cfg.Strategy.String(),
		"profiles", len(cfg.Profiles),
		"active_profile", manager.Active().Name(),
	)
	return f, nil
}

func (f *Fsm) Enabled() bool {
	return f.enable
}

func (f *Fsm) RunID() string {
	return f.runID
}

func (f *Fsm) Manager() *ProfileManager {
	return f.manager
}

func (f *Fsm) ActiveProfile() *Profile {
	return f.manager.Active()
}

func (f *Fsm) LastResult() (model.StepResult, bool) {
	return f.last, f.hasLast
}

func (f *Fsm) RunInfo() model.RunInfo {
	infos := make([]model.ProfileInfo, 0, len(f.manager.profiles))
	for _, p := range f.manager.profiles {
		infos = append(infos, p.Info())
	}
	return model.RunInfo{
		RunID:          f.runID,
		StartedAt:      f.now(),
		Strategy:       f.cfg.Strategy,
		DefaultProfile: f.manager.defaultProfile.Name(),
		Profiles:       infos,
	}
}

// ProcessState feeds one label through every profile and returns the
// snapshot for the active profile. A completed sequence takes priority over
// switching for that step. Profiles whose sequence completed are reset after
// the snapshot is taken.
func (f *Fsm) ProcessState(clsID int) (model.StepResult, error) {
	if !f.enable {
		return model.StepResult{Empty: true}, nil
	}
	started := time.Now()
	if err := f.manager.RegisterState(clsID); err != nil {
		f.logger.Warn("label rejected", "cls_id", clsID, "err", err)
		if f.observer != nil {
			f.observer.ObserveError(err)
		}
		return model.StepResult{}, err
	}
	f.step++
	at := f.now()
	if f.writer != nil {
		if err := f.writer.WriteLabel(model.RawLabel{RunID: f.runID, StepIndex: f.step, ClsID: clsID, Timestamp: at}); err != nil {
			f.writerFailed("write label", err)
		}
	}

	f.manager.ResetByTrigger()
	f.manager.CommitStableStates()

	active := f.manager.Active()
	stageDone := active.IsExpectedSeqValid()
	changed := false
	if !stageDone {
		from := active.Name()
		changed = f.manager.UpdateActive()
		if changed {
			f.logger.Info("profile switched", "from", from, "to", f.manager.Active().Name(), "reason", "auto", "step", f.step)
			if f.observer != nil {
				f.observer.ObserveSwitch(from, f.manager.Active().Name(), "auto")
			}
		}
	}
	active = f.manager.Active()
	cur, _ := active.CurState()
	result := model.StepResult{
		RunID:          f.runID,
		StepIndex:      f.step,
		ActiveProfile:  active.Name(),
		State:          cur,
		Resetter:       active.IsResetTrigger(),
		Breaker:        active.IsBreakTrigger(),
		Stable:         active.IsStateStable(),
		StageDone:      stageDone,
		ProfileChanged: changed,
		Counters:       active.Counters().Snapshot(),
		History:        active.History().Snapshot(),
		Timestamp:      at,
	}
	if changed {
		result.PrevProfile = f.manager.Previous().Name()
	}
	if done := f.manager.ResetCompleted(); len(done) > 0 {
		f.logger.Debug("sequences completed", "profiles", done, "step", f.step)
	}
	if stageDone {
		f.logger.Info("stage done", "profile", active.Name(), "step", f.step)
	}

	f.last = result
	f.hasLast = true
	if f.writer != nil {
		if err := f.writer.WriteStep(result); err != nil {
			f.writerFailed("write step", err)
		}
	}
	if f.observer != nil {
		f.observer.ObserveStep(result, time.Since(started))
	}
	return result, nil
}

func (f *Fsm) SwitchProfileByName(name string) error {
	return f.manualSwitch("name", func() (bool, error) {
		return f.manager.SwitchByName(name)
	})
}

func (f *Fsm) SwitchProfileByMappedID(id int) error {
	return f.manualSwitch("mapped_id", func() (bool, error) {
		return f.manager.SwitchByMappedID(id)
	})
}

func (f *Fsm) manualSwitch(reason string, do func() (bool, error)) error {
	from := f.manager.Active().Name()
	changed, err := do()
	if err != nil {
		f.logger.Warn("profile switch rejected", "reason", reason, "err", err)
		if f.observer != nil {
			f.observer.ObserveError(err)
		}
		return err
	}
	if changed {
		to := f.manager.Active().Name()
		f.logger.Info("profile switched", "from", from, "to", to, "reason", reason)
		if f.observer != nil {
			f.observer.ObserveSwitch(from, to, reason)
		}
	}
	return nil
}

func (f *Fsm) ResetProfile(name string) error {
	return f.manager.ResetProfile(name)
}

// Reset reinitializes all profiles and reactivates the default profile.
// Step numbering continues so persisted steps stay unique within a run.
func (f *Fsm) Reset() {
	f.manager.ResetAll()
	f.last = model.StepResult{}
	f.hasLast = false
}

// Close releases the history writer. The Fsm must not be used afterwards.
func (f *Fsm) Close() error {
	if f.writer == nil {
		return nil
	}
	return f.writer.Close()
}

func (f *Fsm) writerFailed(op string, err error) {
	f.logger.Warn("history writer failed", "op", op, "err", err)
	if f.observer != nil {
		f.observer.ObserveError(err)
	}
}
