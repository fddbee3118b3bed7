// Package drift keeps a coarse failure counter per (instance, phase, step)
// that survives local retry resets, and turns it into strategy guidance.
package drift

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/statefile"
)

const maxSignals = 50

const (
	LevelNone          = 0
	LevelTactical      = 1
	LevelStrategyShift = 2
	LevelRollback      = 3
)

var levelNames = [...]string{"none", "tactical", "strategy_shift", "rollback"}

var levelGuidance = [...]string{
	"no recurring failures recorded",
	"apply a targeted fix to the reported problem",
	"the same area keeps failing: revisit the approach before retrying",
	"repeated failures across resets: roll back to an earlier phase and re-plan",
}

// Thresholds are inclusive upper bounds of the tactical and strategy-shift
// bands; counts above StrategyShiftMax recommend rollback.
type Thresholds struct {
	TacticalMax      int
	StrategyShiftMax int
}

func (t Thresholds) normalize() Thresholds {
	if t.TacticalMax <= 0 {
		t.TacticalMax = model.DefaultTacticalMax
	}
	if t.StrategyShiftMax <= t.TacticalMax {
		t.StrategyShiftMax = t.TacticalMax + (model.DefaultStrategyShiftMax - model.DefaultTacticalMax)
	}
	return t
}

// Level maps a drift count onto 0..3.
func (t Thresholds) Level(count int) int {
	t = t.normalize()
	switch {
	case count <= 0:
		return LevelNone
	case count <= t.TacticalMax:
		return LevelTactical
	case count <= t.StrategyShiftMax:
		return LevelStrategyShift
	default:
		return LevelRollback
	}
}

// Strategy is the recommendation returned to the caller.
type Strategy struct {
	Level    int                  `json:"level"`
	Name     string               `json:"name"`
	Tier     model.EscalationTier `json:"tier"`
	Guidance string               `json:"guidance"`
	Count    int                  `json:"count"`
}

// LevelName returns the strategy name of a drift level.
func LevelName(level int) string {
	if level < LevelNone || level > LevelRollback {
		return "unknown"
	}
	return levelNames[level]
}

func strategyFor(level, count int) Strategy {
	return Strategy{
		Level:    level,
		Name:     levelNames[level],
		Tier:     model.TierForLevel(level),
		Guidance: levelGuidance[level],
		Count:    count,
	}
}

type Signal struct {
	Signal  string    `json:"signal"`
	Context string    `json:"context,omitempty"`
	At      time.Time `json:"at"`
}

// State is the persisted drift counter.
type State struct {
	SchemaVersion int               `json:"schema_version"`
	Key           model.WorkUnitKey `json:"key"`
	Count         int               `json:"count"`
	Signals       []Signal          `json:"signals"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (s *State) Validate() error {
	if s.SchemaVersion != statefile.CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (expected %d)", s.SchemaVersion, statefile.CurrentSchemaVersion)
	}
	if s.Count < 0 {
		return fmt.Errorf("negative count %d", s.Count)
	}
	return s.Key.Validate()
}

// Tracker stores counters under <stateDir>/<instance>/drift/. Keys are
// reduced to (instance, phase, step); the unit is ignored.
type Tracker struct {
	stateDir   string
	files      *statefile.Files
	thresholds Thresholds
	logger     *zap.Logger
	now        func() time.Time
}

func NewTracker(stateDir string, files *statefile.Files, thresholds Thresholds, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		stateDir:   stateDir,
		files:      files,
		thresholds: thresholds.normalize(),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) Thresholds() Thresholds { return t.thresholds }

func (t *Tracker) instanceDir(instanceID string) string {
	return filepath.Join(t.stateDir, instanceID, "drift")
}

func (t *Tracker) Path(key model.WorkUnitKey) string {
	key = key.Unscoped()
	return filepath.Join(t.instanceDir(key.InstanceID), key.FileStem()+".json")
}

func (t *Tracker) load(key model.WorkUnitKey) State {
	var st State
	if !t.files.Read(t.Path(key), &st) || st.Key != key {
		return State{SchemaVersion: statefile.CurrentSchemaVersion, Key: key}
	}
	return st
}

// RecordAndGetStrategy counts one more failure signal for the coarse scope of
// key and returns the resulting strategy (level 1..3).
func (t *Tracker) RecordAndGetStrategy(key model.WorkUnitKey, signal, context string) (Strategy, error) {
	if err := key.Validate(); err != nil {
		return Strategy{}, err
	}
	key = key.Unscoped()
	st := t.load(key)

	now := t.now()
	st.Count++
	st.Signals = append(st.Signals, Signal{Signal: signal, Context: context, At: now})
	if len(st.Signals) > maxSignals {
		st.Signals = append([]Signal(nil), st.Signals[len(st.Signals)-maxSignals:]...)
	}
	st.UpdatedAt = now
	if err := t.files.Write(t.Path(key), &st); err != nil {
		return Strategy{}, fmt.Errorf("write drift state %s: %w", key, err)
	}

	s := strategyFor(t.thresholds.Level(st.Count), st.Count)
	t.logger.Info("drift recorded",
		zap.String("key", key.String()),
		zap.Int("count", st.Count),
		zap.String("strategy", s.Name))
	return s, nil
}

// Peek returns the current strategy without recording anything. A key with
// no drift yields level 0.
func (t *Tracker) Peek(key model.WorkUnitKey) (Strategy, error) {
	if err := key.Validate(); err != nil {
		return Strategy{}, err
	}
	st := t.load(key.Unscoped())
	return strategyFor(t.thresholds.Level(st.Count), st.Count), nil
}

// ResetStrategy clears the counter for the coarse scope of key.
func (t *Tracker) ResetStrategy(key model.WorkUnitKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := t.files.Remove(t.Path(key)); err != nil {
		return fmt.Errorf("reset drift state %s: %w", key.Unscoped(), err)
	}
	t.logger.Info("drift reset", zap.String("key", key.Unscoped().String()))
	return nil
}

// ResetInstance clears every drift counter of a workflow instance. It is the
// "unit complete" reset: drift keys carry no unit, so completion of a unit
// clears the whole instance.
func (t *Tracker) ResetInstance(instanceID string) error {
	if err := (model.Scope{InstanceID: instanceID}).Validate(); err != nil {
		return err
	}
	if err := t.files.RemoveDir(t.instanceDir(instanceID)); err != nil {
		return fmt.Errorf("reset drift for %s: %w", instanceID, err)
	}
	t.logger.Info("drift reset for instance", zap.String("instance", instanceID))
	return nil
}

// List returns every readable drift counter of an instance.
func (t *Tracker) List(instanceID string) ([]State, error) {
	if err := (model.Scope{InstanceID: instanceID}).Validate(); err != nil {
		return nil, err
	}
	paths, err := statefile.ListJSON(t.instanceDir(instanceID))
	if err != nil {
		return nil, err
	}
	states := make([]State, 0, len(paths))
	for _, p := range paths {
		var st State
		if t.files.Read(p, &st) {
			states = append(states, st)
		}
	}
	return states, nil
}
