// Package retry tracks consecutive failures per work-unit key and maps the
// count onto the recovery ladder that decides when automatic retries stop.
package retry

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/statefile"
)

// MaxLevel is the recovery level at which a key requires external intervention.
const MaxLevel = 3

// maxHistory bounds the per-key failure history kept on disk.
const maxHistory = 50

type Attempt struct {
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// State is the persisted counter for one key.
type State struct {
	SchemaVersion int               `json:"schema_version"`
	Key           model.WorkUnitKey `json:"key"`
	Count         int               `json:"count"`
	History       []Attempt         `json:"history"`
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

type Controller struct {
	stateDir    string
	files       *statefile.Files
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
}

// NewController returns a controller persisting under
// <stateDir>/<instance>/retry/<unit>/. maxAttempts <= 0 selects the default.
func NewController(stateDir string, files *statefile.Files, maxAttempts int, logger *zap.Logger) *Controller {
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		stateDir:    stateDir,
		files:       files,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (c *Controller) MaxAttempts() int { return c.maxAttempts }

func (c *Controller) scopeDir(scope model.Scope) string {
	return filepath.Join(c.stateDir, scope.InstanceID, "retry", scope.UnitDir())
}

func (c *Controller) Path(key model.WorkUnitKey) string {
	return filepath.Join(c.scopeDir(key.Scope()), key.FileStem()+".json")
}

// State returns the stored counter for key. A missing or damaged file
// yields a zero-count state.
func (c *Controller) State(key model.WorkUnitKey) (State, error) {
	if err := key.Validate(); err != nil {
		return State{}, err
	}
	var st State
	if !c.files.Read(c.Path(key), &st) || st.Key != key {
		return State{SchemaVersion: statefile.CurrentSchemaVersion, Key: key}, nil
	}
	return st, nil
}

// RecordFailure appends one failure to the history and returns the new count.
func (c *Controller) RecordFailure(key model.WorkUnitKey, kind, detail string) (int, error) {
	st, err := c.State(key)
	if err != nil {
		return 0, err
	}
	if kind == "" {
		kind = "failure"
	}
	now := c.now()
	st.Count++
	st.History = append(st.History, Attempt{Kind: kind, Detail: detail, At: now})
	if len(st.History) > maxHistory {
		st.History = append([]Attempt(nil), st.History[len(st.History)-maxHistory:]...)
	}
	st.UpdatedAt = now

	if err := c.files.Write(c.Path(key), &st); err != nil {
		return 0, fmt.Errorf("write retry state %s: %w", key, err)
	}
	c.logger.Info("failure recorded",
		zap.String("key", key.String()),
		zap.String("kind", kind),
		zap.Int("count", st.Count),
		zap.Int("max_attempts", c.maxAttempts))
	return st.Count, nil
}

func (c *Controller) AttemptCount(key model.WorkUnitKey) (int, error) {
	st, err := c.State(key)
	if err != nil {
		return 0, err
	}
	return st.Count, nil
}

// RecoveryLevel is 0 for a key with no recorded failure, else min(count, 3).
func (c *Controller) RecoveryLevel(key model.WorkUnitKey) (int, error) {
	n, err := c.AttemptCount(key)
	if err != nil {
		return 0, err
	}
	return LevelFor(n), nil
}

func (c *Controller) Tier(key model.WorkUnitKey) (model.EscalationTier, error) {
	level, err := c.RecoveryLevel(key)
	if err != nil {
		return model.TierInstruction, err
	}
	return model.TierForLevel(level), nil
}

// ShouldBlock reports whether automatic retries must stop for key.
func (c *Controller) ShouldBlock(key model.WorkUnitKey) (bool, error) {
	n, err := c.AttemptCount(key)
	if err != nil {
		return false, err
	}
	return n >= c.maxAttempts, nil
}

// Reset zeroes the counter for key. Resetting an unknown key is a no-op.
func (c *Controller) Reset(key model.WorkUnitKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := c.files.Remove(c.Path(key)); err != nil {
		return fmt.Errorf("reset retry state %s: %w", key, err)
	}
	c.logger.Info("retry state reset", zap.String("key", key.String()))
	return nil
}

// ResetScope drops every counter in scope.
func (c *Controller) ResetScope(scope model.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	return c.files.RemoveDir(c.scopeDir(scope))
}

// List returns every readable counter in scope, ordered by file name.
func (c *Controller) List(scope model.Scope) ([]State, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	paths, err := statefile.ListJSON(c.scopeDir(scope))
	if err != nil {
		return nil, err
	}
	states := make([]State, 0, len(paths))
	for _, p := range paths {
		var st State
		if c.files.Read(p, &st) {
			states = append(states, st)
		}
	}
	return states, nil
}

// LevelFor maps a failure count onto the 0..3 recovery ladder.
func LevelFor(count int) int {
	switch {
	case count <= 0:
		return 0
	case count >= MaxLevel:
		return MaxLevel
	default:
		return count
	}
}

// Guidance returns the caller-facing instruction for a recovery level.
func Guidance(level int) string {
	switch LevelFor(level) {
	case 0:
		return "follow the phase instructions"
	case 1:
		return "fix the reported errors and re-run the phase"
	case 2:
		return "change approach: the previous fix did not hold"
	default:
		return "requires external intervention: stop automatic retries"
	}
}
