// Package checkpoint persists one verdict record per (workflow instance,
// unit-of-work, phase, step) and answers whether the next phase may run.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/statefile"
)

// Record is the on-disk checkpoint document. Payload is opaque to the store.
type Record struct {
	SchemaVersion int               `json:"schema_version"`
	Key           model.WorkUnitKey `json:"key"`
	Verdict       model.Verdict     `json:"verdict"`
	CreatedAt     time.Time         `json:"created_at"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
}

func (r *Record) Validate() error {
	if r.SchemaVersion != statefile.CurrentSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d (expected %d)", r.SchemaVersion, statefile.CurrentSchemaVersion)
	}
	if !r.Verdict.Valid() {
		return fmt.Errorf("invalid verdict %q", r.Verdict)
	}
	return r.Key.Validate()
}

// Handle identifies a written record.
type Handle struct {
	Key  model.WorkUnitKey `json:"key"`
	Path string            `json:"path"`
}

// Decision is the answer to "may this phase run now".
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	BlockedOn string `json:"blocked_on,omitempty"`
}

// Store keeps checkpoints under <stateDir>/<instance>/checkpoints/<unit>/.
// It assumes at most one writer per instance at a time; the gate facade
// enforces that with an instance lock.
type Store struct {
	stateDir string
	files    *statefile.Files
	logger   *zap.Logger
	now      func() time.Time
}

func NewStore(stateDir string, files *statefile.Files, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		stateDir: stateDir,
		files:    files,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) scopeDir(scope model.Scope) string {
	return filepath.Join(s.stateDir, scope.InstanceID, "checkpoints", scope.UnitDir())
}

func (s *Store) Path(key model.WorkUnitKey) string {
	return filepath.Join(s.scopeDir(key.Scope()), key.FileStem()+".json")
}

// Write creates or overwrites the record for key (last write wins).
func (s *Store) Write(key model.WorkUnitKey, verdict model.Verdict, payload json.RawMessage) (Handle, error) {
	if err := key.Validate(); err != nil {
		return Handle{}, err
	}
	if !verdict.Valid() {
		return Handle{}, fmt.Errorf("invalid verdict %q", verdict)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return Handle{}, fmt.Errorf("checkpoint payload for %s is not valid JSON", key)
	}

	rec := Record{
		SchemaVersion: statefile.CurrentSchemaVersion,
		Key:           key,
		Verdict:       verdict,
		CreatedAt:     s.now(),
		Payload:       payload,
	}
	path := s.Path(key)
	if err := s.files.Write(path, &rec); err != nil {
		return Handle{}, fmt.Errorf("write checkpoint %s: %w", key, err)
	}
	s.logger.Debug("checkpoint written",
		zap.String("key", key.String()), zap.String("verdict", string(verdict)))
	return Handle{Key: key, Path: path}, nil
}

// Read returns the record for key, or nil when none exists. A damaged record
// file also reads as nil so the caller simply re-runs the phase.
func (s *Store) Read(key model.WorkUnitKey) (*Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var rec Record
	if !s.files.Read(s.Path(key), &rec) {
		return nil, nil
	}
	if rec.Key != key {
		s.logger.Warn("checkpoint key mismatch, ignoring record",
			zap.String("expected", key.String()), zap.String("found", rec.Key.String()))
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) passed(key model.WorkUnitKey) bool {
	rec, err := s.Read(key)
	return err == nil && rec != nil && rec.Verdict == model.VerdictPass
}

// LastCompletedPhase returns the last phase in phases whose phase-level
// record is PASS. Earlier phases without a record do not stop the scan, so
// a later PASS can mask a gap; PassPrefix is the gap-aware alternative.
func (s *Store) LastCompletedPhase(scope model.Scope, phases []string) (string, bool) {
	last, found := "", false
	for _, phase := range phases {
		if s.passed(phaseKey(scope, phase)) {
			last, found = phase, true
		}
	}
	return last, found
}

// PassPrefix returns the last phase of the unbroken run of PASS records
// starting at phases[0].
func (s *Store) PassPrefix(scope model.Scope, phases []string) (string, bool) {
	last, found := "", false
	for _, phase := range phases {
		if !s.passed(phaseKey(scope, phase)) {
			break
		}
		last, found = phase, true
	}
	return last, found
}

// CanExecute allows the first phase unconditionally and any later phase only
// when the immediately preceding phase has a phase-level PASS record in the
// same scope.
func (s *Store) CanExecute(key model.WorkUnitKey, phases []string) (Decision, error) {
	if err := key.Validate(); err != nil {
		return Decision{}, err
	}
	idx := indexOf(phases, key.Phase)
	switch {
	case idx < 0:
		return Decision{Allowed: false, Reason: fmt.Sprintf("unknown phase %q", key.Phase)}, nil
	case idx == 0:
		return Decision{Allowed: true}, nil
	}

	prev := phases[idx-1]
	rec, err := s.Read(key.WithPhase(prev))
	if err != nil {
		return Decision{}, err
	}
	if rec == nil {
		return Decision{
			Allowed:   false,
			BlockedOn: prev,
			Reason:    fmt.Sprintf("phase %q has no checkpoint", prev),
		}, nil
	}
	if rec.Verdict != model.VerdictPass {
		return Decision{
			Allowed:   false,
			BlockedOn: prev,
			Reason:    fmt.Sprintf("phase %q verdict is %s", prev, rec.Verdict),
		}, nil
	}
	return Decision{Allowed: true}, nil
}

// Clear deletes every record in scope across all phases. Clearing an empty
// scope is a no-op.
func (s *Store) Clear(scope model.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := s.files.RemoveDir(s.scopeDir(scope)); err != nil {
		return fmt.Errorf("clear checkpoints for %s/%s: %w", scope.InstanceID, scope.UnitDir(), err)
	}
	s.logger.Info("checkpoints cleared",
		zap.String("instance", scope.InstanceID), zap.String("unit", scope.UnitID))
	return nil
}

// List returns every readable record in scope, ordered by file name.
func (s *Store) List(scope model.Scope) ([]Record, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	paths, err := statefile.ListJSON(s.scopeDir(scope))
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(paths))
	for _, p := range paths {
		var rec Record
		if s.files.Read(p, &rec) {
			records = append(records, rec)
		}
	}
	return records, nil
}

func phaseKey(scope model.Scope, phase string) model.WorkUnitKey {
	return model.WorkUnitKey{InstanceID: scope.InstanceID, UnitID: scope.UnitID, Phase: phase}
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
