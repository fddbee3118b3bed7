package model

import (
	"fmt"
	"regexp"
	"strings"
)

// GlobalUnitDir is the directory name used for records that are not scoped
// to a unit-of-work. It cannot collide with a unit id because ids must start
// with an alphanumeric character.
const GlobalUnitDir = "_global"

var segmentRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// WorkUnitKey identifies one step of one phase of a workflow instance,
// optionally scoped to a unit-of-work. It is the lookup key for checkpoints,
// retry counters and drift counters.
type WorkUnitKey struct {
	InstanceID string `json:"instance_id"`
	UnitID     string `json:"unit_id,omitempty"`
	Phase      string `json:"phase"`
	Step       string `json:"step,omitempty"`
}

// Scope identifies a unit-of-work inside a workflow instance.
type Scope struct {
	InstanceID string `json:"instance_id"`
	UnitID     string `json:"unit_id,omitempty"`
}

type KeyError struct {
	Field string
	Value string
	Msg   string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Msg)
}

func NewKey(instanceID, unitID, phase, step string) (WorkUnitKey, error) {
	k := WorkUnitKey{
		InstanceID: instanceID,
		UnitID:     unitID,
		Phase:      phase,
		Step:       step,
	}
	if err := k.Validate(); err != nil {
		return WorkUnitKey{}, err
	}
	return k, nil
}

func (k WorkUnitKey) Validate() error {
	if err := validateSegment("instance_id", k.InstanceID, true); err != nil {
		return err
	}
	if err := validateSegment("unit_id", k.UnitID, false); err != nil {
		return err
	}
	if err := validateSegment("phase", k.Phase, true); err != nil {
		return err
	}
	return validateSegment("step", k.Step, false)
}

func (s Scope) Validate() error {
	if err := validateSegment("instance_id", s.InstanceID, true); err != nil {
		return err
	}
	return validateSegment("unit_id", s.UnitID, false)
}

func validateSegment(field, value string, required bool) error {
	if value == "" {
		if required {
			return &KeyError{Field: field, Value: value, Msg: "must not be empty"}
		}
		return nil
	}
	if !segmentRegex.MatchString(value) {
		return &KeyError{Field: field, Value: value, Msg: "must match " + segmentRegex.String()}
	}
	return nil
}

func (k WorkUnitKey) Scope() Scope {
	return Scope{InstanceID: k.InstanceID, UnitID: k.UnitID}
}

// WithPhase returns a copy of k addressing the phase-level record (no step)
// of another phase in the same scope.
func (k WorkUnitKey) WithPhase(phase string) WorkUnitKey {
	return WorkUnitKey{InstanceID: k.InstanceID, UnitID: k.UnitID, Phase: phase}
}

// Unscoped drops the unit id. Used by counters that are keyed per
// (instance, phase, step) regardless of unit.
func (k WorkUnitKey) Unscoped() WorkUnitKey {
	k.UnitID = ""
	return k
}

// FileStem is the file name (without extension) used for this key inside its
// scope directory.
func (k WorkUnitKey) FileStem() string {
	if k.Step == "" {
		return k.Phase
	}
	return k.Phase + "--" + k.Step
}

func (s Scope) UnitDir() string {
	if s.UnitID == "" {
		return GlobalUnitDir
	}
	return s.UnitID
}

func (k WorkUnitKey) String() string {
	var sb strings.Builder
	sb.WriteString(k.InstanceID)
	if k.UnitID != "" {
		sb.WriteString("/")
		sb.WriteString(k.UnitID)
	}
	sb.WriteString(":")
	sb.WriteString(k.Phase)
	if k.Step != "" {
		sb.WriteString("#")
		sb.WriteString(k.Step)
	}
	return sb.String()
}
