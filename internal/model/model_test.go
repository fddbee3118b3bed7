package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey_Validation(t *testing.T) {
	tests := []struct {
		name     string
		instance string
		unit     string
		phase    string
		step     string
		wantErr  string
	}{
		{"full key", "wf1", "item-3", "build", "2", ""},
		{"global phase", "wf1", "", "discovery", "", ""},
		{"missing instance", "", "u", "build", "", "instance_id"},
		{"missing phase", "wf1", "u", "", "", "phase"},
		{"path traversal unit", "wf1", "../x", "build", "", "unit_id"},
		{"slash in step", "wf1", "u", "build", "a/b", "step"},
		{"reserved global dir", "wf1", GlobalUnitDir, "build", "", "unit_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKey(tt.instance, tt.unit, tt.phase, tt.step)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var keyErr *KeyError
			require.True(t, errors.As(err, &keyErr))
			assert.Equal(t, tt.wantErr, keyErr.Field)
		})
	}
}

func TestWorkUnitKey_Derivations(t *testing.T) {
	k := WorkUnitKey{InstanceID: "wf1", UnitID: "item-3", Phase: "build", Step: "2"}

	assert.Equal(t, "build--2", k.FileStem())
	assert.Equal(t, "build", k.WithPhase("build").FileStem())
	assert.Equal(t, WorkUnitKey{InstanceID: "wf1", UnitID: "item-3", Phase: "planning"}, k.WithPhase("planning"))
	assert.Equal(t, "", k.Unscoped().UnitID)
	assert.Equal(t, "2", k.Unscoped().Step)
	assert.Equal(t, "item-3", k.Scope().UnitDir())
	assert.Equal(t, GlobalUnitDir, Scope{InstanceID: "wf1"}.UnitDir())
	assert.Equal(t, "wf1/item-3:build#2", k.String())
	assert.Equal(t, "wf1:scan", WorkUnitKey{InstanceID: "wf1", Phase: "scan"}.String())
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict(" pass ")
	require.NoError(t, err)
	assert.Equal(t, VerdictPass, v)
	assert.False(t, v.IsFailure())

	v, err = ParseVerdict("BLOCKER")
	require.NoError(t, err)
	assert.True(t, v.IsFailure())

	_, err = ParseVerdict("FAILED")
	assert.Error(t, err)
}

func TestTierForLevel(t *testing.T) {
	assert.Equal(t, TierInstruction, TierForLevel(-1))
	assert.Equal(t, TierInstruction, TierForLevel(0))
	assert.Equal(t, TierTactical, TierForLevel(1))
	assert.Equal(t, TierStrategyShift, TierForLevel(2))
	assert.Equal(t, TierRollback, TierForLevel(3))
	assert.Equal(t, TierRollback, TierForLevel(9))
	assert.True(t, TierInstruction < TierTactical && TierTactical < TierStrategyShift && TierStrategyShift < TierRollback)
}

func TestEscalationTier_TextRoundTrip(t *testing.T) {
	b, err := TierStrategyShift.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "STRATEGY_SHIFT", string(b))

	var tier EscalationTier
	require.NoError(t, tier.UnmarshalText(b))
	assert.Equal(t, TierStrategyShift, tier)
	assert.Error(t, tier.UnmarshalText([]byte("PANIC")))
}

func TestConfig_DefaultsAndValidate(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, DefaultPhases, cfg.Pipeline.Phases)
	assert.Equal(t, DefaultMaxAttempts, cfg.Retry.MaxAttempts)
	assert.Equal(t, DefaultTacticalMax, cfg.Drift.TacticalMax)
	assert.Equal(t, DefaultStrategyShiftMax, cfg.Drift.StrategyShiftMax)
	assert.Equal(t, 2, cfg.PhaseIndex("build"))
	assert.Equal(t, -1, cfg.PhaseIndex("deploy"))
	assert.NoError(t, cfg.Validate())

	cfg.Pipeline.Phases = []string{"a", "b", "a"}
	assert.ErrorContains(t, cfg.Validate(), "duplicate phase")

	cfg.Pipeline.Phases = DefaultPhases
	cfg.Pipeline.TestsDepth = 3
	cfg.Pipeline.IntegrationDepth = 2
	assert.ErrorContains(t, cfg.Validate(), "integration_depth")

	cfg.Pipeline.IntegrationDepth = 3
	cfg.Backtrack.Routes = map[FailureCategory]BacktrackTarget{"BOGUS": {Phase: "build"}}
	assert.ErrorContains(t, cfg.Validate(), "unknown category")
}

func TestBacktrackTarget_String(t *testing.T) {
	assert.Equal(t, "planning", BacktrackTarget{Phase: "planning"}.String())
	assert.Equal(t, "build step 1", BacktrackTarget{Phase: "build", FromStep: "1", ToStep: "1"}.String())
	assert.Equal(t, "build steps 2-3", BacktrackTarget{Phase: "build", FromStep: "2", ToStep: "3"}.String())
}
