package model

import "fmt"

// EscalationTier orders how aggressively guidance escalates after failures.
// Tiers are derived from counters and never stored.
type EscalationTier int

const (
	TierInstruction EscalationTier = iota
	TierTactical
	TierStrategyShift
	TierRollback
)

var tierNames = map[EscalationTier]string{
	TierInstruction:   "INSTRUCTION",
	TierTactical:      "TACTICAL",
	TierStrategyShift: "STRATEGY_SHIFT",
	TierRollback:      "ROLLBACK",
}

func (t EscalationTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TIER(%d)", int(t))
}

func (t EscalationTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *EscalationTier) UnmarshalText(b []byte) error {
	for tier, name := range tierNames {
		if name == string(b) {
			*t = tier
			return nil
		}
	}
	return fmt.Errorf("unknown escalation tier %q", string(b))
}

// TierForLevel clamps a recovery level into the tier range.
func TierForLevel(level int) EscalationTier {
	switch {
	case level <= 0:
		return TierInstruction
	case level >= int(TierRollback):
		return TierRollback
	default:
		return EscalationTier(level)
	}
}
