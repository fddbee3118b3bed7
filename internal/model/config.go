// Package model defines the keys, verdicts, escalation tiers and configuration
// shared by the phase gate components.
package model

import "fmt"

type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Retry     RetryConfig     `yaml:"retry"`
	Drift     DriftConfig     `yaml:"drift"`
	Impact    ImpactConfig    `yaml:"impact"`
	Backtrack BacktrackConfig `yaml:"backtrack"`
	Lock      LockConfig      `yaml:"lock"`
	Logging   LoggingConfig   `yaml:"logging"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Notify    NotifyConfig    `yaml:"notify"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Root        string `yaml:"root"`
	Created     string `yaml:"created"`
	Description string `yaml:"description"`
}

type WorkflowConfig struct {
	InstanceID string `yaml:"instance_id"`
}

type PipelineConfig struct {
	Phases []string `yaml:"phases"`
	// Phase indices at which test-existence and integration checks start to apply.
	TestsDepth       int  `yaml:"tests_depth"`
	IntegrationDepth int  `yaml:"integration_depth"`
	ClearOnComplete  bool `yaml:"clear_on_complete"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

type DriftConfig struct {
	TacticalMax      int `yaml:"tactical_max"`
	StrategyShiftMax int `yaml:"strategy_shift_max"`
}

type ImpactConfig struct {
	MaxDepth    int      `yaml:"max_depth"`
	IndexPaths  []string `yaml:"index_paths"`
	DebounceSec float64  `yaml:"debounce_sec"`
}

type BacktrackConfig struct {
	EscalationThreshold int                                 `yaml:"escalation_threshold"`
	Routes              map[FailureCategory]BacktrackTarget `yaml:"routes"`
}

type LockConfig struct {
	Enabled    bool `yaml:"enabled"`
	TimeoutSec int  `yaml:"timeout_sec"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
	File   string `yaml:"file"`
}

type AuditConfig struct {
	Enabled  bool  `yaml:"enabled"`
	MaxBytes int64 `yaml:"max_bytes"`
}

type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

type NotifyConfig struct {
	// Command runs with the title and message appended as arguments when a
	// key exhausts its retries. Empty uses a desktop notification on macOS
	// and disables notification elsewhere.
	Command    []string `yaml:"command"`
	Desktop    bool     `yaml:"desktop"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

// DefaultPhases is the canonical discovery -> planning -> build -> scan pipeline.
var DefaultPhases = []string{"discovery", "planning", "build", "scan"}

const (
	DefaultMaxAttempts         = 3
	DefaultTacticalMax         = 3
	DefaultStrategyShiftMax    = 6
	DefaultImpactMaxDepth      = 3
	DefaultEscalationThreshold = 2
	DefaultLockTimeoutSec      = 10
	DefaultNotifyTimeoutSec    = 5
)

// ApplyDefaults fills zero values left by a partial config file.
func (c *Config) ApplyDefaults() {
	if len(c.Pipeline.Phases) == 0 {
		c.Pipeline.Phases = append([]string(nil), DefaultPhases...)
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if c.Drift.TacticalMax <= 0 {
		c.Drift.TacticalMax = DefaultTacticalMax
	}
	if c.Drift.StrategyShiftMax <= 0 {
		c.Drift.StrategyShiftMax = DefaultStrategyShiftMax
	}
	if c.Impact.MaxDepth < 0 {
		c.Impact.MaxDepth = DefaultImpactMaxDepth
	}
	if c.Impact.DebounceSec <= 0 {
		c.Impact.DebounceSec = 0.5
	}
	if c.Backtrack.EscalationThreshold <= 0 {
		c.Backtrack.EscalationThreshold = DefaultEscalationThreshold
	}
	if c.Lock.TimeoutSec <= 0 {
		c.Lock.TimeoutSec = DefaultLockTimeoutSec
	}
	if c.Notify.TimeoutSec <= 0 {
		c.Notify.TimeoutSec = DefaultNotifyTimeoutSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Pipeline.Phases))
	for i, p := range c.Pipeline.Phases {
		if err := validateSegment(fmt.Sprintf("pipeline.phases[%d]", i), p, true); err != nil {
			return err
		}
		if seen[p] {
			return fmt.Errorf("pipeline.phases: duplicate phase %q", p)
		}
		seen[p] = true
	}
	if c.Pipeline.TestsDepth < 0 || c.Pipeline.IntegrationDepth < 0 {
		return fmt.Errorf("pipeline depths must be >= 0")
	}
	if c.Pipeline.IntegrationDepth < c.Pipeline.TestsDepth {
		return fmt.Errorf("pipeline.integration_depth (%d) must be >= pipeline.tests_depth (%d)",
			c.Pipeline.IntegrationDepth, c.Pipeline.TestsDepth)
	}
	if c.Drift.StrategyShiftMax <= c.Drift.TacticalMax {
		return fmt.Errorf("drift.strategy_shift_max (%d) must be > drift.tactical_max (%d)",
			c.Drift.StrategyShiftMax, c.Drift.TacticalMax)
	}
	for cat, target := range c.Backtrack.Routes {
		if !validCategories[cat] {
			return fmt.Errorf("backtrack.routes: unknown category %q", cat)
		}
		if target.Phase == "" {
			return fmt.Errorf("backtrack.routes[%s]: phase is required", cat)
		}
	}
	if c.Workflow.InstanceID != "" {
		if err := validateSegment("workflow.instance_id", c.Workflow.InstanceID, true); err != nil {
			return err
		}
	}
	return nil
}

// PhaseIndex returns the position of phase in the canonical list, or -1.
func (c *Config) PhaseIndex(phase string) int {
	for i, p := range c.Pipeline.Phases {
		if p == phase {
			return i
		}
	}
	return -1
}
