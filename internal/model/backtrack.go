package model

import (
	"fmt"
	"strings"
)

// FailureCategory classifies a failed phase attempt for backtrack routing.
type FailureCategory string

const (
	CategoryTagIssue           FailureCategory = "TAG_ISSUE"
	CategoryTestFailure        FailureCategory = "TEST_FAILURE"
	CategoryIntegrationFailure FailureCategory = "INTEGRATION_FAILURE"
	CategoryArchitectureIssue  FailureCategory = "ARCHITECTURE_ISSUE"
)

var validCategories = map[FailureCategory]bool{
	CategoryTagIssue:           true,
	CategoryTestFailure:        true,
	CategoryIntegrationFailure: true,
	CategoryArchitectureIssue:  true,
}

func ParseFailureCategory(s string) (FailureCategory, error) {
	c := FailureCategory(strings.ToUpper(strings.TrimSpace(s)))
	if !validCategories[c] {
		return "", fmt.Errorf("unknown failure category %q", s)
	}
	return c, nil
}

// BacktrackTarget is the earlier (phase, step range) a failure category
// recommends redoing.
type BacktrackTarget struct {
	Phase    string `yaml:"phase" json:"phase"`
	FromStep string `yaml:"from_step" json:"from_step,omitempty"`
	ToStep   string `yaml:"to_step" json:"to_step,omitempty"`
	Reason   string `yaml:"reason" json:"reason,omitempty"`
}

func (t BacktrackTarget) String() string {
	switch {
	case t.FromStep == "" && t.ToStep == "":
		return t.Phase
	case t.FromStep == t.ToStep || t.ToStep == "":
		return fmt.Sprintf("%s step %s", t.Phase, t.FromStep)
	default:
		return fmt.Sprintf("%s steps %s-%s", t.Phase, t.FromStep, t.ToStep)
	}
}
