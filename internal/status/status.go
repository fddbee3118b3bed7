// Package status summarizes the gate state of a workflow instance.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/msageha/phasegate/internal/checkpoint"
	"github.com/msageha/phasegate/internal/drift"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/retry"
)

type InstanceStatus struct {
	InstanceID string        `json:"instance_id"`
	Phases     []string      `json:"phases"`
	Units      []UnitStatus  `json:"units"`
	Drift      []DriftStatus `json:"drift,omitempty"`
}

type UnitStatus struct {
	UnitID string `json:"unit_id,omitempty"`
	// LastCompletedPhase is the last phase with a PASS record, gaps ignored.
	LastCompletedPhase string `json:"last_completed_phase,omitempty"`
	// PassPrefix is the last phase of the unbroken PASS run from the first phase.
	PassPrefix string         `json:"pass_prefix,omitempty"`
	HasGap     bool           `json:"has_gap,omitempty"`
	NextPhase  string         `json:"next_phase,omitempty"`
	Records    []RecordStatus `json:"records,omitempty"`
	Retry      []RetryStatus  `json:"retry,omitempty"`
}

type RecordStatus struct {
	Phase     string        `json:"phase"`
	Step      string        `json:"step,omitempty"`
	Verdict   model.Verdict `json:"verdict"`
	CreatedAt time.Time     `json:"created_at"`
}

type RetryStatus struct {
	Phase   string `json:"phase"`
	Step    string `json:"step,omitempty"`
	Count   int    `json:"count"`
	Level   int    `json:"level"`
	Blocked bool   `json:"blocked"`
}

type DriftStatus struct {
	Phase string `json:"phase"`
	Step  string `json:"step,omitempty"`
	Count int    `json:"count"`
	Level int    `json:"level"`
	Name  string `json:"name"`
}

// Sources are the stores a status report reads from.
type Sources struct {
	StateDir    string
	Checkpoints *checkpoint.Store
	Retry       *retry.Controller
	Drift       *drift.Tracker
}

// ListUnits returns the unit ids with any checkpoint or retry state, sorted.
// The global scope is reported as "".
func ListUnits(stateDir, instanceID string) ([]string, error) {
	seen := make(map[string]bool)
	for _, kind := range []string{"checkpoints", "retry"} {
		entries, err := os.ReadDir(filepath.Join(stateDir, instanceID, kind))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", kind, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			unit := e.Name()
			if unit == model.GlobalUnitDir {
				unit = ""
			}
			seen[unit] = true
		}
	}
	units := make([]string, 0, len(seen))
	for u := range seen {
		units = append(units, u)
	}
	sort.Strings(units)
	return units, nil
}

// Collect builds the status of one instance. units restricts the report;
// nil reports every unit with state.
func Collect(src Sources, instanceID string, phases []string, units []string) (*InstanceStatus, error) {
	if units == nil {
		var err error
		units, err = ListUnits(src.StateDir, instanceID)
		if err != nil {
			return nil, err
		}
	}

	st := &InstanceStatus{InstanceID: instanceID, Phases: phases, Units: []UnitStatus{}}
	for _, unit := range units {
		us, err := collectUnit(src, model.Scope{InstanceID: instanceID, UnitID: unit}, phases)
		if err != nil {
			return nil, err
		}
		st.Units = append(st.Units, *us)
	}

	driftStates, err := src.Drift.List(instanceID)
	if err != nil {
		return nil, err
	}
	th := src.Drift.Thresholds()
	for _, d := range driftStates {
		level := th.Level(d.Count)
		st.Drift = append(st.Drift, DriftStatus{
			Phase: d.Key.Phase,
			Step:  d.Key.Step,
			Count: d.Count,
			Level: level,
			Name:  drift.LevelName(level),
		})
	}
	return st, nil
}

func collectUnit(src Sources, scope model.Scope, phases []string) (*UnitStatus, error) {
	us := &UnitStatus{UnitID: scope.UnitID}
	us.LastCompletedPhase, _ = src.Checkpoints.LastCompletedPhase(scope, phases)
	prefix, found := src.Checkpoints.PassPrefix(scope, phases)
	us.PassPrefix = prefix
	us.HasGap = us.LastCompletedPhase != prefix

	next := 0
	if found {
		for i, p := range phases {
			if p == prefix {
				next = i + 1
			}
		}
	}
	if next < len(phases) {
		us.NextPhase = phases[next]
	}

	records, err := src.Checkpoints.List(scope)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		us.Records = append(us.Records, RecordStatus{
			Phase:     r.Key.Phase,
			Step:      r.Key.Step,
			Verdict:   r.Verdict,
			CreatedAt: r.CreatedAt,
		})
	}

	retryStates, err := src.Retry.List(scope)
	if err != nil {
		return nil, err
	}
	for _, r := range retryStates {
		us.Retry = append(us.Retry, RetryStatus{
			Phase:   r.Key.Phase,
			Step:    r.Key.Step,
			Count:   r.Count,
			Level:   retry.LevelFor(r.Count),
			Blocked: r.Count >= src.Retry.MaxAttempts(),
		})
	}
	return us, nil
}

// Write renders s as indented JSON or as text.
func Write(w io.Writer, s *InstanceStatus, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}
	printStatus(w, s)
	return nil
}

func printStatus(w io.Writer, s *InstanceStatus) {
	fmt.Fprintf(w, "Instance: %s\n", s.InstanceID)
	fmt.Fprintf(w, "Pipeline: %v\n", s.Phases)

	if len(s.Units) == 0 {
		fmt.Fprintln(w, "\nUnits: none")
	}
	for _, u := range s.Units {
		name := u.UnitID
		if name == "" {
			name = "(global)"
		}
		fmt.Fprintf(w, "\nUnit %s\n", name)
		fmt.Fprintf(w, "  passed through: %s  next: %s\n", orDash(u.PassPrefix), orDash(u.NextPhase))
		if u.HasGap {
			fmt.Fprintf(w, "  warning: %s passed but an earlier phase has not\n", u.LastCompletedPhase)
		}
		if len(u.Records) > 0 {
			fmt.Fprintf(w, "  %-14s  %-6s  %-8s  %s\n", "PHASE", "STEP", "VERDICT", "AT")
			for _, r := range u.Records {
				fmt.Fprintf(w, "  %-14s  %-6s  %-8s  %s\n",
					r.Phase, orDash(r.Step), r.Verdict, r.CreatedAt.Format(time.RFC3339))
			}
		}
		for _, r := range u.Retry {
			blocked := ""
			if r.Blocked {
				blocked = "  BLOCKED"
			}
			fmt.Fprintf(w, "  retry %s/%s: %d failures, level %d%s\n",
				r.Phase, orDash(r.Step), r.Count, r.Level, blocked)
		}
	}

	if len(s.Drift) > 0 {
		fmt.Fprintln(w, "\nDrift:")
		for _, d := range s.Drift {
			fmt.Fprintf(w, "  %s/%s: %d failures, %s\n", d.Phase, orDash(d.Step), d.Count, d.Name)
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
