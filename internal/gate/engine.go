// Package gate is the facade callers use at phase boundaries: Check before a
// phase runs, Report once it concludes. It wires the checkpoint store, the
// retry controller, the drift tracker and the backtrack router, serializes
// state changes per workflow instance, and publishes what it did.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/msageha/phasegate/internal/backtrack"
	"github.com/msageha/phasegate/internal/checkpoint"
	"github.com/msageha/phasegate/internal/drift"
	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/lock"
	"github.com/msageha/phasegate/internal/model"
	"github.com/msageha/phasegate/internal/retry"
)

// Locker serializes state mutation for one workflow instance.
type Locker interface {
	Acquire(ctx context.Context, instanceID string) (func() error, error)
}

// Deps are the components the engine drives. Checkpoints, Retry, Drift and
// Router are required; the rest fall back to no-op implementations.
type Deps struct {
	Checkpoints *checkpoint.Store
	Retry       *retry.Controller
	Drift       *drift.Tracker
	Router      *backtrack.Router
	Locker      Locker
	Events      events.Publisher
	Logger      *zap.Logger
}

type Engine struct {
	phases          []string
	clearOnComplete bool

	checkpoints *checkpoint.Store
	retry       *retry.Controller
	drift       *drift.Tracker
	router      *backtrack.Router
	locker      Locker
	events      events.Publisher
	logger      *zap.Logger
}

func New(pipeline model.PipelineConfig, deps Deps) (*Engine, error) {
	if len(pipeline.Phases) == 0 {
		return nil, errors.New("pipeline has no phases")
	}
	if deps.Checkpoints == nil || deps.Retry == nil || deps.Drift == nil || deps.Router == nil {
		return nil, errors.New("gate: checkpoints, retry, drift and router are required")
	}
	e := &Engine{
		phases:          append([]string(nil), pipeline.Phases...),
		clearOnComplete: pipeline.ClearOnComplete,
		checkpoints:     deps.Checkpoints,
		retry:           deps.Retry,
		drift:           deps.Drift,
		router:          deps.Router,
		locker:          deps.Locker,
		events:          deps.Events,
		logger:          deps.Logger,
	}
	if e.locker == nil {
		e.locker = lock.NopLocker{}
	}
	if e.events == nil {
		e.events = events.NopPublisher{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e, nil
}

func (e *Engine) Phases() []string { return append([]string(nil), e.phases...) }

func (e *Engine) phaseIndex(phase string) int {
	for i, p := range e.phases {
		if p == phase {
			return i
		}
	}
	return -1
}

func (e *Engine) withLock(ctx context.Context, instanceID string, fn func() error) (err error) {
	release, err := e.locker.Acquire(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	defer func() {
		if uerr := release(); uerr != nil && err == nil {
			err = fmt.Errorf("release instance lock: %w", uerr)
		}
	}()
	return fn()
}

// CheckResult describes whether a phase may run and how to run it.
type CheckResult struct {
	Key           model.WorkUnitKey    `json:"key"`
	Allowed       bool                 `json:"allowed"`
	Reason        string               `json:"reason,omitempty"`
	BlockedOn     string               `json:"blocked_on,omitempty"`
	Attempts      int                  `json:"attempts"`
	MaxAttempts   int                  `json:"max_attempts"`
	RecoveryLevel int                  `json:"recovery_level"`
	Tier          model.EscalationTier `json:"tier"`
	Guidance      string               `json:"guidance"`
	Drift         drift.Strategy       `json:"drift"`
}

// Check gates a phase attempt. It returns *PreconditionError when the
// preceding phase has not passed and *EscalationExhaustedError when the key
// already reached its retry limit; the result is filled in either case.
func (e *Engine) Check(ctx context.Context, key model.WorkUnitKey) (*CheckResult, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var res *CheckResult
	var gateErr error
	err := e.withLock(ctx, key.InstanceID, func() error {
		decision, err := e.checkpoints.CanExecute(key, e.phases)
		if err != nil {
			return err
		}
		attempts, err := e.retry.AttemptCount(key)
		if err != nil {
			return err
		}
		strategy, err := e.drift.Peek(key)
		if err != nil {
			return err
		}
		level := retry.LevelFor(attempts)
		res = &CheckResult{
			Key:           key,
			Allowed:       decision.Allowed,
			Reason:        decision.Reason,
			BlockedOn:     decision.BlockedOn,
			Attempts:      attempts,
			MaxAttempts:   e.retry.MaxAttempts(),
			RecoveryLevel: level,
			Tier:          model.TierForLevel(level),
			Guidance:      retry.Guidance(level),
			Drift:         strategy,
		}

		switch {
		case !decision.Allowed:
			gateErr = &PreconditionError{Key: key, BlockedOn: decision.BlockedOn, Reason: decision.Reason}
		case attempts >= e.retry.MaxAttempts():
			res.Allowed = false
			res.Reason = "retry limit reached"
			gateErr = &EscalationExhaustedError{Key: key, Attempts: attempts, MaxAttempts: e.retry.MaxAttempts()}
		}

		e.events.Publish(events.EventGateChecked, key, map[string]any{
			"allowed":        res.Allowed,
			"blocked_on":     res.BlockedOn,
			"attempts":       attempts,
			"recovery_level": level,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("gate checked",
		zap.String("key", key.String()),
		zap.Bool("allowed", res.Allowed),
		zap.String("blocked_on", res.BlockedOn),
		zap.Int("attempts", res.Attempts))
	return res, gateErr
}

// Report is one concluded phase attempt.
type Report struct {
	Key     model.WorkUnitKey
	Verdict model.Verdict
	Payload json.RawMessage
	// Signals are failure descriptions used for retry history, drift and
	// backtrack classification.
	Signals []string
	// Kind labels the failure in the retry history; defaults to the verdict.
	Kind string
}

type ReportResult struct {
	Key model.WorkUnitKey `json:"key"`
	// Verdict is what was checkpointed: a failure that exhausts the retry
	// limit is stored as BLOCKER.
	Verdict       model.Verdict             `json:"verdict"`
	Checkpoint    checkpoint.Handle         `json:"checkpoint"`
	Attempts      int                       `json:"attempts"`
	MaxAttempts   int                       `json:"max_attempts"`
	RecoveryLevel int                       `json:"recovery_level"`
	Tier          model.EscalationTier      `json:"tier"`
	Guidance      string                    `json:"guidance"`
	Blocked       bool                      `json:"blocked"`
	RetryReset    bool                      `json:"retry_reset,omitempty"`
	UnitCompleted bool                      `json:"unit_completed,omitempty"`
	Drift         *drift.Strategy           `json:"drift,omitempty"`
	Backtrack     *backtrack.Recommendation `json:"backtrack,omitempty"`
}

// Report records the verdict of a phase attempt. A PASS resets the retry
// counter and, for the phase-level PASS of the last phase, completes the
// unit. A failure climbs the retry ladder and the drift counter; once the
// retry limit is reached the checkpoint becomes BLOCKER and
// *EscalationExhaustedError is returned with the result.
func (e *Engine) Report(ctx context.Context, r Report) (*ReportResult, error) {
	if err := r.Key.Validate(); err != nil {
		return nil, err
	}
	if !r.Verdict.Valid() {
		return nil, fmt.Errorf("invalid verdict %q", r.Verdict)
	}
	if e.phaseIndex(r.Key.Phase) < 0 {
		return nil, fmt.Errorf("unknown phase %q (pipeline: %s)", r.Key.Phase, strings.Join(e.phases, ", "))
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return nil, errors.New("payload is not valid JSON")
	}

	var res *ReportResult
	err := e.withLock(ctx, r.Key.InstanceID, func() error {
		var err error
		if r.Verdict == model.VerdictPass {
			res, err = e.reportPass(r)
		} else {
			res, err = e.reportFailure(r)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("verdict reported",
		zap.String("key", r.Key.String()),
		zap.String("reported", string(r.Verdict)),
		zap.String("stored", string(res.Verdict)),
		zap.Int("attempts", res.Attempts),
		zap.Bool("unit_completed", res.UnitCompleted))
	if res.Blocked {
		return res, &EscalationExhaustedError{Key: r.Key, Attempts: res.Attempts, MaxAttempts: res.MaxAttempts}
	}
	return res, nil
}

func (e *Engine) reportPass(r Report) (*ReportResult, error) {
	key := r.Key
	attempts, err := e.retry.AttemptCount(key)
	if err != nil {
		return nil, err
	}
	handle, err := e.checkpoints.Write(key, model.VerdictPass, r.Payload)
	if err != nil {
		return nil, err
	}
	e.events.Publish(events.EventVerdictReported, key, map[string]any{"verdict": string(model.VerdictPass)})

	res := &ReportResult{
		Key:         key,
		Verdict:     model.VerdictPass,
		Checkpoint:  handle,
		MaxAttempts: e.retry.MaxAttempts(),
		Tier:        model.TierInstruction,
		Guidance:    retry.Guidance(0),
	}
	if attempts > 0 {
		if err := e.retry.Reset(key); err != nil {
			return nil, err
		}
		res.RetryReset = true
		e.events.Publish(events.EventRetryReset, key, map[string]any{"previous_attempts": attempts})
	}

	if key.Step == "" && e.phaseIndex(key.Phase) == len(e.phases)-1 {
		if err := e.completeUnit(key); err != nil {
			return nil, err
		}
		res.UnitCompleted = true
	}
	return res, nil
}

// completeUnit runs when a unit passes the last phase. Drift counters carry
// no unit, so the whole instance's drift is reset.
func (e *Engine) completeUnit(key model.WorkUnitKey) error {
	scope := key.Scope()
	if e.clearOnComplete {
		if err := e.checkpoints.Clear(scope); err != nil {
			return err
		}
		if err := e.retry.ResetScope(scope); err != nil {
			return err
		}
		e.events.Publish(events.EventCheckpointCleared, key, nil)
	}
	if err := e.drift.ResetInstance(key.InstanceID); err != nil {
		return err
	}
	e.events.Publish(events.EventDriftReset, key, nil)
	e.events.Publish(events.EventUnitCompleted, key, map[string]any{"cleared": e.clearOnComplete})
	return nil
}

func (e *Engine) reportFailure(r Report) (*ReportResult, error) {
	key := r.Key
	kind := r.Kind
	if kind == "" {
		kind = strings.ToLower(string(r.Verdict))
	}
	detail := strings.Join(r.Signals, "; ")

	attempts, err := e.retry.RecordFailure(key, kind, detail)
	if err != nil {
		return nil, err
	}
	e.events.Publish(events.EventRetryRecorded, key, map[string]any{"count": attempts, "kind": kind})

	maxAttempts := e.retry.MaxAttempts()
	blocked := attempts >= maxAttempts
	stored := r.Verdict
	if blocked {
		stored = model.VerdictBlocker
	}
	handle, err := e.checkpoints.Write(key, stored, r.Payload)
	if err != nil {
		return nil, err
	}
	e.events.Publish(events.EventVerdictReported, key, map[string]any{
		"verdict":  string(stored),
		"reported": string(r.Verdict),
	})

	signal := kind
	if len(r.Signals) > 0 {
		signal = r.Signals[0]
	}
	strategy, err := e.drift.RecordAndGetStrategy(key, signal, detail)
	if err != nil {
		return nil, err
	}
	e.events.Publish(events.EventDriftRecorded, key, map[string]any{
		"level": strategy.Level,
		"count": strategy.Count,
		"name":  strategy.Name,
	})

	level := retry.LevelFor(attempts)
	res := &ReportResult{
		Key:           key,
		Verdict:       stored,
		Checkpoint:    handle,
		Attempts:      attempts,
		MaxAttempts:   maxAttempts,
		RecoveryLevel: level,
		Tier:          model.TierForLevel(level),
		Guidance:      retry.Guidance(level),
		Blocked:       blocked,
		Drift:         &strategy,
	}

	if blocked || strategy.Level >= drift.LevelStrategyShift {
		rec := e.router.Recommend(r.Signals, attempts)
		if rec.Actionable {
			res.Backtrack = &rec
			e.events.Publish(events.EventBacktrackRecommended, key, map[string]any{
				"category": string(rec.Category),
				"target":   rec.Target,
				"matched":  rec.Matched,
			})
		}
	}

	if blocked {
		e.events.Publish(events.EventEscalationExhausted, key, map[string]any{"attempts": attempts})
		e.logger.Warn("retry limit reached",
			zap.String("key", key.String()), zap.Int("attempts", attempts))
	}
	return res, nil
}
