package gate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/phasegate/internal/model"
)

// Exit codes of the phasegate binary.
const (
	ExitOK                  = 0
	ExitUnexpected          = 1
	ExitPrecondition        = 2
	ExitEscalationExhausted = 3
)

// PreconditionError means the gate refused a phase for this invocation.
type PreconditionError struct {
	Key       model.WorkUnitKey
	BlockedOn string
	Reason    string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("phase %s of %s may not run: %s", e.Key.Phase, e.Key.Scope().UnitDir(), e.Reason)
}

func (e *PreconditionError) ErrorCode() string { return "PRECONDITION_NOT_MET" }

func (e *PreconditionError) FormatStderr() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "error: precondition not met (%s)\n", e.ErrorCode())
	fmt.Fprintf(&sb, "key: %s\n", e.Key)
	if e.BlockedOn != "" {
		fmt.Fprintf(&sb, "blocked_on: %s\n", e.BlockedOn)
	}
	fmt.Fprintf(&sb, "reason: %s\n", e.Reason)
	return sb.String()
}

// EscalationExhaustedError means the retry limit for a key is reached and
// automatic retries must stop.
type EscalationExhaustedError struct {
	Key         model.WorkUnitKey
	Attempts    int
	MaxAttempts int
}

func (e *EscalationExhaustedError) Error() string {
	return fmt.Sprintf("%s failed %d times (limit %d): requires external intervention",
		e.Key, e.Attempts, e.MaxAttempts)
}

func (e *EscalationExhaustedError) ErrorCode() string { return "ESCALATION_EXHAUSTED" }

func (e *EscalationExhaustedError) FormatStderr() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "error: escalation exhausted (%s)\n", e.ErrorCode())
	fmt.Fprintf(&sb, "key: %s\n", e.Key)
	fmt.Fprintf(&sb, "attempts: %d/%d\n", e.Attempts, e.MaxAttempts)
	fmt.Fprintf(&sb, "next_action: stop automatic retries and ask a human\n")
	return sb.String()
}

// ExitCode maps an error returned by the engine to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var pe *PreconditionError
	if errors.As(err, &pe) {
		return ExitPrecondition
	}
	var ee *EscalationExhaustedError
	if errors.As(err, &ee) {
		return ExitEscalationExhausted
	}
	return ExitUnexpected
}
