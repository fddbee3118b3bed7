package model

import (
	"fmt"
	"strings"
)

// Verdict is the outcome a caller reports for one phase attempt.
type Verdict string

const (
	VerdictPass    Verdict = "PASS"
	VerdictPending Verdict = "PENDING"
	VerdictBlocker Verdict = "BLOCKER"
)

var validVerdicts = map[Verdict]bool{
	VerdictPass:    true,
	VerdictPending: true,
	VerdictBlocker: true,
}

func ParseVerdict(s string) (Verdict, error) {
	v := Verdict(strings.ToUpper(strings.TrimSpace(s)))
	if !validVerdicts[v] {
		return "", fmt.Errorf("invalid verdict %q (expected PASS, PENDING or BLOCKER)", s)
	}
	return v, nil
}

func (v Verdict) Valid() bool {
	return validVerdicts[v]
}

func (v Verdict) IsFailure() bool {
	return v == VerdictPending || v == VerdictBlocker
}
