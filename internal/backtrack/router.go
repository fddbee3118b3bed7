// Package backtrack classifies failure signals and recommends which earlier
// phase to redo. It is advisory: nothing here touches pipeline state.
package backtrack

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/msageha/phasegate/internal/model"
)

// DefaultRoutes is the category table used when the config sets none.
func DefaultRoutes() map[model.FailureCategory]model.BacktrackTarget {
	return map[model.FailureCategory]model.BacktrackTarget{
		model.CategoryTagIssue: {
			Phase: "build", FromStep: "1", ToStep: "1",
			Reason: "annotations are missing or malformed; redo tagging",
		},
		model.CategoryTestFailure: {
			Phase: "build", FromStep: "2", ToStep: "3",
			Reason: "tests fail; revisit implementation and tests",
		},
		model.CategoryIntegrationFailure: {
			Phase: "build", FromStep: "3", ToStep: "4",
			Reason: "wiring between components is broken; redo integration",
		},
		model.CategoryArchitectureIssue: {
			Phase: "planning", FromStep: "1", ToStep: "2",
			Reason: "repeated failures point at the plan itself; re-plan",
		},
	}
}

// Keywords match whole words in their common inflections, so "tag" does not
// fire on "stage" and "import" does not fire on "important".
var (
	tagWords         = wordSet("tag", "tags", "tagged", "tagging")
	tagQualifiers    = wordSet("missing", "invalid", "incomplete", "malformed")
	testWords        = wordSet("test", "tests", "tested", "testing")
	failWords        = wordSet("fail", "fails", "failed", "failing", "failure", "failures")
	integrationWords = wordSet(
		"import", "imports", "imported", "importing",
		"route", "routes", "routed", "routing",
		"export", "exports", "exported", "exporting",
	)
)

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// words splits signals into lower-case words on anything that is not a
// letter or digit.
func words(signals []string) map[string]bool {
	out := make(map[string]bool)
	for _, s := range signals {
		for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}) {
			out[w] = true
		}
	}
	return out
}

func containsAny(text, set map[string]bool) bool {
	for w := range set {
		if text[w] {
			return true
		}
	}
	return false
}

// match classifies signals by keyword. The second result is false when no
// rule fired and the category fell through to ARCHITECTURE_ISSUE.
func match(signals []string) (model.FailureCategory, bool) {
	text := words(signals)
	switch {
	case containsAny(text, tagWords) && containsAny(text, tagQualifiers):
		return model.CategoryTagIssue, true
	case containsAny(text, testWords) && containsAny(text, failWords):
		return model.CategoryTestFailure, true
	case containsAny(text, integrationWords):
		return model.CategoryIntegrationFailure, true
	default:
		return model.CategoryArchitectureIssue, false
	}
}

// Classify maps failure signals to a category. Rules are checked in order
// (tag, test, integration); anything else is an architecture issue.
func Classify(signals []string) model.FailureCategory {
	c, _ := match(signals)
	return c
}

// Recommendation is the router's answer for one failure.
type Recommendation struct {
	Category model.FailureCategory `json:"category"`
	Target   model.BacktrackTarget `json:"target"`
	// Matched is false when no keyword rule fired.
	Matched bool `json:"matched"`
	// Actionable is false for an unmatched failure seen fewer times than
	// the escalation threshold; the caller should just retry.
	Actionable bool `json:"actionable"`
	Attempts   int  `json:"attempts"`
}

func (r Recommendation) String() string {
	return fmt.Sprintf("%s -> %s", r.Category, r.Target)
}

type Router struct {
	routes    map[model.FailureCategory]model.BacktrackTarget
	threshold int
}

// NewRouter overlays routes on DefaultRoutes. threshold <= 0 selects the
// default escalation threshold.
func NewRouter(routes map[model.FailureCategory]model.BacktrackTarget, threshold int) *Router {
	merged := DefaultRoutes()
	for c, t := range routes {
		merged[c] = t
	}
	if threshold <= 0 {
		threshold = model.DefaultEscalationThreshold
	}
	return &Router{routes: merged, threshold: threshold}
}

// Route is a pure table lookup.
func (r *Router) Route(c model.FailureCategory) (model.BacktrackTarget, error) {
	t, ok := r.routes[c]
	if !ok {
		return model.BacktrackTarget{}, fmt.Errorf("no backtrack route for category %q", c)
	}
	return t, nil
}

// Recommend classifies signals and routes the result. attempts is the number
// of failures seen so far for the step.
func (r *Router) Recommend(signals []string, attempts int) Recommendation {
	c, matched := match(signals)
	t, _ := r.Route(c)
	return Recommendation{
		Category:   c,
		Target:     t,
		Matched:    matched,
		Actionable: matched || attempts >= r.threshold,
		Attempts:   attempts,
	}
}

// Routes returns the table sorted by category.
func (r *Router) Routes() []Route {
	out := make([]Route, 0, len(r.routes))
	for c, t := range r.routes {
		out = append(out, Route{Category: c, Target: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

type Route struct {
	Category model.FailureCategory `json:"category"`
	Target   model.BacktrackTarget `json:"target"`
}
