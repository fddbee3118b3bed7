// Package scope decides which validations apply to an impact set at a given
// depth of the phase pipeline.
package scope

import (
	"fmt"

	"github.com/msageha/phasegate/internal/depgraph"
)

// Policy holds the pipeline depths (phase indices) from which test-existence
// and integration checks apply.
type Policy struct {
	TestsDepth       int `json:"tests_depth"`
	IntegrationDepth int `json:"integration_depth"`
}

func (p Policy) Validate() error {
	if p.TestsDepth < 0 || p.IntegrationDepth < 0 {
		return fmt.Errorf("depths must be >= 0 (tests=%d, integration=%d)", p.TestsDepth, p.IntegrationDepth)
	}
	if p.IntegrationDepth < p.TestsDepth {
		return fmt.Errorf("integration depth %d is below tests depth %d", p.IntegrationDepth, p.TestsDepth)
	}
	return nil
}

// Scope lists the ids (and their files) each check must cover.
type Scope struct {
	Depth                int            `json:"depth"`
	CheckTagCompleteness depgraph.IDSet `json:"check_tag_completeness"`
	CheckTests           depgraph.IDSet `json:"check_tests"`
	CheckIntegration     depgraph.IDSet `json:"check_integration"`
	Files                Files          `json:"files"`
}

type Files struct {
	TagCompleteness depgraph.IDSet `json:"tag_completeness"`
	Tests           depgraph.IDSet `json:"tests"`
	Integration     depgraph.IDSet `json:"integration"`
}

type Selector struct {
	policy Policy
}

func NewSelector(p Policy) (*Selector, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Selector{policy: p}, nil
}

func (s *Selector) Policy() Policy { return s.policy }

// Select derives the check sets from one impact computation. Tag
// completeness always covers changed ∪ affected; tests join once depth
// reaches TestsDepth and integration once it reaches IntegrationDepth. g may
// be nil, in which case Files is left empty.
func (s *Selector) Select(impact depgraph.ImpactResult, g *depgraph.Graph, depth int) Scope {
	all := impact.All()
	none := depgraph.NewIDSet()

	sc := Scope{
		Depth:                depth,
		CheckTagCompleteness: all,
		CheckTests:           none,
		CheckIntegration:     none,
	}
	if depth >= s.policy.TestsDepth {
		sc.CheckTests = all
	}
	if depth >= s.policy.IntegrationDepth {
		sc.CheckIntegration = all
	}

	sc.Files = Files{
		TagCompleteness: filesOf(g, sc.CheckTagCompleteness),
		Tests:           filesOf(g, sc.CheckTests),
		Integration:     filesOf(g, sc.CheckIntegration),
	}
	return sc
}

func filesOf(g *depgraph.Graph, ids depgraph.IDSet) depgraph.IDSet {
	files := depgraph.NewIDSet()
	if g == nil {
		return files
	}
	for id := range ids {
		if n, ok := g.Node(id); ok && n.File != "" {
			files.Add(n.File)
		}
	}
	return files
}
