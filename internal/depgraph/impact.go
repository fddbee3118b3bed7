package depgraph

import (
	"encoding/json"
	"sort"
)

// IDSet is a set of ids or file paths. It marshals as a sorted JSON array.
type IDSet map[string]struct{}

func NewIDSet(items ...string) IDSet {
	s := make(IDSet, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func (s IDSet) Add(item string) { s[item] = struct{}{} }

func (s IDSet) Has(item string) bool {
	_, ok := s[item]
	return ok
}

// Union returns a new set holding the members of s and o.
func (s IDSet) Union(o IDSet) IDSet {
	u := make(IDSet, len(s)+len(o))
	for k := range s {
		u[k] = struct{}{}
	}
	for k := range o {
		u[k] = struct{}{}
	}
	return u
}

func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s IDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *IDSet) UnmarshalJSON(b []byte) error {
	var items []string
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	*s = NewIDSet(items...)
	return nil
}

type ImpactOptions struct {
	// MaxDepth bounds propagation in hops from the changed ids. 0 means no
	// propagation.
	MaxDepth int
}

// ImpactResult is derived per invocation and never persisted.
type ImpactResult struct {
	Changed  IDSet `json:"changed"`
	Affected IDSet `json:"affected"`
	// DepthReached is the deepest hop at which a new node was found.
	DepthReached  int   `json:"depth_reached"`
	AffectedFiles IDSet `json:"affected_files"`
	// Unknown holds changed ids that are not in the graph.
	Unknown IDSet          `json:"unknown,omitempty"`
	Depths  map[string]int `json:"depths,omitempty"`
}

// All returns changed ∪ affected.
func (r ImpactResult) All() IDSet {
	return r.Changed.Union(r.Affected)
}

// ByRisk groups the affected ids by the risk tier of their node.
func (r ImpactResult) ByRisk(g *Graph) map[string][]string {
	out := make(map[string][]string)
	for _, id := range r.Affected.Sorted() {
		tier := RiskUnknown
		if n, ok := g.Node(id); ok {
			tier = n.RiskTier
		}
		out[tier] = append(out[tier], id)
	}
	return out
}

// AnalyzeImpact walks forward edges breadth-first from changed, at most
// opts.MaxDepth hops. Seeds never appear in Affected, and a node reached at
// a shallower depth is not visited again, so cycles terminate.
func (g *Graph) AnalyzeImpact(changed []string, opts ImpactOptions) ImpactResult {
	res := ImpactResult{
		Changed:       NewIDSet(changed...),
		Affected:      make(IDSet),
		AffectedFiles: make(IDSet),
		Unknown:       make(IDSet),
		Depths:        make(map[string]int),
	}

	visited := make(map[string]bool, len(changed))
	var frontier []string
	for _, id := range res.Changed.Sorted() {
		visited[id] = true
		n, ok := g.nodes[id]
		if !ok {
			res.Unknown.Add(id)
			continue
		}
		if n.File != "" {
			res.AffectedFiles.Add(n.File)
		}
		frontier = append(frontier, id)
	}

	for depth := 1; depth <= opts.MaxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, dep := range g.forward[id] {
				if visited[dep] {
					continue
				}
				visited[dep] = true
				res.Affected.Add(dep)
				res.Depths[dep] = depth
				res.DepthReached = depth
				if f := g.nodes[dep].File; f != "" {
					res.AffectedFiles.Add(f)
				}
				next = append(next, dep)
			}
		}
		frontier = next
	}
	return res
}
