// Package depgraph builds the dependency graph from a declared-dependency
// index and answers impact questions over it. Edges point from a dependency
// to its dependent, so forward traversal from a change reaches everything it
// can break.
package depgraph

import (
	"fmt"
	"sort"
)

// RiskUnknown is the risk tier of nodes referenced as a dependency but never
// declared in the index.
const RiskUnknown = "unknown"

// Entry is one record of the dependency index.
type Entry struct {
	ID                   string   `json:"id" yaml:"id"`
	File                 string   `json:"file,omitempty" yaml:"file,omitempty"`
	DeclaredDependencies []string `json:"declared_dependencies,omitempty" yaml:"declared_dependencies,omitempty"`
	RiskTier             string   `json:"risk_tier,omitempty" yaml:"risk_tier,omitempty"`
}

type Node struct {
	ID       string `json:"id"`
	File     string `json:"file,omitempty"`
	RiskTier string `json:"risk_tier"`
	// Placeholder is set for ids that only appear as a dependency.
	Placeholder bool `json:"placeholder,omitempty"`
}

// Graph is immutable once built; rebuild it from a fresh index instead of
// mutating it.
type Graph struct {
	nodes   map[string]Node
	forward map[string][]string // dependency -> dependents
	reverse map[string][]string // dependent -> dependencies
	byFile  map[string][]string
	edges   int
}

// Build constructs the graph. Repeated ids are merged: non-empty metadata of
// later entries wins, declared dependencies are unioned.
func Build(entries []Entry) (*Graph, error) {
	nodes := make(map[string]Node, len(entries))
	deps := make(map[string]map[string]bool, len(entries))

	for i, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("index entry %d: id is required", i)
		}
		n := nodes[e.ID]
		n.ID = e.ID
		n.Placeholder = false
		if e.File != "" {
			n.File = e.File
		}
		if e.RiskTier != "" {
			n.RiskTier = e.RiskTier
		}
		nodes[e.ID] = n

		set := deps[e.ID]
		if set == nil {
			set = make(map[string]bool, len(e.DeclaredDependencies))
			deps[e.ID] = set
		}
		for _, d := range e.DeclaredDependencies {
			if d == "" {
				return nil, fmt.Errorf("index entry %d (%s): empty dependency id", i, e.ID)
			}
			set[d] = true
		}
	}

	g := &Graph{
		nodes:   nodes,
		forward: make(map[string][]string),
		reverse: make(map[string][]string),
		byFile:  make(map[string][]string),
	}
	for id, set := range deps {
		for d := range set {
			if _, ok := g.nodes[d]; !ok {
				g.nodes[d] = Node{ID: d, RiskTier: RiskUnknown, Placeholder: true}
			}
			g.forward[d] = append(g.forward[d], id)
			g.reverse[id] = append(g.reverse[id], d)
			g.edges++
		}
	}
	for id, n := range g.nodes {
		if n.RiskTier == "" {
			n.RiskTier = RiskUnknown
			g.nodes[id] = n
		}
		if n.File != "" {
			g.byFile[n.File] = append(g.byFile[n.File], id)
		}
	}
	for _, m := range []map[string][]string{g.forward, g.reverse, g.byFile} {
		for k := range m {
			sort.Strings(m[k])
		}
	}
	return g, nil
}

func (g *Graph) Len() int       { return len(g.nodes) }
func (g *Graph) EdgeCount() int { return g.edges }

func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// IDs returns every node id in sorted order.
func (g *Graph) IDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dependents returns the ids that declare id as a dependency.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.forward[id]...)
}

// Dependencies returns the ids declared as dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.reverse[id]...)
}

func (g *Graph) IDsInFile(file string) []string {
	return append([]string(nil), g.byFile[file]...)
}

// ResolveChangeSet maps changed items, given as node ids or source file
// paths, to node ids. Items matching neither are returned as unresolved.
func (g *Graph) ResolveChangeSet(items []string) (ids []string, unresolved []string) {
	seen := make(map[string]bool)
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, item := range items {
		if _, ok := g.nodes[item]; ok {
			add(item)
			continue
		}
		if inFile := g.byFile[item]; len(inFile) > 0 {
			for _, id := range inFile {
				add(id)
			}
			continue
		}
		unresolved = append(unresolved, item)
	}
	return ids, unresolved
}
