package depgraph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chain(t *testing.T) *Graph {
	t.Helper()
	// A is used by B, B is used by C.
	g, err := Build([]Entry{
		{ID: "A", File: "a.go", RiskTier: "high"},
		{ID: "B", File: "b.go", DeclaredDependencies: []string{"A"}, RiskTier: "medium"},
		{ID: "C", File: "c.go", DeclaredDependencies: []string{"B"}},
	})
	require.NoError(t, err)
	return g
}

func TestBuild_EdgesPointToDependents(t *testing.T) {
	g := chain(t)

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, 2, g.EdgeCount())
	assert.Equal(t, []string{"B"}, g.Dependents("A"))
	assert.Equal(t, []string{"A"}, g.Dependencies("B"))
	assert.Empty(t, g.Dependents("C"))

	c, ok := g.Node("C")
	require.True(t, ok)
	assert.Equal(t, RiskUnknown, c.RiskTier)
	assert.False(t, c.Placeholder)
}

func TestBuild_MergesRepeatedIDs(t *testing.T) {
	g, err := Build([]Entry{
		{ID: "X", File: "old.go", DeclaredDependencies: []string{"A"}, RiskTier: "low"},
		{ID: "A", File: "a.go"},
		{ID: "B", File: "b.go"},
		{ID: "X", File: "new.go", DeclaredDependencies: []string{"B", "A"}},
	})
	require.NoError(t, err)

	x, ok := g.Node("X")
	require.True(t, ok)
	assert.Equal(t, "new.go", x.File, "last write wins")
	assert.Equal(t, "low", x.RiskTier, "empty metadata does not overwrite")
	assert.Equal(t, []string{"A", "B"}, g.Dependencies("X"), "edges are unioned")
	assert.Equal(t, 2, g.EdgeCount())
	assert.Equal(t, []string{"X"}, g.IDsInFile("new.go"))
	assert.Empty(t, g.IDsInFile("old.go"))
}

func TestBuild_PlaceholderForUndeclaredDependency(t *testing.T) {
	g, err := Build([]Entry{{ID: "B", DeclaredDependencies: []string{"ghost"}}})
	require.NoError(t, err)

	n, ok := g.Node("ghost")
	require.True(t, ok)
	assert.True(t, n.Placeholder)
	assert.Equal(t, RiskUnknown, n.RiskTier)
	assert.Equal(t, []string{"B"}, g.Dependents("ghost"))
}

func TestBuild_LaterDeclarationReplacesPlaceholder(t *testing.T) {
	g, err := Build([]Entry{
		{ID: "B", DeclaredDependencies: []string{"A"}},
		{ID: "A", File: "a.go", RiskTier: "high"},
	})
	require.NoError(t, err)

	a, _ := g.Node("A")
	assert.False(t, a.Placeholder)
	assert.Equal(t, "high", a.RiskTier)
}

func TestBuild_RejectsMissingID(t *testing.T) {
	_, err := Build([]Entry{{File: "a.go"}})
	assert.Error(t, err)

	_, err = Build([]Entry{{ID: "A", DeclaredDependencies: []string{""}}})
	assert.Error(t, err)
}

func TestResolveChangeSet(t *testing.T) {
	g, err := Build([]Entry{
		{ID: "A", File: "pkg/a.go"},
		{ID: "A2", File: "pkg/a.go"},
		{ID: "B", File: "pkg/b.go"},
	})
	require.NoError(t, err)

	ids, unresolved := g.ResolveChangeSet([]string{"B", "pkg/a.go", "A", "nope.go"})
	assert.Equal(t, []string{"B", "A", "A2"}, ids)
	assert.Equal(t, []string{"nope.go"}, unresolved)
}

func TestTopoOrder(t *testing.T) {
	g, err := Build([]Entry{
		{ID: "app", DeclaredDependencies: []string{"db", "log"}},
		{ID: "db", DeclaredDependencies: []string{"log"}},
		{ID: "log"},
		{ID: "cli", DeclaredDependencies: []string{"app"}},
	})
	require.NoError(t, err)

	order, err := g.TopoOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"log", "db", "app", "cli"}, order)
}

func TestTopoOrder_Cycle(t *testing.T) {
	g, err := Build([]Entry{
		{ID: "A", DeclaredDependencies: []string{"C"}},
		{ID: "B", DeclaredDependencies: []string{"A"}},
		{ID: "C", DeclaredDependencies: []string{"B"}},
		{ID: "D"},
	})
	require.NoError(t, err)

	_, err = g.TopoOrder()
	require.Error(t, err)
	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"A", "B", "C", "A"}, cycle.Path)
	assert.Contains(t, err.Error(), "A -> B -> C -> A")
}
