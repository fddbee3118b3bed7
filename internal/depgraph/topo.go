package depgraph

import (
	"fmt"
	"strings"
)

// CycleError reports one dependency cycle, first node repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// TopoOrder returns the ids with every dependency before its dependents,
// ties broken by id. Cycles are reported as *CycleError.
func (g *Graph) TopoOrder() ([]string, error) {
	ids := g.IDs()
	inDegree := make(map[string]int, len(ids))
	for _, id := range ids {
		inDegree[id] = len(g.reverse[id])
	}

	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, dependent := range g.forward[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(ids) {
		return sorted, nil
	}
	return nil, &CycleError{Path: g.cyclePath(ids, inDegree)}
}

// cyclePath walks forward edges among the nodes Kahn's algorithm could not
// release and returns the first cycle found.
func (g *Graph) cyclePath(ids []string, inDegree map[string]int) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(ids))
	parent := make(map[string]string)
	var path []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		for _, next := range g.forward[id] {
			switch color[next] {
			case gray:
				path = []string{next}
				for cur := id; cur != next; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, next)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return true
			case white:
				parent[next] = id
				if dfs(next) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, id := range ids {
		if inDegree[id] > 0 && color[id] == white && dfs(id) {
			return path
		}
	}
	return []string{"(cycle detected)"}
}
