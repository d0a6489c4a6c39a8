package conductor

import (
	"fmt"

	"github.com/appforge/conductor/pkg/schema"
)

// Graph is the in-memory dependency graph for a registered set of units.
// Built once per run by the scheduler to validate the registry and derive
// execution order.
type Graph struct {
	Specs   map[string]*schema.UnitSpec // unit ID → spec
	Edges   map[string][]string         // unit ID → dependencies
	Reverse map[string][]string         // unit ID → dependents (who depends on me)
	Sorted  []string                    // topological order
	Roots   []string                    // units with no dependencies
	Levels  [][]string                  // groups whose members are mutually independent
}

// BuildGraph validates the unit specs and constructs the dependency graph.
// It builds adjacency lists, performs a topological sort using Kahn's
// algorithm, detects cycles, and computes independence levels.
func BuildGraph(specs []schema.UnitSpec) (*Graph, error) {
	if len(specs) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "no units registered")
	}

	g := &Graph{
		Specs:   make(map[string]*schema.UnitSpec, len(specs)),
		Edges:   make(map[string][]string, len(specs)),
		Reverse: make(map[string][]string, len(specs)),
	}

	// First pass: register all units and check for duplicates.
	for i := range specs {
		spec := &specs[i]

		if spec.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("unit at index %d has empty ID", i))
		}
		if _, exists := g.Specs[spec.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate unit ID: %s", spec.ID)
		}
		g.Specs[spec.ID] = spec
	}

	// Second pass: build adjacency lists and validate dependencies.
	for id, spec := range g.Specs {
		seen := make(map[string]bool, len(spec.DependsOn))
		deps := make([]string, 0, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			if _, exists := g.Specs[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "unit %s depends on non-existent unit: %s", id, dep)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "unit %s depends on itself", id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "unit %s has duplicate dependency: %s", id, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
			g.Reverse[dep] = append(g.Reverse[dep], id)
		}
		g.Edges[id] = deps
	}

	// Advisory fan-out lists must still reference registered units.
	for id, spec := range g.Specs {
		for _, target := range spec.SharesOutputTo {
			if _, exists := g.Specs[target]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "unit %s shares output to non-existent unit: %s", id, target)
			}
		}
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(g.Specs))
	for id := range g.Specs {
		inDegree[id] = len(g.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	// Sort roots for deterministic ordering.
	sortIDs(queue)
	g.Roots = make([]string, len(queue))
	copy(g.Roots, queue)

	sorted := make([]string, 0, len(g.Specs))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]string, len(g.Reverse[node]))
		copy(dependents, g.Reverse[node])
		sortIDs(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.Specs) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "dependency graph contains a cycle")
	}

	g.Sorted = sorted
	g.Levels = computeLevels(g)

	return g, nil
}

// Dependents returns the transitive closure of units downstream of id.
func (g *Graph) Dependents(id string) []string {
	var out []string
	seen := map[string]bool{id: true}
	frontier := append([]string(nil), g.Reverse[id]...)
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		frontier = append(frontier, g.Reverse[next]...)
	}
	sortIDs(out)
	return out
}

// computeLevels groups units by topological depth. Units at the same level
// have all dependencies satisfied by previous levels.
func computeLevels(g *Graph) [][]string {
	depth := make(map[string]int, len(g.Specs))

	for _, id := range g.Sorted {
		maxDep := -1
		for _, dep := range g.Edges[id] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[id] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Sorted {
		d := depth[id]
		levels[d] = append(levels[d], id)
	}

	return levels
}

// sortIDs sorts a slice of unit IDs in-place using insertion sort.
// Used for small slices to avoid importing sort package.
func sortIDs(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
