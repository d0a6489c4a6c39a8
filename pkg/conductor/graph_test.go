package conductor

import (
	"testing"

	"github.com/appforge/conductor/pkg/schema"
)

// --- helpers ---

func unitSpec(id string, depends ...string) schema.UnitSpec {
	return schema.UnitSpec{ID: id, DependsOn: depends}
}

func assertErrorCode(t *testing.T, err error, expectedCode string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	cErr, ok := err.(*schema.ConductorError)
	if !ok {
		t.Fatalf("expected ConductorError, got %T: %v", err, err)
	}
	if cErr.Code != expectedCode {
		t.Errorf("expected code %s, got %s: %s", expectedCode, cErr.Code, cErr.Message)
	}
}

// indexOf returns the position of each unit in the sorted order.
func indexOf(g *Graph) map[string]int {
	m := make(map[string]int, len(g.Sorted))
	for i, s := range g.Sorted {
		m[s] = i
	}
	return m
}

// --- graph structure tests ---

func TestBuildGraph_LinearChain(t *testing.T) {
	g, err := BuildGraph([]schema.UnitSpec{
		unitSpec("a"),
		unitSpec("b", "a"),
		unitSpec("c", "b"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idx := indexOf(g)
	if idx["a"] >= idx["b"] || idx["b"] >= idx["c"] {
		t.Errorf("incorrect topological order: %v", g.Sorted)
	}
	if len(g.Roots) != 1 || g.Roots[0] != "a" {
		t.Errorf("expected roots=[a], got %v", g.Roots)
	}
	if len(g.Levels) != 3 {
		t.Errorf("expected 3 levels, got %d", len(g.Levels))
	}
}

func TestBuildGraph_Diamond(t *testing.T) {
	g, err := BuildGraph([]schema.UnitSpec{
		unitSpec("a"),
		unitSpec("b", "a"),
		unitSpec("c", "a"),
		unitSpec("d", "b", "c"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idx := indexOf(g)
	if idx["a"] >= idx["b"] || idx["a"] >= idx["c"] {
		t.Errorf("a must come before b and c: %v", g.Sorted)
	}
	if idx["b"] >= idx["d"] || idx["c"] >= idx["d"] {
		t.Errorf("b and c must come before d: %v", g.Sorted)
	}
	if len(g.Levels) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(g.Levels))
	}
	if len(g.Levels[1]) != 2 {
		t.Errorf("level 1 should have 2 parallel units, got %v", g.Levels[1])
	}
}

func TestBuildGraph_MultipleRoots(t *testing.T) {
	g, err := BuildGraph([]schema.UnitSpec{
		unitSpec("z"),
		unitSpec("a"),
		unitSpec("m", "a", "z"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Roots) != 2 || g.Roots[0] != "a" || g.Roots[1] != "z" {
		t.Errorf("expected sorted roots [a z], got %v", g.Roots)
	}
}

func TestBuildGraph_Empty(t *testing.T) {
	_, err := BuildGraph(nil)
	assertErrorCode(t, err, schema.ErrCodeValidation)
}

func TestBuildGraph_EmptyID(t *testing.T) {
	_, err := BuildGraph([]schema.UnitSpec{unitSpec("")})
	assertErrorCode(t, err, schema.ErrCodeValidation)
}

func TestBuildGraph_DuplicateID(t *testing.T) {
	_, err := BuildGraph([]schema.UnitSpec{unitSpec("a"), unitSpec("a")})
	assertErrorCode(t, err, schema.ErrCodeValidation)
}

func TestBuildGraph_MissingDependency(t *testing.T) {
	_, err := BuildGraph([]schema.UnitSpec{unitSpec("a", "ghost")})
	assertErrorCode(t, err, schema.ErrCodeValidation)
}

func TestBuildGraph_SelfDependency(t *testing.T) {
	_, err := BuildGraph([]schema.UnitSpec{unitSpec("a", "a")})
	assertErrorCode(t, err, schema.ErrCodeCycleDetected)
}

func TestBuildGraph_DuplicateDependency(t *testing.T) {
	_, err := BuildGraph([]schema.UnitSpec{
		unitSpec("a"),
		unitSpec("b", "a", "a"),
	})
	assertErrorCode(t, err, schema.ErrCodeValidation)
}

func TestBuildGraph_Cycle(t *testing.T) {
	_, err := BuildGraph([]schema.UnitSpec{
		unitSpec("a", "c"),
		unitSpec("b", "a"),
		unitSpec("c", "b"),
	})
	assertErrorCode(t, err, schema.ErrCodeCycleDetected)
}

func TestBuildGraph_SharesOutputToUnknownUnit(t *testing.T) {
	_, err := BuildGraph([]schema.UnitSpec{
		{ID: "a", SharesOutputTo: []string{"ghost"}},
	})
	assertErrorCode(t, err, schema.ErrCodeValidation)
}

func TestGraph_Dependents(t *testing.T) {
	g, err := BuildGraph([]schema.UnitSpec{
		unitSpec("a"),
		unitSpec("b", "a"),
		unitSpec("c", "b"),
		unitSpec("d", "b"),
		unitSpec("e"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deps := g.Dependents("a")
	if len(deps) != 3 || deps[0] != "b" || deps[1] != "c" || deps[2] != "d" {
		t.Errorf("expected dependents of a = [b c d], got %v", deps)
	}
	if got := g.Dependents("e"); len(got) != 0 {
		t.Errorf("expected no dependents for e, got %v", got)
	}
}
