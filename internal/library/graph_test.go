package library

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fhirengine/internal/resource"
)

func graphOf(edges map[string][]string) *Graph {
	g := NewGraph()
	for from, tos := range edges {
		if g.edges[from] == nil {
			g.edges[from] = []string{}
		}
		for _, to := range tos {
			g.Link(from, to)
		}
	}
	return g
}

func TestOrder_DependenciesFirst(t *testing.T) {
	g := graphOf(map[string][]string{
		"app":    {"common", "fhir"},
		"common": {"fhir"},
	})

	order, err := g.Order("app")
	require.NoError(t, err)
	assert.Equal(t, []string{"fhir", "common", "app"}, order)
}

func TestOrder_TiesByIdentifier(t *testing.T) {
	g := graphOf(map[string][]string{
		"root": {"zeta", "alpha", "mid"},
	})

	order, err := g.Order("root")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta", "root"}, order)
}

func TestOrder_Stable(t *testing.T) {
	edges := map[string][]string{
		"root": {"b", "a", "c"},
		"b":    {"d"},
		"c":    {"d", "a"},
	}
	first, err := graphOf(edges).Order("root")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := graphOf(edges).Order("root")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, []string{"a", "d", "b", "c", "root"}, first)
}

func TestOrder_OnlyReachable(t *testing.T) {
	g := graphOf(map[string][]string{
		"root":  {"dep"},
		"other": {"dep"},
	})
	order, err := g.Order("root")
	require.NoError(t, err)
	assert.Equal(t, []string{"dep", "root"}, order)
}

func TestOrder_Cycle(t *testing.T) {
	g := graphOf(map[string][]string{
		"A": {"B"},
		"B": {"A"},
	})

	for i := 0; i < 10; i++ {
		_, err := g.Order("A")
		require.Error(t, err)
		assert.True(t, resource.IsCyclicDependency(err))

		var re *resource.Error
		require.ErrorAs(t, err, &re)
		assert.Equal(t, "A -> B -> A", re.Details["cycle"])
	}
}

func TestOrder_SelfLoop(t *testing.T) {
	g := graphOf(map[string][]string{"A": {"A"}})
	_, err := g.Order("A")
	assert.True(t, resource.IsCyclicDependency(err))
}

func TestOrder_CycleBelowRoot(t *testing.T) {
	g := graphOf(map[string][]string{
		"root": {"x"},
		"x":    {"y"},
		"y":    {"z"},
		"z":    {"x"},
	})
	_, err := g.Order("root")
	var re *resource.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "x -> y -> z -> x", re.Details["cycle"])
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.2.0", "1.10.0", -1},
		{"2", "1.9.9", 1},
		{"1.0", "1.0.1", -1},
		{"1.0.0-beta", "1.0.0-alpha", 1},
		{"", "1.0.0", -1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, compareVersions(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}
