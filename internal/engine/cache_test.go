package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/fhirengine/internal/expr"
)

func compiledDefs(t *testing.T, src string) map[string]*expr.Definition {
	t.Helper()
	lib, err := expr.CompileSource(src, nil)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	out := map[string]*expr.Definition{}
	for _, n := range lib.Names() {
		out[n], _ = lib.Definition(n)
	}
	return out
}

func TestCompileCache_HitMissStale(t *testing.T) {
	c := newCompileCache(8)
	defs := compiledDefs(t, `define "A": 1 define "B": 2`)
	key := cacheKey{library: "L", name: "A"}

	_, outcome := c.get(key, "L@1")
	assert.Equal(t, cacheMiss, outcome)

	assert.True(t, c.put("L", []string{"L"}, "L@1", c.begin(), defs))
	def, outcome := c.get(key, "L@1")
	assert.Equal(t, cacheHit, outcome)
	assert.Same(t, defs["A"], def)

	_, outcome = c.get(key, "L@2")
	assert.Equal(t, cacheStale, outcome)
}

func TestCompileCache_InvalidateDropsClosureMembers(t *testing.T) {
	c := newCompileCache(8)
	c.put("App", []string{"Common", "App"}, "Common@1,App@1", c.begin(), compiledDefs(t, `define "A": 1`))
	c.put("Other", []string{"Other"}, "Other@1", c.begin(), compiledDefs(t, `define "A": 1`))

	assert.Equal(t, 1, c.invalidate("Common"))
	assert.Equal(t, 1, c.len())

	_, outcome := c.get(cacheKey{library: "Other", name: "A"}, "Other@1")
	assert.Equal(t, cacheHit, outcome)
}

func TestCompileCache_CompileStartedBeforeInvalidateIsNotInstalled(t *testing.T) {
	c := newCompileCache(8)
	defs := compiledDefs(t, `define "A": 1`)

	generation := c.begin()
	c.invalidate("L")
	assert.False(t, c.put("L", []string{"L"}, "L@1", generation, defs))
	assert.Zero(t, c.len())

	assert.True(t, c.put("L", []string{"L"}, "L@1", c.begin(), defs))
	assert.Equal(t, 1, c.len())
}

func TestCompileCache_Evicts(t *testing.T) {
	c := newCompileCache(2)
	c.put("L", []string{"L"}, "L@1", c.begin(), compiledDefs(t, `define "A": 1 define "B": 2 define "C": 3`))
	assert.Equal(t, 2, c.len())
}

func TestNewCompileCache_DefaultSize(t *testing.T) {
	c := newCompileCache(0)
	assert.Zero(t, c.len())
}
