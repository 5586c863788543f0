package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_ForwardReferences(t *testing.T) {
	lib, err := CompileSource(`
library L version '1'
define "B": "A" + 1
define "A": 1
`, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, lib.Names())

	_, ok := lib.Definition("missing")
	assert.False(t, ok)
}

func TestCompile_Errors(t *testing.T) {
	common, err := CompileSource(`library Common define "X": 1`, nil)
	require.NoError(t, err)
	deps := map[string]*Library{"Common": common}

	tests := []struct {
		name    string
		src     string
		message string
		def     string
	}{
		{"unknown definition", `define "A": "Nope"`, `unknown definition "Nope"`, "A"},
		{"unknown bare name", `define "A": status`, "unknown name status", "A"},
		{"unknown function", `define "A": 1.frobnicate()`, "unknown function frobnicate()", "A"},
		{"too few arguments", `define "A": {}.where()`, "where() takes 1 argument, got 0", "A"},
		{"too many arguments", `define "A": {}.count(1)`, "count() takes no arguments, got 1", "A"},
		{"iif arity", `define "A": iif(true)`, "iif() takes 2 to 3 arguments, got 1", "A"},
		{"unknown library definition", `define "A": Common."Y"`, `library Common has no definition "Y"`, "A"},
		{"library without name", `define "A": Common`, "library Common used without a definition name", "A"},
		{"duplicate", `define "A": 1 define "A": 2`, "duplicate definition", "A"},
		{"self cycle", `define "A": "A"`, "definition cycle: A -> A", "A"},
		{"cycle", `define "A": "B" define "B": "C" define "C": "A"`, "definition cycle: A -> B -> C -> A", "C"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileSource(tt.src, deps)
			require.Error(t, err)

			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.message, ce.Message)
			assert.Equal(t, tt.def, ce.Definition)
			assert.True(t, IsCompileError(err))
		})
	}
}

func TestCompile_ItemScopeNavigates(t *testing.T) {
	// Inside where() a bare name is a field of the item, even when a
	// definition has the same name.
	lib, err := CompileSource(`
define "status": 'shadowed'
define "A": [Immunization].where(status = 'completed')
`, nil)
	require.NoError(t, err)
	_, ok := lib.Definition("A")
	assert.True(t, ok)
}

func TestCompile_ContextType(t *testing.T) {
	_, err := CompileSource("context Encounter\ndefine \"A\": Encounter.status", nil)
	require.NoError(t, err)

	_, err = CompileSource("context Encounter\ndefine \"A\": Patient.name", nil)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "unknown name Patient", ce.Message)
}

func TestCompile_SyntaxErrorIsWrapped(t *testing.T) {
	_, err := CompileSource(`define "A" 1`, nil)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	var se *SyntaxError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Pos.Line)
	assert.Contains(t, err.Error(), "syntax error at 1:12")
}

func TestCompileError_Message(t *testing.T) {
	err := &CompileError{Definition: "A", Pos: Pos{Line: 3, Col: 7}, Message: "unknown name x"}
	assert.Equal(t, `3:7: define "A": unknown name x`, err.Error())
}
