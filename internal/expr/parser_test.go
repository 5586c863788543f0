package expr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tokens, err := tokenize(`"Doses".count() >= 2 // trailing`)
	require.NoError(t, err)

	kinds := make([]tokenKind, len(tokens))
	for i, tok := range tokens {
		kinds[i] = tok.kind
	}
	assert.Equal(t, []tokenKind{tkQuoted, tkDot, tkIdent, tkLParen, tkRParen, tkGe, tkNumber, tkEOF}, kinds)
	assert.Equal(t, "Doses", tokens[0].value)
}

func TestTokenize_Positions(t *testing.T) {
	tokens, err := tokenize("a\n  /* note */ b")
	require.NoError(t, err)
	assert.Equal(t, Pos{Line: 1, Col: 1}, tokens[0].pos)
	assert.Equal(t, Pos{Line: 2, Col: 14}, tokens[1].pos)
}

func TestTokenize_Errors(t *testing.T) {
	for _, src := range []string{`'open`, `"open`, `/* open`, `#`, `@`} {
		_, err := tokenize(src)
		var se *SyntaxError
		assert.ErrorAs(t, err, &se, "source %q", src)
	}
}

func TestParseExpression_Precedence(t *testing.T) {
	n, err := ParseExpression(`a or b and c = 1 + 2 * 3`)
	require.NoError(t, err)

	or, ok := n.(*Binary)
	require.True(t, ok)
	assert.Equal(t, "or", or.Op)

	and, ok := or.Right.(*Binary)
	require.True(t, ok)
	assert.Equal(t, "and", and.Op)

	eq, ok := and.Right.(*Binary)
	require.True(t, ok)
	assert.Equal(t, "=", eq.Op)

	plus, ok := eq.Right.(*Binary)
	require.True(t, ok)
	assert.Equal(t, "+", plus.Op)
	assert.Equal(t, "*", plus.Right.(*Binary).Op)
}

func TestParseExpression_LeftAssociative(t *testing.T) {
	n, err := ParseExpression(`10 - 4 - 3`)
	require.NoError(t, err)

	outer := n.(*Binary)
	inner, ok := outer.Left.(*Binary)
	require.True(t, ok)
	assert.Equal(t, int64(10), inner.Left.(*Literal).Value)
	assert.Equal(t, int64(3), outer.Right.(*Literal).Value)
}

func TestParseExpression_Postfix(t *testing.T) {
	n, err := ParseExpression(`Lib."Doses".where(code = '207')[0].date`)
	require.NoError(t, err)

	m, ok := n.(*Member)
	require.True(t, ok)
	assert.Equal(t, "date", m.Name)

	idx, ok := m.Target.(*Index)
	require.True(t, ok)

	call, ok := idx.Target.(*Call)
	require.True(t, ok)
	assert.Equal(t, "where", call.Name)
	require.Len(t, call.Args, 1)

	ref, ok := call.Target.(*Member)
	require.True(t, ok)
	assert.True(t, ref.Quoted)
	assert.Equal(t, "Doses", ref.Name)
	assert.Equal(t, "Lib", ref.Target.(*Ident).Name)
}

func TestParseExpression_Literals(t *testing.T) {
	tests := []struct {
		src  string
		want any
	}{
		{`'text'`, "text"},
		{`'it\'s'`, "it's"},
		{`42`, int64(42)},
		{`-7`, int64(-7)},
		{`2.5`, 2.5},
		{`true`, true},
		{`false`, false},
		{`@2021-03-04`, time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)},
		{`@2021-03-04T`, time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC)},
		{`@2021-03-04T10:30:00Z`, time.Date(2021, 3, 4, 10, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			n, err := ParseExpression(tt.src)
			require.NoError(t, err)
			lit, ok := n.(*Literal)
			require.True(t, ok, "got %T", n)
			assert.Equal(t, tt.want, lit.Value)
		})
	}
}

func TestParseExpression_Primary(t *testing.T) {
	n, err := ParseExpression(`[Immunization]`)
	require.NoError(t, err)
	assert.Equal(t, "Immunization", n.(*Retrieve).Type)

	n, err = ParseExpression(`{}`)
	require.NoError(t, err)
	assert.IsType(t, &EmptyLiteral{}, n)

	n, err = ParseExpression(`today()`)
	require.NoError(t, err)
	call := n.(*Call)
	assert.Nil(t, call.Target)
	assert.Empty(t, call.Args)
}

func TestParseExpression_Errors(t *testing.T) {
	tests := []string{
		``,
		`a.`,
		`(a`,
		`a b`,
		`[Immunization`,
		`f(a,`,
		`@2021-13-45`,
		`define`,
		`{ a }`,
	}
	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			_, err := ParseExpression(src)
			var se *SyntaxError
			assert.ErrorAs(t, err, &se)
		})
	}
}

func TestParseLibrary(t *testing.T) {
	src, err := ParseLibrary(`
library Check version '2.1.0'
context Patient

define "Doses": [Immunization]
define Count: "Doses".count()
`)
	require.NoError(t, err)

	assert.Equal(t, "Check", src.Name)
	assert.Equal(t, "2.1.0", src.Version)
	assert.Equal(t, "Patient", src.ContextType)
	assert.Equal(t, []string{"Doses", "Count"}, src.Names())
	assert.Equal(t, 5, src.Defines[0].At.Line)
}

func TestParseLibrary_NoHeader(t *testing.T) {
	src, err := ParseLibrary(`define "A": 1`)
	require.NoError(t, err)
	assert.Empty(t, src.Name)
	assert.Equal(t, "Patient", src.ContextType)
	assert.Equal(t, []string{"A"}, src.Names())
}

func TestParseLibrary_Errors(t *testing.T) {
	tests := map[string]string{
		"missing colon":   `define "A" 1`,
		"missing body":    `define "A":`,
		"stray statement": `library L version '1' foo`,
		"bad version":     `library L version 1`,
		"unquoted define": `define 'A': 1`,
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseLibrary(text)
			var se *SyntaxError
			assert.ErrorAs(t, err, &se)
		})
	}
}
