package resource

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"int64", int64(-100), "-100"},
		{"integral float", float64(28), "28"},
		{"fraction", 1.5, "1.5"},
		{"json number int", json.Number("9007199254740993"), "9007199254740993"},
		{"json number decimal", json.Number("0.25"), "0.25"},
		{"bool", true, "true"},
		{"null", nil, "null"},
		{"empty array", []any{}, "[]"},
		{"empty object", map[string]any{}, "{}"},
		{"html not escaped", "<a&b>", `"<a&b>"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalSortedKeys(t *testing.T) {
	obj := map[string]any{
		"zebra": 1,
		"alpha": map[string]any{"b": 1, "a": 2},
		"beta":  []any{"x", 2},
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":2,"b":1},"beta":["x",2],"zebra":1}`, string(result))
}

func TestMarshalCanonicalUTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as surrogates 0xD83D..., which sort before U+FF5E in
	// UTF-16 but after it in UTF-8.
	obj := map[string]any{"\uff5e": 1, "\U0001F600": 2}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"\uff5e\":1}", string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed := "e\u0301"
	result, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(result))
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	result, err := MarshalCanonical("a\u2028b")
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(result))

	literal, err := MarshalCanonical(`a\u2028b`)
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028b"`, string(literal))
}

func TestMarshalCanonicalRejectsUnsupported(t *testing.T) {
	_, err := MarshalCanonical(struct{}{})
	assert.Error(t, err)
}

func TestContentHash_IgnoresMeta(t *testing.T) {
	a := map[string]any{"resourceType": "Patient", "id": "1", "meta": map[string]any{"versionId": "1"}}
	b := map[string]any{"resourceType": "Patient", "id": "1", "meta": map[string]any{"versionId": "7"}}
	c := map[string]any{"resourceType": "Patient", "id": "2"}

	assert.Equal(t, MustContentHash(a), MustContentHash(b))
	assert.NotEqual(t, MustContentHash(a), MustContentHash(c))
	assert.Len(t, MustContentHash(a), 64)
}

func TestLibraryLogicalID_Stable(t *testing.T) {
	c := Canonical{URL: "http://localhost/Library/COVIDCheck", Version: "1.0.0"}
	assert.Equal(t, LibraryLogicalID(c), LibraryLogicalID(c))
	assert.NotEqual(t, LibraryLogicalID(c), LibraryLogicalID(Canonical{URL: c.URL, Version: "2.0.0"}))
}

func TestEntryLogicalID_Stable(t *testing.T) {
	h := MustContentHash(map[string]any{"resourceType": "Patient", "active": true})
	assert.Equal(t, EntryLogicalID("Patient", h), EntryLogicalID("Patient", h))
	assert.Len(t, EntryLogicalID("Patient", h), 32)
	assert.NotEqual(t, EntryLogicalID("Patient", h), EntryLogicalID("Observation", h))
}
