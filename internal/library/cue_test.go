package library

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/testutil"
)

const covidCUE = "../../testdata/bundles/covid-check.cue"

func TestLoadCUEBundle_COVIDCheck(t *testing.T) {
	bundle, err := LoadCUEBundle(covidCUE)
	require.NoError(t, err)
	assert.Equal(t, "Bundle", bundle["resourceType"])

	reg, _ := createTestRegistry(t)
	ctx := context.Background()
	report, err := reg.LoadBundle(ctx, bundle)
	require.NoError(t, err)
	assert.Equal(t, []resource.Canonical{
		{URL: testutil.CommonLibraryURL, Version: "1.0.0"},
		{URL: testutil.COVIDCheckURL, Version: "1.0.0"},
	}, report.Libraries)

	// CUE multiline strings drop the final newline.
	d, err := reg.Lookup(ctx, testutil.COVIDCheckCanonical)
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(testutil.COVIDCheckSource), d.Source)

	deps, err := reg.ResolveDependencies(ctx, testutil.COVIDCheckCanonical)
	require.NoError(t, err)
	assert.Len(t, deps, 2)
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadCUEBundle_WholeFileWithoutBundleField(t *testing.T) {
	path := writeFile(t, "b.cue", `resourceType: "Bundle"
type: "collection"
entry: []
`)
	bundle, err := LoadCUEBundle(path)
	require.NoError(t, err)
	assert.Equal(t, "collection", bundle["type"])
}

func TestLoadCUEBundle_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"syntax", "bundle: {resourceType: \"Bundle\"\n"},
		{"conflict", "bundle: {resourceType: \"Bundle\", resourceType: \"Library\"}\n"},
		{"incomplete", "bundle: {resourceType: \"Bundle\", type: string}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCUEBundle(writeFile(t, "bad.cue", tt.body))
			require.Error(t, err)
			assert.True(t, resource.IsValidation(err), "got %v", err)
		})
	}

	_, err := LoadCUEBundle(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}

func TestReadBundle_ByExtension(t *testing.T) {
	fromCUE, err := ReadBundle(covidCUE)
	require.NoError(t, err)
	assert.Len(t, fromCUE["entry"], 2)

	path := writeFile(t, "b.json", `{"resourceType":"Bundle","type":"collection","entry":[]}`)
	fromJSON, err := ReadBundle(path)
	require.NoError(t, err)
	assert.Equal(t, "collection", fromJSON["type"])
}
