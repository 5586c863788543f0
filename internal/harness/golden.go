package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/fhirengine/internal/engine"
)

// RunWithGolden runs a scenario, fails t on any failed check and
// compares the canonical JSON of the values with
// testdata/golden/<name>.golden.
//
// To regenerate golden files:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, s *Scenario) error {
	t.Helper()

	result, err := Run(context.Background(), s)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Errorf("%s: %s", s.Name, msg)
	}
	if result.Values == nil {
		return nil
	}
	return AssertGolden(t, s.Name, result.Values)
}

// AssertGolden compares the canonical JSON of res with the golden file
// of name.
func AssertGolden(t *testing.T, name string, res *engine.Result) error {
	t.Helper()

	data, err := res.Canonical()
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
