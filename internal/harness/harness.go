package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/rs/zerolog"

	"github.com/roach88/fhirengine/internal/engine"
	"github.com/roach88/fhirengine/internal/library"
	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/store"
	"github.com/roach88/fhirengine/internal/testutil"
)

// Option configures a run.
type Option func(*runner)

// WithLogger sets the logger for the stores and engines of a run.
func WithLogger(l zerolog.Logger) Option {
	return func(r *runner) { r.logger = l }
}

type runner struct {
	logger zerolog.Logger
}

// Run executes a scenario in a fresh temporary store.
//
// The returned error reports a scenario that could not be set up, such
// as an unreadable bundle. Failed expectations are reported in the
// result instead.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	r := &runner{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}

	dir, err := os.MkdirTemp("", "fhirengine-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "scenario.db"),
		store.WithClock(testutil.NewFakeClock()),
		store.WithLogger(r.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("open scenario store: %w", err)
	}
	defer st.Close()

	reg := library.New(st, library.WithLogger(r.logger))
	for _, b := range s.Bundles {
		bundle, err := library.ReadBundle(s.Path(b))
		if err != nil {
			return nil, fmt.Errorf("bundle %s: %w", b, err)
		}
		if _, err := reg.LoadBundle(ctx, bundle); err != nil {
			return nil, fmt.Errorf("load bundle %s: %w", b, err)
		}
	}

	for i, src := range s.Resources {
		rs, err := r.resources(s, src)
		if err != nil {
			return nil, fmt.Errorf("resources[%d]: %w", i, err)
		}
		if _, err := st.CreateAll(ctx, rs...); err != nil {
			return nil, fmt.Errorf("resources[%d]: %w", i, err)
		}
	}

	engineOpts := []engine.Option{engine.WithLogger(r.logger)}
	if t, _ := s.Time(); !t.IsZero() {
		engineOpts = append(engineOpts, engine.WithReferenceTime(t))
	}
	eng := engine.New(st, reg, engineOpts...)

	result := NewResult()
	res, err := eng.Evaluate(ctx, s.Evaluate.Library, s.Evaluate.Context, s.Evaluate.Expressions)
	if s.ExpectError != "" {
		switch code := resource.CodeOf(err); {
		case err == nil:
			result.AddError("expected %s error, evaluation succeeded", s.ExpectError)
		case string(code) != s.ExpectError:
			result.AddError("expected %s error, got %v", s.ExpectError, err)
		}
		return result, nil
	}
	if err != nil {
		result.AddError("evaluate: %v", err)
		return result, nil
	}

	result.Values = res
	CheckExpectations(result, res, s.Expect)
	EvaluateAssertions(result, res, s.Assertions)
	return result, nil
}

// resources reads one resource source. Bundles are unpacked.
func (r *runner) resources(s *Scenario, src ResourceSource) ([]resource.Resource, error) {
	var content map[string]any
	if src.File != "" {
		data, err := os.ReadFile(s.Path(src.File))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", src.File, err)
		}
		if content, err = resource.DecodeJSON(data); err != nil {
			return nil, fmt.Errorf("%s: %w", src.File, err)
		}
	} else {
		// YAML numbers decode as int; a JSON round trip gives the
		// store's number types.
		data, err := json.Marshal(src.Inline)
		if err != nil {
			return nil, fmt.Errorf("inline resource: %w", err)
		}
		if content, err = resource.DecodeJSON(data); err != nil {
			return nil, err
		}
	}

	if content["resourceType"] != "Bundle" {
		res, err := resource.New(content)
		if err != nil {
			return nil, err
		}
		return []resource.Resource{res}, nil
	}

	entries, _ := content["entry"].([]any)
	out := make([]resource.Resource, 0, len(entries))
	for i, e := range entries {
		entry, _ := e.(map[string]any)
		body, ok := entry["resource"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("bundle entry %d: no resource", i)
		}
		res, err := resource.New(body)
		if err != nil {
			return nil, fmt.Errorf("bundle entry %d: %w", i, err)
		}
		out = append(out, res)
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
