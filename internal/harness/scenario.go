package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fhirengine/internal/resource"
)

// Scenario defines one evaluation test.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// ReferenceTime is the RFC 3339 instant evaluation treats as now.
	// Empty means the engine default.
	ReferenceTime string `yaml:"reference_time,omitempty"`

	// Bundles lists library bundle files, JSON or CUE.
	Bundles []string `yaml:"bundles"`

	// Resources are stored before evaluation, in order.
	Resources []ResourceSource `yaml:"resources,omitempty"`

	Evaluate EvaluateStep `yaml:"evaluate"`

	// Expect maps expression names to expected values. Only the listed
	// names are checked.
	Expect map[string]any `yaml:"expect,omitempty"`

	// ExpectError is the error code evaluation must fail with, such as
	// COMPILATION or MISSING_DEPENDENCY. Mutually exclusive with Expect.
	ExpectError string `yaml:"expect_error,omitempty"`

	Assertions []Assertion `yaml:"assertions,omitempty"`

	// dir is the directory of the scenario file.
	dir string
}

// ResourceSource is a resource file or an inline resource. A file may
// hold a Bundle, whose entries are stored one by one.
type ResourceSource struct {
	File   string         `yaml:"file,omitempty"`
	Inline map[string]any `yaml:"inline,omitempty"`
}

// EvaluateStep selects what to evaluate.
type EvaluateStep struct {
	// Library is a library identifier: url|version, url or Library/<id>.
	Library string `yaml:"library"`

	// Context is the context resource reference, such as Patient/1.
	Context string `yaml:"context"`

	// Expressions to evaluate. Empty evaluates every definition.
	Expressions []string `yaml:"expressions,omitempty"`
}

// Assertion checks the shape of one value beyond equality.
type Assertion struct {
	// Type is one of count, null and not_null.
	Type string `yaml:"type"`

	// Expression names the value checked.
	Expression string `yaml:"expression"`

	// Count is the expected number of items (count only).
	Count int `yaml:"count,omitempty"`
}

// Assertion types.
const (
	AssertCount   = "count"
	AssertNull    = "null"
	AssertNotNull = "not_null"
)

// Path resolves p against the scenario directory.
func (s *Scenario) Path(p string) string {
	if filepath.IsAbs(p) || s.dir == "" {
		return p
	}
	return filepath.Join(s.dir, p)
}

// Time parses ReferenceTime. The zero time means unset.
func (s *Scenario) Time() (time.Time, error) {
	if s.ReferenceTime == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s.ReferenceTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("reference_time: %w", err)
	}
	return t.UTC(), nil
}

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos do not silently skip checks.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.dir = filepath.Dir(path)
	return s, nil
}

// ParseScenario decodes and validates scenario YAML. Relative paths in
// the result resolve against the working directory.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// LoadScenarios loads every *.yaml and *.yml file of dir, sorted by name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, m...)
	}
	slices.Sort(paths)

	out := make([]*Scenario, 0, len(paths))
	seen := map[string]string{}
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[s.Name]; ok {
			return nil, fmt.Errorf("scenario name %q used by %s and %s", s.Name, prev, p)
		}
		seen[s.Name] = p
		out = append(out, s)
	}
	return out, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Evaluate.Library == "" {
		return fmt.Errorf("evaluate.library is required")
	}
	if s.Evaluate.Context == "" {
		return fmt.Errorf("evaluate.context is required")
	}
	if _, err := resource.ParseReference(s.Evaluate.Context); err != nil {
		return fmt.Errorf("evaluate.context: %w", err)
	}
	if _, err := s.Time(); err != nil {
		return err
	}
	if s.ExpectError != "" && (len(s.Expect) > 0 || len(s.Assertions) > 0) {
		return fmt.Errorf("expect_error excludes expect and assertions")
	}

	for i, r := range s.Resources {
		if (r.File == "") == (r.Inline == nil) {
			return fmt.Errorf("resources[%d]: exactly one of file and inline is required", i)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a, i); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(a Assertion, index int) error {
	if a.Expression == "" {
		return fmt.Errorf("assertions[%d]: expression is required", index)
	}
	switch a.Type {
	case AssertCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertNull, AssertNotNull:
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
