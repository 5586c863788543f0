package harness

import (
	"fmt"
	"math"

	"github.com/roach88/fhirengine/internal/engine"
	"github.com/roach88/fhirengine/internal/resource"
)

// CheckExpectations compares the expected values against res and
// records every mismatch on result.
//
// Expected YAML values map onto value kinds: booleans onto booleans,
// numbers onto unitless quantities, strings onto strings or a single
// reference, null onto null, and lists onto references or lists.
func CheckExpectations(result *Result, res *engine.Result, expect map[string]any) {
	for _, name := range sortedKeys(expect) {
		got, ok := res.Get(name)
		if !ok {
			result.AddError("expect %s: not evaluated", name)
			continue
		}
		if msg := matchValue(expect[name], got); msg != "" {
			result.AddError("expect %s: %s", name, msg)
		}
	}
}

// EvaluateAssertions checks each assertion against res.
func EvaluateAssertions(result *Result, res *engine.Result, assertions []Assertion) {
	for i, a := range assertions {
		got, ok := res.Get(a.Expression)
		if !ok {
			result.AddError("assertions[%d] %s: %s not evaluated", i, a.Type, a.Expression)
			continue
		}
		switch a.Type {
		case AssertCount:
			if n := count(got); n != a.Count {
				result.AddError("assertions[%d] count: %s has %d items, want %d", i, a.Expression, n, a.Count)
			}
		case AssertNull:
			if got.Kind != engine.KindNull {
				result.AddError("assertions[%d] null: %s is %s", i, a.Expression, got.Kind)
			}
		case AssertNotNull:
			if got.Kind == engine.KindNull {
				result.AddError("assertions[%d] not_null: %s is null", i, a.Expression)
			}
		}
	}
}

// count is the number of items a value holds.
func count(v engine.Value) int {
	switch v.Kind {
	case engine.KindNull:
		return 0
	case engine.KindReferences:
		return len(v.References)
	case engine.KindList:
		return len(v.List)
	}
	return 1
}

// matchValue returns "" when got matches want, else a description of
// the mismatch.
func matchValue(want any, got engine.Value) string {
	switch w := want.(type) {
	case nil:
		if got.Kind != engine.KindNull {
			return fmt.Sprintf("got %s, want null", describe(got))
		}
	case bool:
		if got.Kind != engine.KindBoolean || got.Bool != w {
			return fmt.Sprintf("got %s, want %t", describe(got), w)
		}
	case int, int64, float64:
		n := toFloat(w)
		if got.Kind != engine.KindQuantity || math.Abs(got.Quantity.Value-n) > 1e-9 {
			return fmt.Sprintf("got %s, want %v", describe(got), w)
		}
	case string:
		switch got.Kind {
		case engine.KindString:
			if got.String == w {
				return ""
			}
		case engine.KindReferences:
			if len(got.References) == 1 && got.References[0].String() == w {
				return ""
			}
		}
		return fmt.Sprintf("got %s, want %q", describe(got), w)
	case []any:
		return matchList(w, got)
	default:
		return fmt.Sprintf("unsupported expected value %v (%T)", want, want)
	}
	return ""
}

func matchList(want []any, got engine.Value) string {
	switch got.Kind {
	case engine.KindReferences:
		if len(want) != len(got.References) {
			return fmt.Sprintf("got %s, want %d references", describe(got), len(want))
		}
		for i, ref := range got.References {
			if s, ok := want[i].(string); !ok || s != ref.String() {
				return fmt.Sprintf("reference %d: got %s, want %v", i, ref, want[i])
			}
		}
		return ""
	case engine.KindList:
		if len(want) != len(got.List) {
			return fmt.Sprintf("got %d items, want %d", len(got.List), len(want))
		}
		for i, item := range got.List {
			if msg := matchValue(want[i], item); msg != "" {
				return fmt.Sprintf("item %d: %s", i, msg)
			}
		}
		return ""
	case engine.KindNull:
		if len(want) == 0 {
			return ""
		}
	}
	return fmt.Sprintf("got %s, want a list of %d", describe(got), len(want))
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return math.NaN()
}

func describe(v engine.Value) string {
	data, err := resource.MarshalCanonical(v.JSON())
	if err != nil {
		return string(v.Kind)
	}
	return string(data)
}
