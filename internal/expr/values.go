package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/fhirengine/internal/resource"
)

// Collection is an ordered list of values. Items are string, bool, int64,
// float64, time.Time or map[string]any (a resource or complex element).
// Collections are never modified after they are produced.
type Collection []any

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006-01",
	"2006",
}

// ParseDate parses a date or dateTime of any precision. Values without a
// zone are taken as UTC.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// normalize maps Go numeric kinds onto int64 and float64 and flattens
// nothing else.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float32:
		return float64(n)
	}
	return v
}

func isNumber(v any) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return math.NaN()
}

// toTime converts times and date strings.
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		return ParseDate(t)
	}
	return time.Time{}, false
}

// truthy evaluates a collection as a condition. The result is unknown
// (ok == false) for an empty collection. A single non-boolean item counts
// as true. More than one item is an error.
func truthy(c Collection, at Pos) (val, ok bool, err error) {
	switch len(c) {
	case 0:
		return false, false, nil
	case 1:
		if b, isBool := c[0].(bool); isBool {
			return b, true, nil
		}
		return true, true, nil
	}
	return false, false, evalErrorf(at, "expected a single boolean, got %d items", len(c))
}

// singleton returns the only item of c, or nil for an empty collection.
func singleton(c Collection, at Pos) (any, error) {
	switch len(c) {
	case 0:
		return nil, nil
	case 1:
		return c[0], nil
	}
	return nil, evalErrorf(at, "expected a single item, got %d", len(c))
}

// compare orders two values. ok is false when they are not comparable.
func compare(a, b any) (int, bool) {
	switch {
	case isNumber(a) && isNumber(b):
		if ai, ok := a.(int64); ok {
			if bi, ok := b.(int64); ok {
				return cmpOrdered(ai, bi), true
			}
		}
		return cmpOrdered(toFloat(a), toFloat(b)), true
	}

	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), true
		}
		if bt, ok := b.(time.Time); ok {
			if at, ok := ParseDate(av); ok {
				return at.Compare(bt), true
			}
		}
	case time.Time:
		if bt, ok := toTime(b); ok {
			return av.Compare(bt), true
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0, true
			case !av:
				return -1, true
			}
			return 1, true
		}
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// equal reports value equality. Complex values compare by canonical JSON.
func equal(a, b any) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return keyOf(a) == keyOf(b)
}

// keyOf returns a string identifying a value for distinct and union.
func keyOf(v any) string {
	switch t := v.(type) {
	case string:
		return "s:" + t
	case bool:
		return "b:" + strconv.FormatBool(t)
	case int64:
		return "n:" + strconv.FormatFloat(float64(t), 'g', -1, 64)
	case float64:
		return "n:" + strconv.FormatFloat(t, 'g', -1, 64)
	case time.Time:
		return "t:" + t.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		data, err := resource.MarshalCanonical(t)
		if err != nil {
			return fmt.Sprintf("m:%p", t)
		}
		return "m:" + string(data)
	}
	return fmt.Sprintf("?:%v", v)
}

func distinct(c Collection) Collection {
	seen := make(map[string]bool, len(c))
	out := make(Collection, 0, len(c))
	for _, v := range c {
		k := keyOf(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

// typeName describes a value in error messages.
func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case int64:
		return "integer"
	case float64:
		return "decimal"
	case time.Time:
		return "date"
	case map[string]any:
		return "element"
	}
	return fmt.Sprintf("%T", v)
}

// navigate returns the children named name of every item. Arrays are
// flattened and missing fields contribute nothing. A choice element such
// as occurrence[x] matches its typed field (occurrenceDateTime).
func navigate(c Collection, name string) Collection {
	var out Collection
	for _, item := range c {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		v, found := m[name]
		if !found {
			v, found = choiceField(m, name)
		}
		if !found || v == nil {
			continue
		}
		out = appendFlat(out, v)
	}
	return out
}

func appendFlat(out Collection, v any) Collection {
	if arr, ok := v.([]any); ok {
		for _, e := range arr {
			if e != nil {
				out = append(out, normalize(e))
			}
		}
		return out
	}
	if arr, ok := v.([]map[string]any); ok {
		for _, e := range arr {
			out = append(out, e)
		}
		return out
	}
	return append(out, normalize(v))
}

// choiceSuffixes are the type suffixes of choice elements.
var choiceSuffixes = []string{
	"DateTime", "Date", "Instant", "Period", "String", "Boolean", "Integer",
	"Decimal", "Quantity", "CodeableConcept", "Coding", "Reference", "Range",
}

func choiceField(m map[string]any, name string) (any, bool) {
	for _, suffix := range choiceSuffixes {
		if v, ok := m[name+suffix]; ok {
			return v, true
		}
	}
	return nil, false
}
