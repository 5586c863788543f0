package engine

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/roach88/fhirengine/internal/expr"
	"github.com/roach88/fhirengine/internal/resource"
)

// Kind is the shape of an evaluated value.
type Kind string

const (
	KindBoolean    Kind = "boolean"
	KindQuantity   Kind = "quantity"
	KindReferences Kind = "references"
	KindString     Kind = "string"
	KindList       Kind = "list"
	KindNull       Kind = "null"
)

// Quantity is a number with an optional unit.
type Quantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// Value is the result of one expression. Exactly the field matching Kind
// is set. A null value means the expression produced nothing or failed
// at evaluation time.
type Value struct {
	Kind       Kind
	Bool       bool
	Quantity   *Quantity
	References []resource.Reference
	String     string
	List       []Value
}

// Null is the empty value.
var Null = Value{Kind: KindNull}

// JSON renders the value as {"kind": ..., "value": ...}.
func (v Value) JSON() map[string]any {
	out := map[string]any{"kind": string(v.Kind)}
	switch v.Kind {
	case KindBoolean:
		out["value"] = v.Bool
	case KindQuantity:
		q := map[string]any{"value": v.Quantity.Value}
		if v.Quantity.Unit != "" {
			q["unit"] = v.Quantity.Unit
		}
		out["value"] = q
	case KindReferences:
		refs := make([]any, len(v.References))
		for i, r := range v.References {
			refs[i] = r.String()
		}
		out["value"] = refs
	case KindString:
		out["value"] = v.String
	case KindList:
		items := make([]any, len(v.List))
		for i, item := range v.List {
			items[i] = item.JSON()
		}
		out["value"] = items
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.JSON())
}

// Result is the outcome of evaluating named expressions of a library for
// one context resource.
type Result struct {
	Library resource.Canonical
	Context resource.Reference
	Values  map[string]Value
}

// Names returns the evaluated names in sorted order.
func (r *Result) Names() []string {
	names := make([]string, 0, len(r.Values))
	for n := range r.Values {
		names = append(names, n)
	}
	slices.SortFunc(names, resource.CompareUTF16)
	return names
}

// Get returns the value of name.
func (r *Result) Get(name string) (Value, bool) {
	v, ok := r.Values[name]
	return v, ok
}

// Bool returns the boolean value of name. ok is false when name was not
// evaluated or is not a boolean.
func (r *Result) Bool(name string) (value, ok bool) {
	v, found := r.Values[name]
	if !found || v.Kind != KindBoolean {
		return false, false
	}
	return v.Bool, true
}

// JSON renders the result with values keyed by name.
func (r *Result) JSON() map[string]any {
	values := make(map[string]any, len(r.Values))
	for n, v := range r.Values {
		values[n] = v.JSON()
	}
	return map[string]any{
		"library": r.Library.String(),
		"context": r.Context.String(),
		"values":  values,
	}
}

// MarshalJSON implements json.Marshaler.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.JSON())
}

// Canonical returns the canonical JSON encoding of the result.
func (r *Result) Canonical() ([]byte, error) {
	return resource.MarshalCanonical(r.JSON())
}

// Parameters renders the result as a FHIR Parameters resource with one
// parameter per value, in name order. Lists and references repeat the
// parameter name once per item; null values carry no value element.
func (r *Result) Parameters() map[string]any {
	var params []any
	for _, name := range r.Names() {
		params = append(params, parameters(name, r.Values[name])...)
	}
	if params == nil {
		params = []any{}
	}
	return map[string]any{
		"resourceType": "Parameters",
		"parameter":    params,
	}
}

func parameters(name string, v Value) []any {
	p := map[string]any{"name": name}
	switch v.Kind {
	case KindBoolean:
		p["valueBoolean"] = v.Bool
	case KindQuantity:
		q := map[string]any{"value": v.Quantity.Value}
		if v.Quantity.Unit != "" {
			q["unit"] = v.Quantity.Unit
		}
		p["valueQuantity"] = q
	case KindString:
		p["valueString"] = v.String
	case KindReferences:
		out := make([]any, len(v.References))
		for i, ref := range v.References {
			out[i] = map[string]any{"name": name, "valueReference": map[string]any{"reference": ref.String()}}
		}
		return out
	case KindList:
		var out []any
		for _, item := range v.List {
			out = append(out, parameters(name, item)...)
		}
		return out
	}
	return []any{p}
}

// toValue converts an expression result.
//
//   - empty: null
//   - one boolean, number, string or date: that scalar
//   - only resources: their references
//   - anything else: a list of converted items
func toValue(c expr.Collection) Value {
	if len(c) == 0 {
		return Null
	}
	if refs, ok := references(c); ok {
		return Value{Kind: KindReferences, References: refs}
	}
	if len(c) == 1 {
		return scalar(c[0])
	}
	list := make([]Value, len(c))
	for i, item := range c {
		list[i] = scalar(item)
	}
	return Value{Kind: KindList, List: list}
}

func references(c expr.Collection) ([]resource.Reference, bool) {
	refs := make([]resource.Reference, 0, len(c))
	for _, item := range c {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		typ, _ := m["resourceType"].(string)
		id, _ := m["id"].(string)
		if typ == "" || id == "" {
			return nil, false
		}
		refs = append(refs, resource.Reference{Type: typ, ID: id})
	}
	return refs, true
}

func scalar(v any) Value {
	switch x := v.(type) {
	case bool:
		return Value{Kind: KindBoolean, Bool: x}
	case int64:
		return Value{Kind: KindQuantity, Quantity: &Quantity{Value: float64(x)}}
	case float64:
		return Value{Kind: KindQuantity, Quantity: &Quantity{Value: x}}
	case string:
		return Value{Kind: KindString, String: x}
	case time.Time:
		return Value{Kind: KindString, String: formatDate(x)}
	case map[string]any:
		if q, ok := quantity(x); ok {
			return Value{Kind: KindQuantity, Quantity: q}
		}
		if refs, ok := references(expr.Collection{x}); ok {
			return Value{Kind: KindReferences, References: refs}
		}
		data, err := resource.MarshalCanonical(x)
		if err != nil {
			return Null
		}
		return Value{Kind: KindString, String: string(data)}
	}
	return Null
}

// quantity recognizes a FHIR Quantity element.
func quantity(m map[string]any) (*Quantity, bool) {
	var value float64
	switch n := m["value"].(type) {
	case int64:
		value = float64(n)
	case float64:
		value = n
	default:
		return nil, false
	}
	unit, _ := m["unit"].(string)
	if unit == "" {
		unit, _ = m["code"].(string)
	}
	return &Quantity{Value: value, Unit: unit}, true
}

// formatDate prints midnight UTC as a date and anything else as a
// dateTime.
func formatDate(t time.Time) string {
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339Nano)
}
