package queryir

import (
	"strconv"
	"strings"
	"time"
)

// IDParam is the pseudo-parameter matching a resource's logical id.
const IDParam = "_id"

// Search is a query against one resource type.
//
// Example:
//
//	Search{
//	  Type: "Immunization",
//	  Filter: And{Predicates: []Predicate{
//	    Equals{Param: "patient", Value: "Patient/1"},
//	    Equals{Param: "status", Value: "completed"},
//	  }},
//	  Sort: []SortKey{{Param: "date"}},
//	}
//
// Tombstoned resources never match.
type Search struct {
	Type   string
	Filter Predicate // nil = every live resource of Type
	Sort   []SortKey // applied before the logical id tiebreaker
	Limit  int       // 0 = unlimited
}

// SortKey orders results by the smallest (or, descending, largest)
// indexed value of a parameter.
type SortKey struct {
	Param      string
	Descending bool
}

// Predicate is a filter condition over search parameters.
//
// Predicate types:
//   - Equals: some indexed value equals the literal
//   - Prefix: some indexed value starts with the literal
//   - In: some indexed value is one of the literals
//   - Compare: some numeric/date indexed value satisfies the comparison
//   - And / Or: boolean combinations
type Predicate interface {
	predicateNode()
}

// Equals matches resources with an indexed value equal to Value.
type Equals struct {
	Param string
	Value string
}

func (Equals) predicateNode() {}

// Prefix matches resources with an indexed value starting with Value.
// Like Equals it compares case-sensitively.
type Prefix struct {
	Param string
	Value string
}

func (Prefix) predicateNode() {}

// In matches resources with an indexed value equal to any of Values.
// An empty In matches nothing.
type In struct {
	Param  string
	Values []string
}

func (In) predicateNode() {}

// CompareOp is a numeric ordering operator.
type CompareOp string

const (
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

// Compare matches resources with a numeric indexed value satisfying
// "value Op Value". Dates are compared as Unix seconds; see NumericValue.
type Compare struct {
	Param string
	Op    CompareOp
	Value float64
}

func (Compare) predicateNode() {}

// And is a conjunction. An empty And is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or is a disjunction. An empty Or is always false.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// dateLayouts lists the FHIR date/dateTime precisions accepted by
// NumericValue, most precise first.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// NumericValue converts an indexed text value to its numeric form.
// Plain numbers parse as numbers; FHIR dates and dateTimes become Unix
// seconds of their earliest instant (UTC when no zone is given).
func NumericValue(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !looksLikeYear(s) {
		return f, true
	}
	if t, ok := ParseDate(s); ok {
		return float64(t.Unix()), true
	}
	return 0, false
}

// ParseDate parses a FHIR date or dateTime of any precision.
func ParseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// DateValue is the numeric form of a time for Compare predicates.
func DateValue(t time.Time) float64 {
	return float64(t.Unix())
}

// looksLikeYear reports whether s is a bare four digit year, which FHIR
// treats as a date rather than a number.
func looksLikeYear(s string) bool {
	if len(s) != 4 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
