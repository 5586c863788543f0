package queryir

import "fmt"

// ValidationResult lists problems that would make a search meaningless.
type ValidationResult struct {
	// Valid is true when Problems is empty.
	Valid bool

	// Problems describes each defect found.
	Problems []string
}

// Err returns the problems as an error, or nil when valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("invalid search: %v", r.Problems)
}

// ParamChecker reports whether a search parameter exists for a type.
// A nil checker accepts every parameter.
type ParamChecker func(resourceType, param string) bool

// Validate checks a search for structural problems: a missing type,
// unnamed or unknown parameters, and unknown comparison operators.
//
// Validate is a pure function with no side effects.
func Validate(s Search, known ParamChecker) ValidationResult {
	v := &validator{typ: s.Type, known: known}
	if s.Type == "" {
		v.add("missing resource type")
	}
	if s.Limit < 0 {
		v.add("negative limit %d", s.Limit)
	}
	if s.Filter != nil {
		v.predicate(s.Filter)
	}
	for _, k := range s.Sort {
		v.param(k.Param)
	}
	return ValidationResult{Valid: len(v.problems) == 0, Problems: v.problems}
}

type validator struct {
	typ      string
	known    ParamChecker
	problems []string
}

func (v *validator) add(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) param(name string) {
	if name == "" {
		v.add("empty parameter name")
		return
	}
	if name == IDParam || v.known == nil || v.typ == "" {
		return
	}
	if !v.known(v.typ, name) {
		v.add("unknown search parameter %s.%s", v.typ, name)
	}
}

func (v *validator) predicate(p Predicate) {
	switch pred := p.(type) {
	case Equals:
		v.param(pred.Param)
	case Prefix:
		v.param(pred.Param)
	case In:
		v.param(pred.Param)
	case Compare:
		v.param(pred.Param)
		switch pred.Op {
		case OpLt, OpLe, OpGt, OpGe:
		default:
			v.add("unknown comparison operator %q", pred.Op)
		}
	case And:
		for _, c := range pred.Predicates {
			v.predicate(c)
		}
	case Or:
		for _, c := range pred.Predicates {
			v.predicate(c)
		}
	case nil:
		v.add("nil predicate")
	default:
		v.add("unknown predicate type %T", p)
	}
}
