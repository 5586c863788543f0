package expr

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/roach88/fhirengine/internal/resource"
)

// invocation is one function call at evaluation time. input is the
// collection the function is applied to; outer is the focus the call
// appears in, used for arguments that do not iterate.
type invocation struct {
	ec    *Context
	at    Pos
	input Collection
	outer Collection
	args  []evalFunc
}

func (in *invocation) arg(i int) (Collection, error) {
	return in.args[i](in.ec, in.outer)
}

func (in *invocation) argFor(i int, item any) (Collection, error) {
	return in.args[i](in.ec, Collection{item})
}

// argString evaluates argument i to a single string. ok is false when
// it is empty.
func (in *invocation) argString(i int) (s string, ok bool, err error) {
	c, err := in.arg(i)
	if err != nil {
		return "", false, err
	}
	v, err := singleton(c, in.at)
	if err != nil || v == nil {
		return "", false, err
	}
	s, isString := v.(string)
	if !isString {
		return "", false, evalErrorf(in.at, "expected a string argument, got %s", typeName(v))
	}
	return s, true, nil
}

// inputString returns the single string input. ok is false when the
// input is empty.
func (in *invocation) inputString() (s string, ok bool, err error) {
	v, err := singleton(in.input, in.at)
	if err != nil || v == nil {
		return "", false, err
	}
	s, isString := v.(string)
	if !isString {
		return "", false, evalErrorf(in.at, "expected a string, got %s", typeName(v))
	}
	return s, true, nil
}

type function struct {
	min, max int
	// iterate evaluates arguments once per input item with the item as
	// focus.
	iterate bool
	call    func(in *invocation) (Collection, error)
}

func (f function) arity() string {
	switch {
	case f.min == f.max && f.min == 0:
		return "no arguments"
	case f.min == f.max && f.min == 1:
		return "1 argument"
	case f.min == f.max:
		return fmt.Sprintf("%d arguments", f.min)
	}
	return fmt.Sprintf("%d to %d arguments", f.min, f.max)
}

var functions = map[string]function{
	"where":       {min: 1, max: 1, iterate: true, call: fnWhere},
	"select":      {min: 1, max: 1, iterate: true, call: fnSelect},
	"exists":      {min: 0, max: 1, iterate: true, call: fnExists},
	"all":         {min: 1, max: 1, iterate: true, call: fnAll},
	"sort":        {min: 0, max: 1, iterate: true, call: fnSort},
	"empty":       {call: fnEmpty},
	"count":       {call: fnCount},
	"first":       {call: fnFirst},
	"last":        {call: fnLast},
	"tail":        {call: fnTail},
	"distinct":    {call: fnDistinct},
	"not":         {call: fnNot},
	"iif":         {min: 2, max: 3, call: fnIif},
	"daysBetween": {min: 2, max: 2, call: fnDaysBetween},
	"today":       {call: fnToday},
	"now":         {call: fnNow},
	"toDate":      {call: fnToDate},
	"resolve":     {call: fnResolve},
	"reference":   {call: fnReference},
	"length":      {call: fnLength},
	"contains":    {min: 1, max: 1, call: fnContains},
	"startsWith":  {min: 1, max: 1, call: fnStartsWith},
	"sum":         {call: fnSum},
	"min":         {call: extreme(-1)},
	"max":         {call: extreme(1)},
}

func fnWhere(in *invocation) (Collection, error) {
	var out Collection
	for _, item := range in.input {
		c, err := in.argFor(0, item)
		if err != nil {
			return nil, err
		}
		ok, known, err := truthy(c, in.at)
		if err != nil {
			return nil, err
		}
		if known && ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func fnSelect(in *invocation) (Collection, error) {
	var out Collection
	for _, item := range in.input {
		c, err := in.argFor(0, item)
		if err != nil {
			return nil, err
		}
		out = append(out, c...)
	}
	return out, nil
}

func fnExists(in *invocation) (Collection, error) {
	if len(in.args) == 0 {
		return Collection{len(in.input) > 0}, nil
	}
	matched, err := fnWhere(in)
	if err != nil {
		return nil, err
	}
	return Collection{len(matched) > 0}, nil
}

// fnAll is true for an empty input.
func fnAll(in *invocation) (Collection, error) {
	for _, item := range in.input {
		c, err := in.argFor(0, item)
		if err != nil {
			return nil, err
		}
		ok, known, err := truthy(c, in.at)
		if err != nil {
			return nil, err
		}
		if !known || !ok {
			return Collection{false}, nil
		}
	}
	return Collection{true}, nil
}

// fnSort orders the input by its items, or by a key expression. The sort
// is stable and items with an empty key go last.
func fnSort(in *invocation) (Collection, error) {
	type keyed struct {
		item any
		key  any
	}
	items := make([]keyed, len(in.input))
	for i, item := range in.input {
		items[i] = keyed{item: item, key: item}
		if len(in.args) == 0 {
			continue
		}
		c, err := in.argFor(0, item)
		if err != nil {
			return nil, err
		}
		if items[i].key, err = singleton(c, in.at); err != nil {
			return nil, err
		}
	}

	var cmpErr error
	slices.SortStableFunc(items, func(a, b keyed) int {
		switch {
		case a.key == nil && b.key == nil:
			return 0
		case a.key == nil:
			return 1
		case b.key == nil:
			return -1
		}
		c, ok := compare(a.key, b.key)
		if !ok && cmpErr == nil {
			cmpErr = evalErrorf(in.at, "cannot sort %s with %s", typeName(a.key), typeName(b.key))
		}
		return c
	})
	if cmpErr != nil {
		return nil, cmpErr
	}

	out := make(Collection, len(items))
	for i, k := range items {
		out[i] = k.item
	}
	return out, nil
}

func fnEmpty(in *invocation) (Collection, error) {
	return Collection{len(in.input) == 0}, nil
}

func fnCount(in *invocation) (Collection, error) {
	return Collection{int64(len(in.input))}, nil
}

func fnFirst(in *invocation) (Collection, error) {
	if len(in.input) == 0 {
		return nil, nil
	}
	return in.input[:1], nil
}

func fnLast(in *invocation) (Collection, error) {
	if len(in.input) == 0 {
		return nil, nil
	}
	return in.input[len(in.input)-1:], nil
}

func fnTail(in *invocation) (Collection, error) {
	if len(in.input) < 2 {
		return nil, nil
	}
	return in.input[1:], nil
}

func fnDistinct(in *invocation) (Collection, error) {
	return distinct(in.input), nil
}

func fnNot(in *invocation) (Collection, error) {
	v, known, err := truthy(in.input, in.at)
	if err != nil || !known {
		return nil, err
	}
	return Collection{!v}, nil
}

// fnIif evaluates only the selected branch.
func fnIif(in *invocation) (Collection, error) {
	cond, err := in.arg(0)
	if err != nil {
		return nil, err
	}
	v, known, err := truthy(cond, in.at)
	if err != nil {
		return nil, err
	}
	if known && v {
		return in.arg(1)
	}
	if len(in.args) > 2 {
		return in.arg(2)
	}
	return nil, nil
}

// fnDaysBetween counts whole calendar days (UTC) from the first date to
// the second.
func fnDaysBetween(in *invocation) (Collection, error) {
	var dates [2]time.Time
	for i := range dates {
		c, err := in.arg(i)
		if err != nil {
			return nil, err
		}
		v, err := singleton(c, in.at)
		if err != nil || v == nil {
			return nil, err
		}
		t, ok := toTime(v)
		if !ok {
			return nil, evalErrorf(in.at, "daysBetween: %v is not a date", v)
		}
		dates[i] = dayOf(t)
	}
	days := int64(dates[1].Sub(dates[0]) / (24 * time.Hour))
	return Collection{days}, nil
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func fnToday(in *invocation) (Collection, error) {
	return Collection{dayOf(in.ec.now)}, nil
}

func fnNow(in *invocation) (Collection, error) {
	return Collection{in.ec.now}, nil
}

// fnToDate converts strings to dates. Unparseable input gives empty.
func fnToDate(in *invocation) (Collection, error) {
	var out Collection
	for _, v := range in.input {
		if t, ok := toTime(v); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// fnResolve follows references. Items are Reference elements or
// "Type/id" strings; a reference that does not resolve is an error.
func fnResolve(in *invocation) (Collection, error) {
	var out Collection
	for _, v := range in.input {
		var ref string
		switch x := v.(type) {
		case string:
			ref = x
		case map[string]any:
			ref, _ = x["reference"].(string)
		}
		if ref == "" {
			return nil, evalErrorf(in.at, "resolve: %s is not a reference", typeName(v))
		}
		parsed, err := resource.ParseReference(ref)
		if err != nil {
			return nil, evalErrorf(in.at, "resolve: %v", err)
		}
		r, err := in.ec.resolve(in.at, parsed.String())
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// fnReference turns resources into "Type/id" strings.
func fnReference(in *invocation) (Collection, error) {
	var out Collection
	for _, v := range in.input {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, evalErrorf(in.at, "reference: %s is not a resource", typeName(v))
		}
		typ, _ := m["resourceType"].(string)
		id, _ := m["id"].(string)
		if typ == "" || id == "" {
			return nil, evalErrorf(in.at, "reference: element has no resourceType and id")
		}
		out = append(out, typ+"/"+id)
	}
	return out, nil
}

func fnLength(in *invocation) (Collection, error) {
	s, ok, err := in.inputString()
	if err != nil || !ok {
		return nil, err
	}
	return Collection{int64(utf8.RuneCountInString(s))}, nil
}

func fnContains(in *invocation) (Collection, error) {
	return stringTest(in, strings.Contains)
}

func fnStartsWith(in *invocation) (Collection, error) {
	return stringTest(in, strings.HasPrefix)
}

func stringTest(in *invocation, test func(s, sub string) bool) (Collection, error) {
	s, ok, err := in.inputString()
	if err != nil || !ok {
		return nil, err
	}
	sub, ok, err := in.argString(0)
	if err != nil || !ok {
		return nil, err
	}
	return Collection{test(s, sub)}, nil
}

// fnSum adds numbers. The sum of an empty input is 0.
func fnSum(in *invocation) (Collection, error) {
	var (
		isum  int64
		fsum  float64
		float bool
	)
	for _, v := range in.input {
		switch n := v.(type) {
		case int64:
			isum += n
		case float64:
			fsum += n
			float = true
		default:
			return nil, evalErrorf(in.at, "sum: %s is not a number", typeName(v))
		}
	}
	if float {
		return Collection{fsum + float64(isum)}, nil
	}
	return Collection{isum}, nil
}

// extreme returns min (sign -1) or max (sign 1).
func extreme(sign int) func(in *invocation) (Collection, error) {
	return func(in *invocation) (Collection, error) {
		if len(in.input) == 0 {
			return nil, nil
		}
		best := in.input[0]
		for _, v := range in.input[1:] {
			c, ok := compare(v, best)
			if !ok {
				return nil, evalErrorf(in.at, "cannot compare %s with %s", typeName(v), typeName(best))
			}
			if c*sign > 0 {
				best = v
			}
		}
		return Collection{best}, nil
	}
}
