package expr

// logical implements three-valued and, or, xor and implies. The right
// operand is skipped when the left one decides the result.
func logical(ec *Context, focus Collection, at Pos, op string, left, right evalFunc) (Collection, error) {
	lc, err := left(ec, focus)
	if err != nil {
		return nil, err
	}
	l, lok, err := truthy(lc, at)
	if err != nil {
		return nil, err
	}

	switch {
	case op == "and" && lok && !l:
		return Collection{false}, nil
	case op == "or" && lok && l:
		return Collection{true}, nil
	case op == "implies" && lok && !l:
		return Collection{true}, nil
	}

	rc, err := right(ec, focus)
	if err != nil {
		return nil, err
	}
	r, rok, err := truthy(rc, at)
	if err != nil {
		return nil, err
	}

	switch op {
	case "and":
		switch {
		case rok && !r:
			return Collection{false}, nil
		case lok && rok:
			return Collection{true}, nil
		}
	case "or":
		switch {
		case rok && r:
			return Collection{true}, nil
		case lok && rok:
			return Collection{false}, nil
		}
	case "xor":
		if lok && rok {
			return Collection{l != r}, nil
		}
	case "implies":
		switch {
		case rok && r:
			return Collection{true}, nil
		case lok && rok:
			return Collection{false}, nil
		}
	}
	return nil, nil
}

func union(_ Pos, l, r Collection) (Collection, error) {
	all := make(Collection, 0, len(l)+len(r))
	all = append(all, l...)
	all = append(all, r...)
	return distinct(all), nil
}

// equals compares collections item by item. Either side empty gives empty.
func equals(negate bool) func(Pos, Collection, Collection) (Collection, error) {
	return func(_ Pos, l, r Collection) (Collection, error) {
		if len(l) == 0 || len(r) == 0 {
			return nil, nil
		}
		eq := len(l) == len(r)
		for i := 0; eq && i < len(l); i++ {
			eq = equal(l[i], r[i])
		}
		return Collection{eq != negate}, nil
	}
}

func ordering(op string) func(Pos, Collection, Collection) (Collection, error) {
	return func(at Pos, l, r Collection) (Collection, error) {
		lv, err := singleton(l, at)
		if err != nil {
			return nil, err
		}
		rv, err := singleton(r, at)
		if err != nil {
			return nil, err
		}
		if lv == nil || rv == nil {
			return nil, nil
		}
		c, ok := compare(lv, rv)
		if !ok {
			return nil, evalErrorf(at, "cannot compare %s with %s", typeName(lv), typeName(rv))
		}
		var res bool
		switch op {
		case "<":
			res = c < 0
		case ">":
			res = c > 0
		case "<=":
			res = c <= 0
		case ">=":
			res = c >= 0
		}
		return Collection{res}, nil
	}
}

// arithmetic applies + - * / to single values. Integer operands keep
// integer results except for division; + also concatenates strings.
// Division by zero gives empty.
func arithmetic(op string) func(Pos, Collection, Collection) (Collection, error) {
	return func(at Pos, l, r Collection) (Collection, error) {
		lv, err := singleton(l, at)
		if err != nil {
			return nil, err
		}
		rv, err := singleton(r, at)
		if err != nil {
			return nil, err
		}
		if lv == nil || rv == nil {
			return nil, nil
		}

		if ls, ok := lv.(string); ok && op == "+" {
			if rs, ok := rv.(string); ok {
				return Collection{ls + rs}, nil
			}
		}
		if !isNumber(lv) || !isNumber(rv) {
			return nil, evalErrorf(at, "cannot apply %s to %s and %s", op, typeName(lv), typeName(rv))
		}

		li, lint := lv.(int64)
		ri, rint := rv.(int64)
		if lint && rint && op != "/" {
			switch op {
			case "+":
				return Collection{li + ri}, nil
			case "-":
				return Collection{li - ri}, nil
			case "*":
				return Collection{li * ri}, nil
			}
		}

		lf, rf := toFloat(lv), toFloat(rv)
		switch op {
		case "+":
			return Collection{lf + rf}, nil
		case "-":
			return Collection{lf - rf}, nil
		case "*":
			return Collection{lf * rf}, nil
		}
		if rf == 0 {
			return nil, nil
		}
		return Collection{lf / rf}, nil
	}
}
