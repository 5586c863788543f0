package expr

import (
	"errors"
	"fmt"
	"strings"
)

// evalFunc evaluates a compiled node against the current focus.
type evalFunc func(ec *Context, focus Collection) (Collection, error)

// Library is a compiled library. It is immutable and safe to share
// between evaluations.
type Library struct {
	Name        string
	Version     string
	ContextType string

	defs  map[string]*Definition
	order []string
}

// Definition returns the named definition.
func (l *Library) Definition(name string) (*Definition, bool) {
	d, ok := l.defs[name]
	return d, ok
}

// Names returns the definition names in source order.
func (l *Library) Names() []string {
	return append([]string(nil), l.order...)
}

// Definition is a compiled define statement.
type Definition struct {
	Library string
	Name    string
	At      Pos

	// Context is the resource type the definition evaluates against.
	Context string

	fn evalFunc
}

type defState int

const (
	unvisited defState = iota
	compiling
	compiled
)

// scope tracks how bare names resolve. Inside an iterating argument
// (where, select, exists, all, sort) a bare name navigates the item.
type scope struct {
	item bool
}

type compiler struct {
	lib   *Library
	deps  map[string]*Library
	src   map[string]*Define
	state map[string]defState
	stack []string
}

// Compile compiles a parsed library. deps maps dependency library names
// to their compiled form. Definitions may reference each other in any
// order; a reference cycle is a compile error.
func Compile(src *Source, deps map[string]*Library) (*Library, error) {
	lib := &Library{
		Name:        src.Name,
		Version:     src.Version,
		ContextType: src.ContextType,
		defs:        make(map[string]*Definition, len(src.Defines)),
	}
	if lib.ContextType == "" {
		lib.ContextType = "Patient"
	}

	c := &compiler{
		lib:   lib,
		deps:  deps,
		src:   make(map[string]*Define, len(src.Defines)),
		state: make(map[string]defState, len(src.Defines)),
	}
	for _, d := range src.Defines {
		if _, dup := c.src[d.Name]; dup {
			return nil, &CompileError{Definition: d.Name, Pos: d.At, Message: "duplicate definition"}
		}
		c.src[d.Name] = d
		lib.defs[d.Name] = &Definition{Library: lib.Name, Name: d.Name, At: d.At, Context: lib.ContextType}
		lib.order = append(lib.order, d.Name)
	}

	for _, d := range src.Defines {
		if err := c.define(d.Name); err != nil {
			return nil, err
		}
	}
	return lib, nil
}

// CompileSource parses and compiles library source.
func CompileSource(text string, deps map[string]*Library) (*Library, error) {
	src, err := ParseLibrary(text)
	if err != nil {
		return nil, &CompileError{Message: "parse failed", Err: err}
	}
	return Compile(src, deps)
}

func (c *compiler) define(name string) error {
	switch c.state[name] {
	case compiled:
		return nil
	case compiling:
		start := 0
		for i, n := range c.stack {
			if n == name {
				start = i
				break
			}
		}
		path := append(append([]string(nil), c.stack[start:]...), name)
		return &CompileError{
			Definition: c.current(),
			Pos:        c.src[name].At,
			Message:    "definition cycle: " + strings.Join(path, " -> "),
		}
	}

	c.state[name] = compiling
	c.stack = append(c.stack, name)
	fn, err := c.compile(c.src[name].Body, scope{})
	c.stack = c.stack[:len(c.stack)-1]
	if err != nil {
		return err
	}
	c.lib.defs[name].fn = fn
	c.state[name] = compiled
	return nil
}

func (c *compiler) current() string {
	if len(c.stack) == 0 {
		return ""
	}
	return c.stack[len(c.stack)-1]
}

func (c *compiler) errorf(at Pos, format string, args ...any) error {
	return &CompileError{Definition: c.current(), Pos: at, Message: fmt.Sprintf(format, args...)}
}

func (c *compiler) compile(n Node, sc scope) (evalFunc, error) {
	switch n := n.(type) {
	case *Literal:
		v := Collection{n.Value}
		return func(*Context, Collection) (Collection, error) { return v, nil }, nil

	case *EmptyLiteral:
		return func(*Context, Collection) (Collection, error) { return nil, nil }, nil

	case *Retrieve:
		at, typ := n.At, n.Type
		return func(ec *Context, _ Collection) (Collection, error) {
			return ec.retrieve(at, typ)
		}, nil

	case *Ident:
		return c.compileIdent(n, sc)

	case *Member:
		if id, ok := n.Target.(*Ident); ok && !id.Quoted {
			if dep, ok := c.deps[id.Name]; ok {
				if _, local := c.lib.defs[id.Name]; !local {
					return c.libraryRef(n.At, dep, n.Name)
				}
			}
		}
		target, err := c.compile(n.Target, sc)
		if err != nil {
			return nil, err
		}
		name := n.Name
		return func(ec *Context, focus Collection) (Collection, error) {
			in, err := target(ec, focus)
			if err != nil {
				return nil, err
			}
			return navigate(in, name), nil
		}, nil

	case *Call:
		return c.compileCall(n, sc)

	case *Index:
		target, err := c.compile(n.Target, sc)
		if err != nil {
			return nil, err
		}
		index, err := c.compile(n.Index, sc)
		if err != nil {
			return nil, err
		}
		at := n.At
		return func(ec *Context, focus Collection) (Collection, error) {
			in, err := target(ec, focus)
			if err != nil {
				return nil, err
			}
			ic, err := index(ec, focus)
			if err != nil {
				return nil, err
			}
			iv, err := singleton(ic, at)
			if err != nil || iv == nil {
				return nil, err
			}
			i, ok := iv.(int64)
			if !ok {
				return nil, evalErrorf(at, "index must be an integer, got %s", typeName(iv))
			}
			if i < 0 || i >= int64(len(in)) {
				return nil, nil
			}
			return Collection{in[i]}, nil
		}, nil

	case *Unary:
		operand, err := c.compile(n.Operand, sc)
		if err != nil {
			return nil, err
		}
		at := n.At
		return func(ec *Context, focus Collection) (Collection, error) {
			oc, err := operand(ec, focus)
			if err != nil {
				return nil, err
			}
			v, err := singleton(oc, at)
			if err != nil || v == nil {
				return nil, err
			}
			switch x := v.(type) {
			case int64:
				return Collection{-x}, nil
			case float64:
				return Collection{-x}, nil
			}
			return nil, evalErrorf(at, "cannot negate %s", typeName(v))
		}, nil

	case *Binary:
		return c.compileBinary(n, sc)
	}
	return nil, c.errorf(n.Position(), "unsupported expression %T", n)
}

func (c *compiler) compileIdent(n *Ident, sc scope) (evalFunc, error) {
	if n.Quoted {
		return c.definitionRef(n.At, n.Name)
	}
	if n.Name == "$this" {
		return func(_ *Context, focus Collection) (Collection, error) { return focus, nil }, nil
	}
	if sc.item {
		name := n.Name
		return func(_ *Context, focus Collection) (Collection, error) {
			return navigate(focus, name), nil
		}, nil
	}
	if _, ok := c.lib.defs[n.Name]; ok {
		return c.definitionRef(n.At, n.Name)
	}
	if n.Name == c.lib.ContextType {
		return func(ec *Context, _ Collection) (Collection, error) { return ec.focus(), nil }, nil
	}
	if _, ok := c.deps[n.Name]; ok {
		return nil, c.errorf(n.At, "library %s used without a definition name", n.Name)
	}
	return nil, c.errorf(n.At, "unknown name %s", n.Name)
}

func (c *compiler) definitionRef(at Pos, name string) (evalFunc, error) {
	def, ok := c.lib.defs[name]
	if !ok {
		return nil, c.errorf(at, "unknown definition %q", name)
	}
	if err := c.define(name); err != nil {
		return nil, err
	}
	return func(ec *Context, _ Collection) (Collection, error) {
		return def.Eval(ec)
	}, nil
}

func (c *compiler) libraryRef(at Pos, dep *Library, name string) (evalFunc, error) {
	def, ok := dep.defs[name]
	if !ok {
		return nil, c.errorf(at, "library %s has no definition %q", dep.Name, name)
	}
	return func(ec *Context, _ Collection) (Collection, error) {
		return def.Eval(ec)
	}, nil
}

func (c *compiler) compileCall(n *Call, sc scope) (evalFunc, error) {
	f, ok := functions[n.Name]
	if !ok {
		return nil, c.errorf(n.At, "unknown function %s()", n.Name)
	}
	if len(n.Args) < f.min || len(n.Args) > f.max {
		return nil, c.errorf(n.At, "%s() takes %s, got %d", n.Name, f.arity(), len(n.Args))
	}

	var target evalFunc
	if n.Target != nil {
		var err error
		if target, err = c.compile(n.Target, sc); err != nil {
			return nil, err
		}
	}
	argScope := sc
	if f.iterate {
		argScope = scope{item: true}
	}
	args := make([]evalFunc, len(n.Args))
	for i, a := range n.Args {
		fn, err := c.compile(a, argScope)
		if err != nil {
			return nil, err
		}
		args[i] = fn
	}

	at, call := n.At, f.call
	return func(ec *Context, focus Collection) (Collection, error) {
		input := focus
		if target != nil {
			var err error
			if input, err = target(ec, focus); err != nil {
				return nil, err
			}
		}
		return call(&invocation{ec: ec, at: at, input: input, outer: focus, args: args})
	}, nil
}

func (c *compiler) compileBinary(n *Binary, sc scope) (evalFunc, error) {
	left, err := c.compile(n.Left, sc)
	if err != nil {
		return nil, err
	}
	right, err := c.compile(n.Right, sc)
	if err != nil {
		return nil, err
	}
	at := n.At

	switch n.Op {
	case "and", "or", "xor", "implies":
		op := n.Op
		return func(ec *Context, focus Collection) (Collection, error) {
			return logical(ec, focus, at, op, left, right)
		}, nil
	}

	var apply func(at Pos, l, r Collection) (Collection, error)
	switch n.Op {
	case "|":
		apply = union
	case "=":
		apply = equals(false)
	case "!=":
		apply = equals(true)
	case "<", ">", "<=", ">=":
		apply = ordering(n.Op)
	case "+", "-", "*", "/":
		apply = arithmetic(n.Op)
	default:
		return nil, c.errorf(at, "unknown operator %s", n.Op)
	}
	return func(ec *Context, focus Collection) (Collection, error) {
		l, err := left(ec, focus)
		if err != nil {
			return nil, err
		}
		r, err := right(ec, focus)
		if err != nil {
			return nil, err
		}
		return apply(at, l, r)
	}, nil
}

// IsCompileError reports whether err came from parsing or compiling.
func IsCompileError(err error) bool {
	var ce *CompileError
	var se *SyntaxError
	return errors.As(err, &ce) || errors.As(err, &se)
}
