package expr

import (
	"fmt"
	"time"
)

// Pos is a 1-based line and column in library source.
type Pos struct {
	Line int
	Col  int
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

// Node is an expression AST node.
//
// Node types:
//   - Literal: string, integer, decimal, boolean or date constant
//   - EmptyLiteral: {}
//   - Ident: bare or "quoted" name
//   - Retrieve: [Type]
//   - Member: target.name
//   - Call: target.fn(args) or fn(args) when Target is nil
//   - Index: target[n]
//   - Unary: -operand
//   - Binary: left op right
type Node interface {
	Position() Pos
	node()
}

// Literal is a constant. Value is a string, int64, float64, bool or
// time.Time.
type Literal struct {
	At    Pos
	Value any
}

// EmptyLiteral is the empty collection {}.
type EmptyLiteral struct {
	At Pos
}

// Ident is a name. Quoted names always refer to definitions.
type Ident struct {
	At     Pos
	Name   string
	Quoted bool
}

// Retrieve fetches resources of Type from the context's compartment.
type Retrieve struct {
	At   Pos
	Type string
}

// Member navigates to Name on Target.
type Member struct {
	At     Pos
	Target Node
	Name   string
	Quoted bool
}

// Call invokes a function. Target is nil for calls that apply to the
// current focus.
type Call struct {
	At     Pos
	Target Node
	Name   string
	Args   []Node
}

// Index selects the item at a zero-based position.
type Index struct {
	At     Pos
	Target Node
	Index  Node
}

// Unary is a prefix operator.
type Unary struct {
	At      Pos
	Op      string
	Operand Node
}

// Binary is an infix operator.
type Binary struct {
	At          Pos
	Op          string
	Left, Right Node
}

func (n *Literal) Position() Pos      { return n.At }
func (n *EmptyLiteral) Position() Pos { return n.At }
func (n *Ident) Position() Pos        { return n.At }
func (n *Retrieve) Position() Pos     { return n.At }
func (n *Member) Position() Pos       { return n.At }
func (n *Call) Position() Pos         { return n.At }
func (n *Index) Position() Pos        { return n.At }
func (n *Unary) Position() Pos        { return n.At }
func (n *Binary) Position() Pos       { return n.At }

func (*Literal) node()      {}
func (*EmptyLiteral) node() {}
func (*Ident) node()        {}
func (*Retrieve) node()     {}
func (*Member) node()       {}
func (*Call) node()         {}
func (*Index) node()        {}
func (*Unary) node()        {}
func (*Binary) node()       {}

// Source is a parsed library.
type Source struct {
	// Name and Version come from the optional library header.
	Name    string
	Version string

	// ContextType is the type named by "context", "Patient" by default.
	ContextType string

	Defines []*Define
}

// Define is one "define Name: expression" statement.
type Define struct {
	Name string
	Body Node
	At   Pos
}

// Names returns the definition names in source order.
func (s *Source) Names() []string {
	names := make([]string, len(s.Defines))
	for i, d := range s.Defines {
		names[i] = d.Name
	}
	return names
}

// dateLiteral parses the text after '@'.
func dateLiteral(s string) (time.Time, error) {
	s = trimTimePrefix(s)
	if t, ok := ParseDate(s); ok {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// trimTimePrefix drops a trailing bare "T" as in @2021-01-01T.
func trimTimePrefix(s string) string {
	if len(s) > 0 && s[len(s)-1] == 'T' {
		return s[:len(s)-1]
	}
	return s
}
