package expr

import (
	"strconv"
	"strings"
)

// Operator precedence (lowest to highest):
//
//	implies          1
//	or xor           2
//	and              3
//	|                4  union
//	= != < > <= >=   5
//	+ -              6
//	* /              7
//	unary -          8
//	. [] ()          9
const (
	precImplies = 1 + iota
	precOr
	precAnd
	precUnion
	precCompare
	precAdd
	precMul
)

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	if t.kind != tkEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.advance()
	if t.kind != kind {
		return t, p.unexpected(t, kind.String())
	}
	return t, nil
}

func (p *parser) unexpected(t token, want string) error {
	got := t.kind.String()
	if t.value != "" {
		got = strconv.Quote(t.value)
	}
	return &SyntaxError{Pos: t.pos, Message: "expected " + want + ", got " + got}
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tkIdent && t.value == word
}

// ParseExpression parses a single expression.
func ParseExpression(src string) (Node, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	n, err := p.parseExpression(0)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tkEOF {
		return nil, p.unexpected(t, "end of expression")
	}
	return n, nil
}

// ParseLibrary parses library source: an optional header, an optional
// context statement, then define statements.
//
//	library Name [version 'v']
//	context Type
//	define Name: expression
//	define "Quoted Name": expression
func ParseLibrary(src string) (*Source, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	s := &Source{ContextType: "Patient"}

	if p.isKeyword("library") {
		p.advance()
		name, err := p.name()
		if err != nil {
			return nil, err
		}
		s.Name = name.value
		if p.isKeyword("version") {
			p.advance()
			v, err := p.expect(tkString)
			if err != nil {
				return nil, err
			}
			s.Version = v.value
		}
	}
	if p.isKeyword("context") {
		p.advance()
		t, err := p.expect(tkIdent)
		if err != nil {
			return nil, err
		}
		s.ContextType = t.value
	}

	for p.peek().kind != tkEOF {
		if !p.isKeyword("define") {
			return nil, p.unexpected(p.peek(), "define")
		}
		at := p.advance().pos
		name, err := p.name()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkColon); err != nil {
			return nil, err
		}
		body, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		s.Defines = append(s.Defines, &Define{Name: name.value, Body: body, At: at})
	}
	return s, nil
}

// name reads a bare or quoted identifier.
func (p *parser) name() (token, error) {
	t := p.advance()
	if t.kind != tkIdent && t.kind != tkQuoted {
		return t, p.unexpected(t, "name")
	}
	return t, nil
}

func (p *parser) parseExpression(minPrec int) (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		prec, op := infixInfo(tok)
		if prec == 0 || prec < minPrec {
			return left, nil
		}
		p.advance()
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &Binary{At: tok.pos, Op: op, Left: left, Right: right}
	}
}

func infixInfo(tok token) (int, string) {
	switch tok.kind {
	case tkIdent:
		switch tok.value {
		case "implies":
			return precImplies, "implies"
		case "or", "xor":
			return precOr, tok.value
		case "and":
			return precAnd, "and"
		}
	case tkPipe:
		return precUnion, "|"
	case tkEq, tkNe, tkLt, tkGt, tkLe, tkGe:
		return precCompare, tok.value
	case tkPlus, tkMinus:
		return precAdd, tok.value
	case tkStar, tkSlash:
		return precMul, tok.value
	}
	return 0, ""
}

func (p *parser) parseUnary() (Node, error) {
	if t := p.peek(); t.kind == tkMinus {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		// Fold negative number literals.
		if lit, ok := operand.(*Literal); ok {
			switch v := lit.Value.(type) {
			case int64:
				return &Literal{At: t.pos, Value: -v}, nil
			case float64:
				return &Literal{At: t.pos, Value: -v}, nil
			}
		}
		return &Unary{At: t.pos, Op: "-", Operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.peek()
		switch tok.kind {
		case tkDot:
			p.advance()
			ident := p.advance()
			if ident.kind != tkIdent && ident.kind != tkQuoted {
				return nil, p.unexpected(ident, "name after '.'")
			}
			if ident.kind == tkIdent && p.peek().kind == tkLParen {
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				node = &Call{At: ident.pos, Target: node, Name: ident.value, Args: args}
				continue
			}
			node = &Member{At: ident.pos, Target: node, Name: ident.value, Quoted: ident.kind == tkQuoted}
		case tkLBrack:
			p.advance()
			idx, err := p.parseExpression(0)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tkRBrack); err != nil {
				return nil, err
			}
			node = &Index{At: tok.pos, Target: node, Index: idx}
		default:
			return node, nil
		}
	}
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.advance()

	switch tok.kind {
	case tkLParen:
		inner, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tkLBrace:
		if _, err := p.expect(tkRBrace); err != nil {
			return nil, err
		}
		return &EmptyLiteral{At: tok.pos}, nil

	case tkLBrack:
		t, err := p.expect(tkIdent)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRBrack); err != nil {
			return nil, err
		}
		return &Retrieve{At: tok.pos, Type: t.value}, nil

	case tkString:
		return &Literal{At: tok.pos, Value: tok.value}, nil

	case tkNumber:
		if strings.Contains(tok.value, ".") {
			f, err := strconv.ParseFloat(tok.value, 64)
			if err != nil {
				return nil, &SyntaxError{Pos: tok.pos, Message: "invalid decimal " + tok.value}
			}
			return &Literal{At: tok.pos, Value: f}, nil
		}
		i, err := strconv.ParseInt(tok.value, 10, 64)
		if err != nil {
			return nil, &SyntaxError{Pos: tok.pos, Message: "invalid integer " + tok.value}
		}
		return &Literal{At: tok.pos, Value: i}, nil

	case tkDateTime:
		t, err := dateLiteral(tok.value)
		if err != nil {
			return nil, &SyntaxError{Pos: tok.pos, Message: err.Error()}
		}
		return &Literal{At: tok.pos, Value: t}, nil

	case tkQuoted:
		return &Ident{At: tok.pos, Name: tok.value, Quoted: true}, nil

	case tkIdent:
		switch tok.value {
		case "true":
			return &Literal{At: tok.pos, Value: true}, nil
		case "false":
			return &Literal{At: tok.pos, Value: false}, nil
		case "define", "library", "context":
			return nil, &SyntaxError{Pos: tok.pos, Message: "unexpected keyword " + tok.value}
		}
		if p.peek().kind == tkLParen {
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			return &Call{At: tok.pos, Name: tok.value, Args: args}, nil
		}
		return &Ident{At: tok.pos, Name: tok.value}, nil
	}
	return nil, p.unexpected(tok, "expression")
}

// parseArgs parses "(a, b, ...)".
func (p *parser) parseArgs() ([]Node, error) {
	if _, err := p.expect(tkLParen); err != nil {
		return nil, err
	}
	var args []Node
	if p.peek().kind == tkRParen {
		p.advance()
		return args, nil
	}
	for {
		arg, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != tkComma {
			break
		}
		p.advance()
	}
	if _, err := p.expect(tkRParen); err != nil {
		return nil, err
	}
	return args, nil
}
