package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tkIdent    tokenKind = iota // identifier or keyword
	tkQuoted                    // "Quoted Identifier"
	tkNumber                    // integer or decimal
	tkString                    // 'single-quoted'
	tkDateTime                  // @2021-01-01 ...
	tkDot                       // .
	tkLParen                    // (
	tkRParen                    // )
	tkLBrack                    // [
	tkRBrack                    // ]
	tkLBrace                    // {
	tkRBrace                    // }
	tkComma                     // ,
	tkColon                     // :
	tkEq                        // =
	tkNe                        // !=
	tkLt                        // <
	tkGt                        // >
	tkLe                        // <=
	tkGe                        // >=
	tkPipe                      // |
	tkPlus                      // +
	tkMinus                     // -
	tkStar                      // *
	tkSlash                     // /
	tkEOF                       // end-of-input
)

var tokenNames = map[tokenKind]string{
	tkIdent: "identifier", tkQuoted: "quoted identifier", tkNumber: "number",
	tkString: "string", tkDateTime: "date", tkDot: "'.'", tkLParen: "'('",
	tkRParen: "')'", tkLBrack: "'['", tkRBrack: "']'", tkLBrace: "'{'",
	tkRBrace: "'}'", tkComma: "','", tkColon: "':'", tkEq: "'='", tkNe: "'!='",
	tkLt: "'<'", tkGt: "'>'", tkLe: "'<='", tkGe: "'>='", tkPipe: "'|'",
	tkPlus: "'+'", tkMinus: "'-'", tkStar: "'*'", tkSlash: "'/'", tkEOF: "end of input",
}

func (k tokenKind) String() string {
	if s, ok := tokenNames[k]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(k))
}

type token struct {
	kind  tokenKind
	value string
	pos   Pos
}

// lexer turns source text into tokens, tracking line and column.
type lexer struct {
	src  string
	i    int
	line int
	col  int
}

var singleChar = map[byte]tokenKind{
	'.': tkDot, '(': tkLParen, ')': tkRParen, '[': tkLBrack, ']': tkRBrack,
	'{': tkLBrace, '}': tkRBrace, ',': tkComma, ':': tkColon, '=': tkEq,
	'|': tkPipe, '+': tkPlus, '-': tkMinus, '*': tkStar,
}

func tokenize(src string) ([]token, error) {
	lx := &lexer{src: src, line: 1, col: 1}
	var tokens []token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.kind == tkEOF {
			return tokens, nil
		}
	}
}

func (lx *lexer) pos() Pos { return Pos{Line: lx.line, Col: lx.col} }

func (lx *lexer) peekByte(off int) byte {
	if lx.i+off < len(lx.src) {
		return lx.src[lx.i+off]
	}
	return 0
}

func (lx *lexer) advance(n int) {
	for ; n > 0 && lx.i < len(lx.src); n-- {
		if lx.src[lx.i] == '\n' {
			lx.line++
			lx.col = 1
		} else {
			lx.col++
		}
		lx.i++
	}
}

func (lx *lexer) errorf(p Pos, format string, args ...any) error {
	return &SyntaxError{Pos: p, Message: fmt.Sprintf(format, args...)}
}

// skipSpace skips whitespace and // or /* */ comments.
func (lx *lexer) skipSpace() error {
	for lx.i < len(lx.src) {
		ch := lx.src[lx.i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			lx.advance(1)
		case ch == '/' && lx.peekByte(1) == '/':
			for lx.i < len(lx.src) && lx.src[lx.i] != '\n' {
				lx.advance(1)
			}
		case ch == '/' && lx.peekByte(1) == '*':
			start := lx.pos()
			end := strings.Index(lx.src[lx.i+2:], "*/")
			if end < 0 {
				return lx.errorf(start, "unterminated comment")
			}
			lx.advance(end + 4)
		default:
			return nil
		}
	}
	return nil
}

func (lx *lexer) next() (token, error) {
	if err := lx.skipSpace(); err != nil {
		return token{}, err
	}
	start := lx.pos()
	if lx.i >= len(lx.src) {
		return token{kind: tkEOF, pos: start}, nil
	}

	ch := lx.src[lx.i]
	if k, ok := singleChar[ch]; ok {
		lx.advance(1)
		return token{kind: k, value: string(ch), pos: start}, nil
	}

	switch {
	case ch == '/':
		lx.advance(1)
		return token{kind: tkSlash, value: "/", pos: start}, nil
	case ch == '!' && lx.peekByte(1) == '=':
		lx.advance(2)
		return token{kind: tkNe, value: "!=", pos: start}, nil
	case ch == '<' || ch == '>':
		kind, val := tkLt, "<"
		if ch == '>' {
			kind, val = tkGt, ">"
		}
		if lx.peekByte(1) == '=' {
			lx.advance(2)
			if ch == '<' {
				return token{kind: tkLe, value: "<=", pos: start}, nil
			}
			return token{kind: tkGe, value: ">=", pos: start}, nil
		}
		lx.advance(1)
		return token{kind: kind, value: val, pos: start}, nil
	case ch == '\'' || ch == '"':
		s, err := lx.quoted(ch)
		if err != nil {
			return token{}, err
		}
		if ch == '"' {
			return token{kind: tkQuoted, value: s, pos: start}, nil
		}
		return token{kind: tkString, value: s, pos: start}, nil
	case ch == '@':
		lx.advance(1)
		j := lx.i
		for j < len(lx.src) && strings.IndexByte("0123456789-:T+Z.", lx.src[j]) >= 0 {
			j++
		}
		val := lx.src[lx.i:j]
		lx.advance(j - lx.i)
		if val == "" {
			return token{}, lx.errorf(start, "empty date literal")
		}
		return token{kind: tkDateTime, value: val, pos: start}, nil
	case ch >= '0' && ch <= '9':
		j := lx.i
		for j < len(lx.src) && lx.src[j] >= '0' && lx.src[j] <= '9' {
			j++
		}
		// A dot starts a decimal only when a digit follows.
		if j+1 < len(lx.src) && lx.src[j] == '.' && lx.src[j+1] >= '0' && lx.src[j+1] <= '9' {
			j++
			for j < len(lx.src) && lx.src[j] >= '0' && lx.src[j] <= '9' {
				j++
			}
		}
		val := lx.src[lx.i:j]
		lx.advance(j - lx.i)
		return token{kind: tkNumber, value: val, pos: start}, nil
	case ch == '_' || ch == '$' || unicode.IsLetter(rune(ch)):
		j := lx.i + 1
		for j < len(lx.src) && (lx.src[j] == '_' || unicode.IsLetter(rune(lx.src[j])) || unicode.IsDigit(rune(lx.src[j]))) {
			j++
		}
		val := lx.src[lx.i:j]
		lx.advance(j - lx.i)
		return token{kind: tkIdent, value: val, pos: start}, nil
	}
	return token{}, lx.errorf(start, "unexpected character %q", string(ch))
}

// quoted reads a string delimited by q, handling backslash escapes.
func (lx *lexer) quoted(q byte) (string, error) {
	start := lx.pos()
	lx.advance(1)
	var sb strings.Builder
	for lx.i < len(lx.src) && lx.src[lx.i] != q {
		c := lx.src[lx.i]
		if c == '\\' && lx.i+1 < len(lx.src) {
			lx.advance(1)
			switch e := lx.src[lx.i]; e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			default:
				sb.WriteByte(e)
			}
			lx.advance(1)
			continue
		}
		sb.WriteByte(c)
		lx.advance(1)
	}
	if lx.i >= len(lx.src) {
		return "", lx.errorf(start, "unterminated %s", map[byte]string{'\'': "string", '"': "identifier"}[q])
	}
	lx.advance(1)
	return sb.String(), nil
}
