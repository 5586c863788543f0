package expr

import "fmt"

// SyntaxError reports malformed source.
type SyntaxError struct {
	Pos     Pos
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at %s: %s", e.Pos, e.Message)
}

// CompileError reports source that parses but cannot be compiled:
// unknown names or functions, wrong arity, or definition cycles.
type CompileError struct {
	// Definition is the definition being compiled, if any.
	Definition string
	Pos        Pos
	Message    string
	Err        error
}

func (e *CompileError) Error() string {
	msg := e.Message
	if e.Definition != "" {
		msg = fmt.Sprintf("define %q: %s", e.Definition, msg)
	}
	if e.Pos.Line > 0 {
		msg = fmt.Sprintf("%s: %s", e.Pos, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// EvalError reports a failure while evaluating a definition.
type EvalError struct {
	Pos     Pos
	Message string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluation error at %s: %s", e.Pos, e.Message)
}

func evalErrorf(p Pos, format string, args ...any) error {
	return &EvalError{Pos: p, Message: fmt.Sprintf(format, args...)}
}
