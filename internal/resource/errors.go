package resource

import (
	"errors"
	"fmt"
)

// Error is the error type returned by every component for failures that
// callers are expected to branch on.
//
// Error includes structured fields for diagnostics; use the IsXxx helpers
// rather than comparing codes directly so wrapped errors match.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// ResourceType and LogicalID identify the affected record, if any.
	ResourceType string
	LogicalID    string

	// Details contains additional context (dependency paths, positions).
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes errors.
type ErrorCode string

const (
	// ErrCodeNotFound: the record does not exist or is tombstoned.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeConflict: a live record already holds the id, or the remote
	// repository holds a divergent version.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeValidation: malformed input such as a bad library bundle.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeCyclicDependency: the library dependency graph has a cycle.
	ErrCodeCyclicDependency ErrorCode = "CYCLIC_DEPENDENCY"

	// ErrCodeMissingDependency: a library depends on an unknown library.
	ErrCodeMissingDependency ErrorCode = "MISSING_DEPENDENCY"

	// ErrCodeCompilation: a library or expression failed to compile.
	ErrCodeCompilation ErrorCode = "COMPILATION"

	// ErrCodeSync: the remote rejected a payload or retries ran out.
	ErrCodeSync ErrorCode = "SYNC"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.ResourceType != "" && e.LogicalID != "" {
		msg = fmt.Sprintf("%s (%s/%s)", msg, e.ResourceType, e.LogicalID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool { return hasCode(err, ErrCodeConflict) }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool { return hasCode(err, ErrCodeValidation) }

// IsCyclicDependency reports whether err is a CyclicDependencyError.
func IsCyclicDependency(err error) bool { return hasCode(err, ErrCodeCyclicDependency) }

// IsMissingDependency reports whether err is a MissingDependencyError.
func IsMissingDependency(err error) bool { return hasCode(err, ErrCodeMissingDependency) }

// IsCompilation reports whether err is a CompilationError.
func IsCompilation(err error) bool { return hasCode(err, ErrCodeCompilation) }

// IsSync reports whether err is a SyncError.
func IsSync(err error) bool { return hasCode(err, ErrCodeSync) }

// CodeOf returns the code of the first Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// NewNotFoundError creates an Error for a missing or tombstoned record.
func NewNotFoundError(typ, id string) *Error {
	return &Error{
		Code:         ErrCodeNotFound,
		Message:      "resource not found",
		ResourceType: typ,
		LogicalID:    id,
	}
}

// NewConflictError creates an Error for an id collision or divergent
// remote version.
func NewConflictError(typ, id, message string) *Error {
	return &Error{
		Code:         ErrCodeConflict,
		Message:      message,
		ResourceType: typ,
		LogicalID:    id,
	}
}

// NewValidationError creates an Error for malformed input.
func NewValidationError(format string, args ...any) *Error {
	return &Error{
		Code:    ErrCodeValidation,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewCyclicDependencyError creates an Error naming the cycle path.
func NewCyclicDependencyError(path []string) *Error {
	return &Error{
		Code:    ErrCodeCyclicDependency,
		Message: fmt.Sprintf("dependency cycle: %s", joinPath(path)),
		Details: map[string]string{"cycle": joinPath(path)},
	}
}

// NewMissingDependencyError creates an Error for an unresolvable library.
func NewMissingDependencyError(from, missing string) *Error {
	return &Error{
		Code:    ErrCodeMissingDependency,
		Message: fmt.Sprintf("library %s depends on unknown library %s", from, missing),
		Details: map[string]string{"from": from, "missing": missing},
	}
}

// NewCompilationError creates an Error for a library that cannot compile.
func NewCompilationError(library, message string, cause error) *Error {
	return &Error{
		Code:    ErrCodeCompilation,
		Message: message,
		Details: map[string]string{"library": library},
		Err:     cause,
	}
}

// NewSyncError creates an Error for a failed synchronization cycle.
func NewSyncError(message string, cause error) *Error {
	return &Error{
		Code:    ErrCodeSync,
		Message: message,
		Err:     cause,
	}
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += " -> "
		}
		out += p
	}
	return out
}
