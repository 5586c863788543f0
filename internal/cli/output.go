package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/syncer"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Domain failure (conflict, failed scenario, sync error, etc.)
	ExitCommandError = 2 // Command error (bad flags, unreadable files, database errors, etc.)
)

// Error codes of JSON error responses that do not come from a
// resource.Error.
const (
	ErrCodeCommand    = "E_COMMAND"
	ErrCodeTransient  = "E_TRANSIENT"
	ErrCodeTestFailed = "E_TEST_FAILED"
	ErrCodeInvalid    = "E_INVALID"
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)

	// Reported is set when the command already wrote the failure to its
	// output, so Execute does not repeat it.
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
//
// An ExitError carries its own code. Domain errors (resource.Error and
// transient transport failures) are failures; anything else, including
// cobra usage errors, is a command error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if resource.CodeOf(err) != "" || syncer.IsTransient(err) {
		return ExitFailure
	}
	return ExitCommandError
}

// errorCode names err in JSON error responses.
func errorCode(err error) string {
	if code := resource.CodeOf(err); code != "" {
		return string(code)
	}
	if syncer.IsTransient(err) {
		return ErrCodeTransient
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code == ExitFailure {
		return ErrCodeInvalid
	}
	return ErrCodeCommand
}

// errorDetails returns the structured details of a resource.Error.
func errorDetails(err error) any {
	var re *resource.Error
	if !errors.As(err, &re) {
		return nil
	}
	details := map[string]string{}
	for k, v := range re.Details {
		details[k] = v
	}
	if re.ResourceType != "" {
		details["resource_type"] = re.ResourceType
	}
	if re.LogicalID != "" {
		details["logical_id"] = re.LogicalID
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // resource error code or E_*
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// textRenderer is implemented by payloads with a human-readable form.
type textRenderer interface {
	renderText(w io.Writer)
}

// Success outputs a successful result in the configured format.
//
// Text output uses the payload's own rendering when it has one, prints
// strings as they are and indents anything else as JSON.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	switch v := data.(type) {
	case textRenderer:
		v.renderText(f.Writer)
	case string:
		fmt.Fprintln(f.Writer, v)
	default:
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(f.Writer, string(out))
	}
	return nil
}

// Report outputs data that may describe a failure, such as test results.
// In JSON the response carries failure and has status "error" when
// failure is set; text output is the same as Success.
func (f *OutputFormatter) Report(data any, failure *CLIError) error {
	if f.Format != "json" || failure == nil {
		return f.Success(data)
	}
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(CLIResponse{
		Status: "error",
		Data:   data,
		Error:  failure,
	})
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	// Human-readable errors go to the diagnostic stream.
	w := f.GetErrWriter()
	fmt.Fprintf(w, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(w, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err and returns its exit code.
func (f *OutputFormatter) Fail(err error) int {
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || !exitErr.Reported {
		_ = f.Error(errorCode(err), err.Error(), errorDetails(err))
	}
	return GetExitCode(err)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
