package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/syncer"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "success"}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"result": "success"}, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("COMPILATION", "compilation failed", map[string]string{"library": "COVIDCheck"})
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "COMPILATION", resp.Error.Code)
	assert.Equal(t, "compilation failed", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	t.Run("string", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf}

		require.NoError(t, formatter.Success("All libraries valid"))
		assert.Equal(t, "All libraries valid\n", buf.String())
	})

	t.Run("renderer", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf}

		require.NoError(t, formatter.Success(dependencyOrder{"a|1", "b|2"}))
		assert.Equal(t, "1. a|1\n2. b|2\n", buf.String())
	})

	t.Run("other values indent as JSON", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf}

		require.NoError(t, formatter.Success(map[string]string{"deleted": "Patient/1"}))
		assert.Equal(t, "{\n  \"deleted\": \"Patient/1\"\n}\n", buf.String())
	})
}

func TestOutputFormatter_TextError(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:    "text",
		Writer:    out,
		ErrWriter: errOut,
	}

	err := formatter.Error("NOT_FOUND", "no such record", map[string]string{"logical_id": "1"})
	require.NoError(t, err)
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "Error [NOT_FOUND]: no such record")
	assert.NotContains(t, errOut.String(), "Details:")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	details := map[string]string{"library": "COVIDCheck"}
	err := formatter.Error("COMPILATION", "compilation failed", details)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [COMPILATION]")
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_Report(t *testing.T) {
	result := TestResult{Scenarios: []ScenarioResult{{Name: "s1"}}, Failed: 1, Total: 1}

	t.Run("json failure", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "json", Writer: buf}

		require.NoError(t, formatter.Report(result, &CLIError{Code: ErrCodeTestFailed, Message: "1 scenario(s) failed"}))

		var resp CLIResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		assert.Equal(t, "error", resp.Status)
		assert.NotNil(t, resp.Data)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeTestFailed, resp.Error.Code)
	})

	t.Run("json without failure", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "json", Writer: buf}

		require.NoError(t, formatter.Report(TestResult{}, nil))
		var resp CLIResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
	})

	t.Run("text", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf}

		require.NoError(t, formatter.Report(result, &CLIError{Code: ErrCodeTestFailed}))
		assert.Contains(t, buf.String(), "✗ s1")
		assert.Contains(t, buf.String(), "0 passed, 1 failed, 1 total")
	})
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:  "text",
				Writer:  buf,
				Verbose: tt.verbose,
			}

			formatter.VerboseLog("Loaded %d libraries", 2)

			if tt.wantLog {
				assert.Contains(t, buf.String(), "Loaded 2 libraries")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestOutputFormatter_Fail(t *testing.T) {
	t.Run("reports and maps the exit code", func(t *testing.T) {
		errOut := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: io.Discard, ErrWriter: errOut}

		code := formatter.Fail(resource.NewNotFoundError("Patient", "1"))
		assert.Equal(t, ExitFailure, code)
		assert.Contains(t, errOut.String(), "Error [NOT_FOUND]")
	})

	t.Run("skips reported failures", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "json", Writer: buf}

		code := formatter.Fail(&ExitError{Code: ExitFailure, Message: "2 scenario(s) failed", Reported: true})
		assert.Equal(t, ExitFailure, code)
		assert.Empty(t, buf.String())
	})

	t.Run("json details", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "json", Writer: buf}

		e := resource.NewConflictError("Patient", "1", "remote holds a different version")
		e.Details = map[string]string{"base_version": "3"}
		formatter.Fail(fmt.Errorf("sync: %w", e))

		var resp CLIResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, "CONFLICT", resp.Error.Code)
		assert.Equal(t, map[string]any{
			"base_version":  "3",
			"resource_type": "Patient",
			"logical_id":    "1",
		}, resp.Error.Details)
	})
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"exit error", NewExitError(ExitCommandError, "bad flag"), ExitCommandError},
		{"wrapped exit error", fmt.Errorf("run: %w", NewExitError(ExitFailure, "failed")), ExitFailure},
		{"resource error", resource.NewValidationError("bad input"), ExitFailure},
		{"wrapped resource error", fmt.Errorf("load: %w", resource.NewNotFoundError("Library", "x")), ExitFailure},
		{"transient", syncer.NewTransientError("upload", errors.New("connection reset")), ExitFailure},
		{"plain error", errors.New("unknown flag: --nope"), ExitCommandError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "MISSING_DEPENDENCY", errorCode(&resource.Error{Code: resource.ErrCodeMissingDependency, Message: "gone"}))
	assert.Equal(t, ErrCodeTransient, errorCode(syncer.NewTransientError("download", errors.New("timeout"))))
	assert.Equal(t, ErrCodeInvalid, errorCode(NewExitError(ExitFailure, "invalid")))
	assert.Equal(t, ErrCodeCommand, errorCode(NewExitError(ExitCommandError, "bad")))
}
