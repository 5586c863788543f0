package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/fhirengine/internal/resource"
)

// LibraryCheck is the validation outcome of one library.
type LibraryCheck struct {
	Library string   `json:"library"`
	Defines []string `json:"defines,omitempty"`
	Code    string   `json:"code,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool           `json:"valid"`
	Libraries []LibraryCheck `json:"libraries"`
}

func (r ValidationResult) renderText(w io.Writer) {
	for _, lib := range r.Libraries {
		if lib.Error != "" {
			fmt.Fprintf(w, "✗ %s\n  %s\n", lib.Library, lib.Error)
			continue
		}
		fmt.Fprintf(w, "✓ %s (%d definitions)\n", lib.Library, len(lib.Defines))
	}
	if r.Valid {
		fmt.Fprintln(w, "✓ All libraries valid")
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <bundle.json|bundle.cue>",
		Short: "Check a library bundle without loading it",
		Long: `Validate a library bundle and compile every library in it, without
touching the configured database.

The bundle is loaded into a scratch store. Dependencies must be part of
the bundle.

Exit codes:
  0 - All libraries compile
  1 - The bundle is invalid or a library does not compile
  2 - Command error (unreadable file, etc.)`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	bundle, err := readDocument(path, cmd.InOrStdin())
	if err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "fhirengine-validate-*")
	if err != nil {
		return WrapExitError(ExitCommandError, "create scratch store", err)
	}
	defer os.RemoveAll(dir)

	a, err := openAppAt(opts, filepath.Join(dir, "validate.db"))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	report, err := a.registry.LoadBundle(ctx, bundle)
	if err != nil {
		return err
	}
	formatter.VerboseLog("Loaded %d libraries from %s", len(report.Libraries), path)

	result := ValidationResult{Valid: true, Libraries: make([]LibraryCheck, 0, len(report.Libraries))}
	for _, c := range report.Libraries {
		check := LibraryCheck{Library: c.String()}
		defines, err := a.engine.Compile(ctx, c.String())
		if err != nil {
			result.Valid = false
			check.Code = string(resource.CodeOf(err))
			check.Error = err.Error()
		} else {
			check.Defines = defines
		}
		result.Libraries = append(result.Libraries, check)
	}

	if result.Valid {
		return formatter.Success(result)
	}
	const msg = "bundle has invalid libraries"
	if err := formatter.Report(result, &CLIError{Code: ErrCodeInvalid, Message: msg}); err != nil {
		return err
	}
	return &ExitError{Code: ExitFailure, Message: msg, Reported: true}
}
