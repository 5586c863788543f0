package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fhirengine/internal/library"
	"github.com/roach88/fhirengine/internal/resource"
)

// LoadResult is the output of load.
type LoadResult struct {
	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`
	Libraries []string `json:"libraries"`
}

func (r LoadResult) renderText(w io.Writer) {
	for _, lib := range r.Libraries {
		fmt.Fprintf(w, "library %s\n", lib)
	}
	fmt.Fprintf(w, "%d created, %d updated, %d unchanged\n", len(r.Created), len(r.Updated), len(r.Unchanged))
}

func newLoadResult(report library.LoadReport) LoadResult {
	return LoadResult{
		Created:   refStrings(report.Created),
		Updated:   refStrings(report.Updated),
		Unchanged: refStrings(report.Unchanged),
		Libraries: canonicalStrings(report.Libraries),
	}
}

func refStrings(refs []resource.Reference) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.String()
	}
	return out
}

func canonicalStrings(cs []resource.Canonical) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.String()
	}
	return out
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <bundle.json|bundle.cue>",
		Short: "Load a library bundle",
		Long: `Validate a Bundle of libraries and supporting resources and store it.

The whole bundle is validated before anything is written. Records whose
content is unchanged are left alone; changed ones get a new version.

Examples:
  fhirengine load covid-check.json
  fhirengine load covid-check.cue --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle, err := readDocument(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withApp(rootOpts, func(a *app) error {
				report, err := a.registry.LoadBundle(cmd.Context(), bundle)
				if err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Success(newLoadResult(report))
			})
		},
	}
}

// NewDepsCommand creates the deps command.
func NewDepsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deps <library>",
		Short: "Print a library's dependency order",
		Long: `Resolve a library and everything it depends on, dependencies first.

The library is named by url|version, by url (highest version) or by
Library/<id>.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, func(a *app) error {
				order, err := a.registry.ResolveDependencies(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Success(dependencyOrder(canonicalStrings(order)))
			})
		},
	}
}

type dependencyOrder []string

func (d dependencyOrder) renderText(w io.Writer) {
	for i, c := range d {
		fmt.Fprintf(w, "%d. %s\n", i+1, c)
	}
}
