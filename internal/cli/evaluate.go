package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fhirengine/internal/engine"
	"github.com/roach88/fhirengine/internal/resource"
)

// EvaluateOptions holds flags for the evaluate command.
type EvaluateOptions struct {
	*RootOptions
	Parameters bool // render a FHIR Parameters resource
}

// evaluation renders an engine result.
type evaluation struct {
	res *engine.Result
}

func (e evaluation) MarshalJSON() ([]byte, error) {
	return e.res.MarshalJSON()
}

func (e evaluation) renderText(w io.Writer) {
	fmt.Fprintf(w, "%s for %s\n", e.res.Library, e.res.Context)
	for _, name := range e.res.Names() {
		v := e.res.Values[name]
		data, err := resource.MarshalCanonical(v.JSON()["value"])
		if v.Kind == engine.KindNull || err != nil {
			fmt.Fprintf(w, "  %s = null\n", name)
			continue
		}
		fmt.Fprintf(w, "  %s = %s\n", name, data)
	}
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvaluateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "evaluate <library> <context> [names...]",
		Short: "Evaluate library expressions for one resource",
		Long: `Evaluate named expressions of a library with a resource as context.
Without names every definition of the library is evaluated.

The library is named by url|version, by url or by Library/<id>; the
context is a Type/id reference. Expressions that fail at run time are
null; a name the library does not define fails the command.

Examples:
  fhirengine evaluate http://localhost/Library/COVIDCheck|1.0.0 Patient/1
  fhirengine evaluate Library/COVIDCheck Patient/1 CompletedImmunization GetFinalDose
  fhirengine evaluate Library/COVIDCheck Patient/1 --parameters --format json`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(opts, args[0], args[1], args[2:], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Parameters, "parameters", false, "output a FHIR Parameters resource")

	return cmd
}

func runEvaluate(opts *EvaluateOptions, libraryID, contextRef string, names []string, cmd *cobra.Command) error {
	return withApp(opts.RootOptions, func(a *app) error {
		res, err := a.engine.Evaluate(cmd.Context(), libraryID, contextRef, names)
		if err != nil {
			return err
		}

		formatter := opts.formatter(cmd)
		if opts.Parameters {
			return formatter.Success(res.Parameters())
		}
		return formatter.Success(evaluation{res: res})
	})
}
