package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fhirengine/internal/queryir"
	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/store"
)

// PutResult describes one stored resource.
type PutResult struct {
	Reference string `json:"reference"`
	Operation string `json:"operation"` // "created" | "updated"
	VersionID int64  `json:"versionId"`
}

// PutResults is the output of put.
type PutResults []PutResult

func (rs PutResults) renderText(w io.Writer) {
	for _, r := range rs {
		fmt.Fprintf(w, "%s %s (version %d)\n", r.Operation, r.Reference, r.VersionID)
	}
}

// NewPutCommand creates the put command.
func NewPutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put <file>",
		Short: "Create or update resources",
		Long: `Store the resource of a JSON or CUE file, or every entry of a Bundle.

A resource without an id is created with a new id. A resource whose id
is live is updated; otherwise it is created under that id. Use "-" to
read JSON from stdin.

Examples:
  fhirengine put patient.json
  fhirengine put cohort-bundle.json --format json
  cat obs.json | fhirengine put -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(rootOpts, args[0], cmd)
		},
	}
}

func runPut(opts *RootOptions, path string, cmd *cobra.Command) error {
	doc, err := readDocument(path, cmd.InOrStdin())
	if err != nil {
		return err
	}
	rs, err := documentResources(doc)
	if err != nil {
		return err
	}

	return withApp(opts, func(a *app) error {
		out := make(PutResults, 0, len(rs))
		for _, r := range rs {
			res, err := put(cmd.Context(), a.store, r)
			if err != nil {
				return err
			}
			out = append(out, res)
		}
		return opts.formatter(cmd).Success(out)
	})
}

func put(ctx context.Context, st *store.Store, r resource.Resource) (PutResult, error) {
	if r.ID != "" {
		_, err := st.Get(ctx, r.Type, r.ID)
		switch {
		case err == nil:
			version, err := st.Update(ctx, r)
			if err != nil {
				return PutResult{}, err
			}
			return PutResult{Reference: r.Ref().String(), Operation: "updated", VersionID: version}, nil
		case !resource.IsNotFound(err):
			return PutResult{}, err
		}
	}

	id, err := st.Create(ctx, r)
	if err != nil {
		return PutResult{}, err
	}
	ref := resource.Reference{Type: r.Type, ID: id}
	return PutResult{Reference: ref.String(), Operation: "created", VersionID: 1}, nil
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <type> <id>",
		Short: "Print the current version of a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, func(a *app) error {
				r, err := a.store.Get(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Success(r.Content)
			})
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Delete a resource",
		Long: `Delete a resource. The record is kept as a tombstone so the deletion
can be synchronized; deleting a missing record fails.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, func(a *app) error {
				if err := a.store.Delete(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				ref := resource.Reference{Type: args[0], ID: args[1]}
				return rootOpts.formatter(cmd).Success(map[string]string{"deleted": ref.String()})
			})
		},
	}
}

// SearchOptions holds flags for the search command.
type SearchOptions struct {
	*RootOptions
	Sort  []string
	Limit int
	Count bool
}

// SearchResult is the output of search.
type SearchResult struct {
	Total     int              `json:"total"`
	Resources []map[string]any `json:"resources"`
}

func (r SearchResult) renderText(w io.Writer) {
	for _, content := range r.Resources {
		fmt.Fprintf(w, "%s/%s\n", content["resourceType"], content["id"])
	}
	fmt.Fprintf(w, "%d match(es)\n", r.Total)
}

// NewSearchCommand creates the search command.
func NewSearchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SearchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "search <type> [param=value ...]",
		Short: "Search resources by indexed parameters",
		Long: `Search live resources of a type. Every param=value term must match.

A value list "a,b" matches either value. Values prefixed with gt, ge, lt
or le compare numbers and dates ("date=ge2021-01-01"). Sort keys are
parameter names; a leading "-" sorts descending.

Examples:
  fhirengine search Patient name=Smith
  fhirengine search Immunization patient=Patient/1 status=completed --sort date
  fhirengine search Observation code=8867-4 --count`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Sort, "sort", nil, "sort parameters (prefix - for descending)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of results (0 = all)")
	cmd.Flags().BoolVar(&opts.Count, "count", false, "only count matches")

	return cmd
}

func runSearch(opts *SearchOptions, typ string, terms []string, cmd *cobra.Command) error {
	q, err := buildSearch(typ, terms, opts.Sort, opts.Limit)
	if err != nil {
		return err
	}

	return withApp(opts.RootOptions, func(a *app) error {
		if opts.Count {
			n, err := a.store.Count(cmd.Context(), q)
			if err != nil {
				return err
			}
			return opts.formatter(cmd).Success(SearchResult{Total: n, Resources: []map[string]any{}})
		}

		rs, err := a.store.Search(cmd.Context(), q)
		if err != nil {
			return err
		}
		out := SearchResult{Total: len(rs), Resources: make([]map[string]any, len(rs))}
		for i, r := range rs {
			out.Resources[i] = r.Content
		}
		return opts.formatter(cmd).Success(out)
	})
}

// comparePrefixes maps search value prefixes to comparisons.
var comparePrefixes = []struct {
	prefix string
	op     queryir.CompareOp
}{
	{"ge", queryir.OpGe},
	{"gt", queryir.OpGt},
	{"le", queryir.OpLe},
	{"lt", queryir.OpLt},
}

// buildSearch turns command line terms into a search.
func buildSearch(typ string, terms, sort []string, limit int) (queryir.Search, error) {
	q := queryir.Search{Type: typ, Limit: limit}

	var preds []queryir.Predicate
	for _, term := range terms {
		param, value, ok := strings.Cut(term, "=")
		if !ok || param == "" || value == "" {
			return q, resource.NewValidationError("search term %q: want param=value", term)
		}
		preds = append(preds, termPredicate(param, value))
	}
	switch len(preds) {
	case 0:
	case 1:
		q.Filter = preds[0]
	default:
		q.Filter = queryir.And{Predicates: preds}
	}

	for _, s := range sort {
		key := queryir.SortKey{Param: s}
		if rest, ok := strings.CutPrefix(s, "-"); ok {
			key = queryir.SortKey{Param: rest, Descending: true}
		}
		q.Sort = append(q.Sort, key)
	}
	return q, nil
}

func termPredicate(param, value string) queryir.Predicate {
	for _, p := range comparePrefixes {
		rest, ok := strings.CutPrefix(value, p.prefix)
		if !ok {
			continue
		}
		if n, ok := queryir.NumericValue(rest); ok {
			return queryir.Compare{Param: param, Op: p.op, Value: n}
		}
	}
	if values := strings.Split(value, ","); len(values) > 1 {
		return queryir.In{Param: param, Values: values}
	}
	return queryir.Equals{Param: param, Value: value}
}

// ChangesOptions holds flags for the changes command.
type ChangesOptions struct {
	*RootOptions
	Squash bool
}

// ChangeEntry is one pending local change, or one squashed unit.
type ChangeEntry struct {
	Seqs        []int64 `json:"seqs"`
	Type        string  `json:"type"`
	Reference   string  `json:"reference"`
	VersionID   int64   `json:"versionId,omitempty"`
	BaseVersion string  `json:"baseRemoteVersion,omitempty"`
}

// ChangeList is the output of changes.
type ChangeList []ChangeEntry

func (cs ChangeList) renderText(w io.Writer) {
	if len(cs) == 0 {
		fmt.Fprintln(w, "No pending changes.")
		return
	}
	for _, c := range cs {
		fmt.Fprintf(w, "%v %s %s", c.Seqs, c.Type, c.Reference)
		if c.BaseVersion != "" {
			fmt.Fprintf(w, " (remote version %s)", c.BaseVersion)
		}
		fmt.Fprintln(w)
	}
}

// NewChangesCommand creates the changes command.
func NewChangesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ChangesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List local changes not yet uploaded",
		Long: `List pending local changes in the order they were made.

With --squash, changes are grouped per record into the units the next
sync cycle uploads.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, func(a *app) error {
				changes, err := a.store.LocalChanges(cmd.Context())
				if err != nil {
					return err
				}
				return rootOpts.formatter(cmd).Success(changeList(changes, opts.Squash))
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Squash, "squash", false, "group changes per record as uploaded")

	return cmd
}

func changeList(changes []store.LocalChange, squash bool) ChangeList {
	units := store.Unsquashed(changes)
	if squash {
		units = store.SquashChanges(changes)
	}
	out := make(ChangeList, 0, len(units))
	for _, u := range units {
		out = append(out, ChangeEntry{
			Seqs:        u.Seqs,
			Type:        string(u.Type),
			Reference:   u.Ref().String(),
			VersionID:   u.VersionID,
			BaseVersion: u.BaseRemoteVersion,
		})
	}
	return out
}
