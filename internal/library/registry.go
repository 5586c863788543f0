package library

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/roach88/fhirengine/internal/queryir"
	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/store"
)

// Registry loads libraries into a store and resolves them.
//
// Thread-safety: safe for concurrent use; all state lives in the store.
type Registry struct {
	store  *store.Store
	logger zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a registry backed by st.
func New(st *store.Store, opts ...Option) *Registry {
	r := &Registry{store: st, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup finds a library by "url|version", bare url or "Library/<id>".
// A bare url selects the highest version present.
func (r *Registry) Lookup(ctx context.Context, id string) (Definition, error) {
	if rest, ok := strings.CutPrefix(id, "Library/"); ok && !strings.Contains(rest, "/") {
		res, err := r.store.Get(ctx, "Library", rest)
		if err != nil {
			return Definition{}, err
		}
		return FromResource(res)
	}

	c, err := resource.ParseCanonical(id)
	if err != nil {
		return Definition{}, resource.NewValidationError("library identifier: %v", err)
	}
	return r.lookupCanonical(ctx, c)
}

func (r *Registry) lookupCanonical(ctx context.Context, c resource.Canonical) (Definition, error) {
	filter := queryir.Predicate(queryir.Equals{Param: "url", Value: c.URL})
	if c.Versioned() {
		filter = queryir.And{Predicates: []queryir.Predicate{
			filter,
			queryir.Equals{Param: "version", Value: c.Version},
		}}
	}
	found, err := r.store.Search(ctx, queryir.Search{Type: "Library", Filter: filter})
	if err != nil {
		return Definition{}, fmt.Errorf("lookup %s: %w", c, err)
	}

	var (
		best Definition
		ok   bool
	)
	for _, res := range found {
		d, err := FromResource(res)
		if err != nil {
			return Definition{}, err
		}
		// Search returns logical id order, so ties keep the first id.
		if !ok || compareVersions(d.Canonical.Version, best.Canonical.Version) > 0 {
			best, ok = d, true
		}
	}
	if !ok {
		return Definition{}, resource.NewNotFoundError("Library", c.String())
	}
	return best, nil
}

// Resolve returns the library and everything it depends on, dependencies
// first. See Graph.Order for the ordering rules.
func (r *Registry) Resolve(ctx context.Context, id string) ([]Definition, error) {
	root, err := r.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	g, err := r.buildGraph(ctx, root)
	if err != nil {
		return nil, err
	}
	order, err := g.Order(key(root))
	if err != nil {
		return nil, err
	}

	defs := make([]Definition, len(order))
	for i, k := range order {
		defs[i] = g.defs[k]
	}
	r.logger.Debug().
		Str("library", root.Canonical.String()).
		Int("dependencies", len(defs)-1).
		Msg("library dependencies resolved")
	return defs, nil
}

// ResolveDependencies returns the canonical identifiers of Resolve.
func (r *Registry) ResolveDependencies(ctx context.Context, id string) ([]resource.Canonical, error) {
	defs, err := r.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]resource.Canonical, len(defs))
	for i, d := range defs {
		out[i] = d.Canonical
	}
	return out, nil
}

// buildGraph loads every library reachable from root. A dependency that
// cannot be found is a MissingDependencyError naming both ends.
func (r *Registry) buildGraph(ctx context.Context, root Definition) (*Graph, error) {
	g := NewGraph()
	g.add(root)

	queue := []Definition{root}
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]

		for _, dep := range d.Dependencies {
			target, err := r.lookupCanonical(ctx, dep)
			if resource.IsNotFound(err) {
				return nil, resource.NewMissingDependencyError(key(d), dep.String())
			}
			if err != nil {
				return nil, err
			}
			g.Link(key(d), key(target))
			if g.add(target) {
				queue = append(queue, target)
			}
		}
	}
	return g, nil
}

// key is the graph node name of a definition.
func key(d Definition) string {
	return d.Canonical.String()
}
