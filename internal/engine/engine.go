package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/fhirengine/internal/expr"
	"github.com/roach88/fhirengine/internal/library"
	"github.com/roach88/fhirengine/internal/metrics"
	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/store"
)

// DefaultReferenceTime is the evaluation time used when none is set.
// today() and now() return it, so results never depend on the wall clock.
var DefaultReferenceTime = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// Engine evaluates library expressions against stored data.
//
// Thread-safety: Evaluate may be called from many goroutines. Compiled
// expressions are shared through the cache; each evaluation has its own
// data snapshot and memo table.
type Engine struct {
	store    *store.Store
	registry *library.Registry
	provider DataProvider // nil = a store snapshot per evaluation
	cache    *compileCache
	now      time.Time
	logger   zerolog.Logger
	metrics  *metrics.Collector

	cacheSize int
}

// Option configures an Engine.
type Option func(*Engine)

// WithCacheSize sets the number of cached compiled expressions.
//
// Default: 512 (DefaultCacheSize)
func WithCacheSize(n int) Option {
	return func(e *Engine) { e.cacheSize = n }
}

// WithReferenceTime sets the time returned by today() and now().
func WithReferenceTime(t time.Time) Option {
	return func(e *Engine) { e.now = t.UTC() }
}

// WithDataProvider replaces the store-backed data access.
func WithDataProvider(p DataProvider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// New creates an Engine reading libraries through reg and data from st.
func New(st *store.Store, reg *library.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		registry: reg,
		now:      DefaultReferenceTime,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cache = newCompileCache(e.cacheSize)
	return e
}

// Evaluate evaluates the named expressions of a library for one context
// resource.
//
// libraryID is any form accepted by Registry.Lookup; contextRef is
// "Type/id" and must name a resource of the library's context type.
// Failures to resolve or compile the library, or a name the library does
// not define, fail the whole call. An expression that fails
// while evaluating yields a null value; the other names are unaffected.
func (e *Engine) Evaluate(ctx context.Context, libraryID, contextRef string, names []string) (res *Result, err error) {
	start := time.Now()
	defer func() { e.metrics.RecordEvaluation(time.Since(start), err) }()

	ref, err := resource.ParseReference(contextRef)
	if err != nil {
		return nil, resource.NewValidationError("context: %v", err)
	}

	closure, err := e.registry.Resolve(ctx, libraryID)
	if err != nil {
		return nil, err
	}
	root := closure[len(closure)-1]
	if len(names) == 0 {
		names = root.Defines
	}

	defs, err := e.definitions(ctx, closure, names)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if want := defs[name].Context; want != ref.Type {
			return nil, resource.NewValidationError(
				"library %s evaluates in %s context, got %s", root.Canonical, want, ref)
		}
	}

	provider := e.provider
	if provider == nil {
		snap, err := e.store.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		defer snap.Close()
		provider = snapshotProvider{snap: snap}
	}

	subject, found, err := provider.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, resource.NewNotFoundError(ref.Type, ref.ID)
	}

	ec := expr.NewContext(ctx, compartmentSource{provider: provider, compartment: ref}, content(subject), e.now)
	res = &Result{Library: root.Canonical, Context: ref, Values: make(map[string]Value, len(names))}
	for _, name := range names {
		c, err := defs[name].Eval(ec)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if expr.IsCompileError(err) {
				return nil, resource.NewCompilationError(root.Canonical.String(), "compile "+name, err)
			}
			var evalErr *expr.EvalError
			if !errors.As(err, &evalErr) {
				// Data access failures are not expression errors.
				return nil, fmt.Errorf("evaluate %s: %w", name, err)
			}
			e.logger.Warn().
				Err(err).
				Str("library", root.Canonical.String()).
				Str("expression", name).
				Str("context", ref.String()).
				Msg("expression failed; result is null")
			res.Values[name] = Null
			continue
		}
		res.Values[name] = toValue(c)
	}

	e.logger.Debug().
		Str("library", root.Canonical.String()).
		Str("context", ref.String()).
		Int("expressions", len(names)).
		Msg("library evaluated")
	return res, nil
}

// EvaluateAll evaluates every definition of the library.
func (e *Engine) EvaluateAll(ctx context.Context, libraryID, contextRef string) (*Result, error) {
	return e.Evaluate(ctx, libraryID, contextRef, nil)
}

// Compile compiles a library and its dependencies without evaluating
// anything, and returns the names it defines. The compiled expressions
// are cached for later evaluations.
func (e *Engine) Compile(ctx context.Context, libraryID string) ([]string, error) {
	closure, err := e.registry.Resolve(ctx, libraryID)
	if err != nil {
		return nil, err
	}
	root := closure[len(closure)-1]
	if _, err := e.definitions(ctx, closure, root.Defines); err != nil {
		return nil, err
	}
	return root.Defines, nil
}

// Invalidate drops cached compilations of a library and of every library
// that depends on it.
func (e *Engine) Invalidate(libraryLogicalID string) {
	n := e.cache.invalidate(libraryLogicalID)
	e.logger.Debug().
		Str("library", libraryLogicalID).
		Int("entries", n).
		Msg("compiled expressions invalidated")
}

// definitions returns the compiled definitions of names, compiling the
// library closure when the cache has no current entry for one of them.
func (e *Engine) definitions(ctx context.Context, closure []library.Definition, names []string) (map[string]*expr.Definition, error) {
	root := closure[len(closure)-1]
	stamp, ids := closureStamp(closure)

	out := make(map[string]*expr.Definition, len(names))
	missing := len(names) == 0
	for _, name := range names {
		def, outcome := e.cache.get(cacheKey{library: root.LogicalID, name: name}, stamp)
		e.metrics.RecordCacheLookup(outcome)
		if def == nil {
			missing = true
			break
		}
		out[name] = def
	}
	if !missing {
		return out, nil
	}

	generation := e.cache.begin()
	v, err, _ := e.cache.group.Do(stamp, func() (any, error) {
		lib, err := compileClosure(closure)
		e.metrics.RecordCompile(err)
		if err != nil {
			return nil, err
		}
		e.logger.Debug().
			Str("library", root.Canonical.String()).
			Str("stamp", stamp).
			Msg("library compiled")
		return lib, nil
	})
	if err != nil {
		return nil, err
	}
	lib := v.(*expr.Library)

	all := make(map[string]*expr.Definition, len(lib.Names()))
	for _, name := range lib.Names() {
		all[name], _ = lib.Definition(name)
	}
	e.cache.put(root.LogicalID, ids, stamp, generation, all)

	for _, name := range names {
		def, ok := all[name]
		if !ok {
			return nil, resource.NewCompilationError(root.Canonical.String(),
				fmt.Sprintf("library does not define %q", name), nil)
		}
		out[name] = def
	}
	return out, nil
}

// closureStamp identifies the exact versions of a library closure.
func closureStamp(closure []library.Definition) (string, []string) {
	stamps := make([]string, len(closure))
	ids := make([]string, len(closure))
	for i, d := range closure {
		stamps[i] = d.Stamp()
		ids[i] = d.LogicalID
	}
	return strings.Join(stamps, ","), ids
}

// compileClosure compiles libraries in dependency order and returns the
// last one. Dependencies are visible to a library under their names.
func compileClosure(closure []library.Definition) (*expr.Library, error) {
	compiled := make(map[string]*expr.Library, len(closure))
	var last *expr.Library
	for _, d := range closure {
		deps := make(map[string]*expr.Library, len(d.Dependencies))
		for _, dep := range d.Dependencies {
			target, ok := findDependency(closure, dep)
			if !ok {
				return nil, resource.NewMissingDependencyError(d.Canonical.String(), dep.String())
			}
			deps[target.Name] = compiled[target.Canonical.String()]
		}

		lib, err := expr.CompileSource(d.Source, deps)
		if err != nil {
			return nil, resource.NewCompilationError(d.Canonical.String(), "library does not compile", err)
		}
		compiled[d.Canonical.String()] = lib
		last = lib
	}
	return last, nil
}

// findDependency picks the closure member a dependency canonical refers
// to. Unversioned canonicals match any version; the registry has already
// chosen the highest.
func findDependency(closure []library.Definition, dep resource.Canonical) (library.Definition, bool) {
	for _, d := range closure {
		if d.Canonical.URL == dep.URL && (!dep.Versioned() || d.Canonical.Version == dep.Version) {
			return d, true
		}
	}
	return library.Definition{}, false
}
