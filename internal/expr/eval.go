package expr

import (
	"context"
	"time"
)

// DataSource gives an evaluation access to clinical data. Retrieve
// returns the resources of a type in the evaluation's compartment; Resolve
// looks up a "Type/id" reference.
type DataSource interface {
	Retrieve(ctx context.Context, typ string) ([]map[string]any, error)
	Resolve(ctx context.Context, ref string) (map[string]any, bool, error)
}

// Context is the state of one evaluation: the data source, the context
// resource, the reference time and memoized definition results.
//
// A Context is not safe for concurrent use.
type Context struct {
	ctx  context.Context
	data DataSource
	root map[string]any
	now  time.Time

	memo      map[*Definition]memoEntry
	retrieved map[string]Collection
}

type memoEntry struct {
	value Collection
	err   error
}

// NewContext creates an evaluation context. root is the context resource
// (the patient) and now is the time returned by today() and now().
func NewContext(ctx context.Context, data DataSource, root map[string]any, now time.Time) *Context {
	return &Context{
		ctx:       ctx,
		data:      data,
		root:      root,
		now:       now.UTC(),
		memo:      make(map[*Definition]memoEntry),
		retrieved: make(map[string]Collection),
	}
}

func (ec *Context) focus() Collection {
	if ec.root == nil {
		return nil
	}
	return Collection{ec.root}
}

func (ec *Context) retrieve(at Pos, typ string) (Collection, error) {
	if c, ok := ec.retrieved[typ]; ok {
		return c, nil
	}
	if err := ec.ctx.Err(); err != nil {
		return nil, err
	}
	if ec.data == nil {
		return nil, evalErrorf(at, "no data source for [%s]", typ)
	}
	rs, err := ec.data.Retrieve(ec.ctx, typ)
	if err != nil {
		return nil, err
	}
	c := make(Collection, len(rs))
	for i, r := range rs {
		c[i] = r
	}
	ec.retrieved[typ] = c
	return c, nil
}

func (ec *Context) resolve(at Pos, ref string) (map[string]any, error) {
	if ec.data == nil {
		return nil, evalErrorf(at, "no data source to resolve %s", ref)
	}
	r, found, err := ec.data.Resolve(ec.ctx, ref)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, evalErrorf(at, "reference %s does not resolve", ref)
	}
	return r, nil
}

// Eval evaluates the definition. Results, including errors, are memoized
// per Context so each definition runs at most once per evaluation.
func (d *Definition) Eval(ec *Context) (Collection, error) {
	if m, ok := ec.memo[d]; ok {
		return m.value, m.err
	}
	v, err := d.fn(ec, ec.focus())
	ec.memo[d] = memoEntry{value: v, err: err}
	return v, err
}
