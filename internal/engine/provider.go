package engine

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/fhirengine/internal/queryir"
	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/store"
)

// DataProvider is the evaluation engine's only access to clinical data.
//
// Retrieve returns the resources of typ that belong to the compartment of
// the given context resource (for a Patient: the resources that point at
// it). Resolve reads a single resource; found is false for missing or
// deleted records.
type DataProvider interface {
	Retrieve(ctx context.Context, typ string, compartment resource.Reference) ([]resource.Resource, error)
	Resolve(ctx context.Context, ref resource.Reference) (r resource.Resource, found bool, err error)
}

// compartmentParams are the search parameters, in preference order, that
// link a resource to its patient.
var compartmentParams = []string{"patient", "subject"}

// snapshotProvider reads one store snapshot.
type snapshotProvider struct {
	snap *store.Snapshot
}

func (p snapshotProvider) Retrieve(ctx context.Context, typ string, compartment resource.Reference) ([]resource.Resource, error) {
	if typ == compartment.Type {
		r, found, err := p.Resolve(ctx, compartment)
		if err != nil || !found {
			return nil, err
		}
		return []resource.Resource{r}, nil
	}

	params := p.snap.SearchParams()
	for _, param := range compartmentParams {
		if !params.Has(typ, param) {
			continue
		}
		return p.snap.Search(ctx, queryir.Search{
			Type:   typ,
			Filter: queryir.Equals{Param: param, Value: compartment.String()},
		})
	}
	// Not a compartment member type.
	return nil, nil
}

func (p snapshotProvider) Resolve(ctx context.Context, ref resource.Reference) (resource.Resource, bool, error) {
	r, err := p.snap.Get(ctx, ref.Type, ref.ID)
	if resource.IsNotFound(err) {
		return resource.Resource{}, false, nil
	}
	if err != nil {
		return resource.Resource{}, false, err
	}
	return r, true, nil
}

// MemoryProvider serves resources held in memory. It is used by tests and
// by callers that evaluate over data they have not stored.
type MemoryProvider struct {
	mu        sync.RWMutex
	resources map[resource.Reference]resource.Resource
}

// NewMemoryProvider creates a provider holding rs.
func NewMemoryProvider(rs ...resource.Resource) *MemoryProvider {
	p := &MemoryProvider{resources: make(map[resource.Reference]resource.Resource)}
	p.Put(rs...)
	return p
}

// Put adds or replaces resources.
func (p *MemoryProvider) Put(rs ...resource.Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range rs {
		p.resources[r.Ref()] = r
	}
}

// Retrieve returns resources of typ whose patient or subject reference is
// the compartment, ordered by logical id.
func (p *MemoryProvider) Retrieve(_ context.Context, typ string, compartment resource.Reference) ([]resource.Resource, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []resource.Resource
	for ref, r := range p.resources {
		if ref.Type != typ {
			continue
		}
		if ref == compartment || inCompartment(r, compartment) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b resource.Resource) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Resolve returns the resource at ref.
func (p *MemoryProvider) Resolve(_ context.Context, ref resource.Reference) (resource.Resource, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.resources[ref]
	return r, ok, nil
}

func inCompartment(r resource.Resource, compartment resource.Reference) bool {
	for _, field := range compartmentParams {
		m, ok := r.Content[field].(map[string]any)
		if !ok {
			continue
		}
		s, _ := m["reference"].(string)
		if ref, err := resource.ParseReference(s); err == nil && ref == compartment {
			return true
		}
	}
	return false
}

// compartmentSource adapts a DataProvider to one evaluation: retrieves
// are bound to the context resource's compartment.
type compartmentSource struct {
	provider    DataProvider
	compartment resource.Reference
}

func (s compartmentSource) Retrieve(ctx context.Context, typ string) ([]map[string]any, error) {
	rs, err := s.provider.Retrieve(ctx, typ, s.compartment)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(rs))
	for i, r := range rs {
		out[i] = content(r)
	}
	return out, nil
}

func (s compartmentSource) Resolve(ctx context.Context, ref string) (map[string]any, bool, error) {
	parsed, err := resource.ParseReference(ref)
	if err != nil {
		return nil, false, nil
	}
	r, found, err := s.provider.Resolve(ctx, parsed)
	if err != nil || !found {
		return nil, false, err
	}
	return content(r), true, nil
}

// content returns the resource JSON with resourceType and id set, which
// expressions rely on for reference().
func content(r resource.Resource) map[string]any {
	if r.Content["resourceType"] == r.Type && r.Content["id"] == r.ID {
		return r.Content
	}
	c := make(map[string]any, len(r.Content)+2)
	for k, v := range r.Content {
		c[k] = v
	}
	c["resourceType"] = r.Type
	c["id"] = r.ID
	return c
}
