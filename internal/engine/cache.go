package engine

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/fhirengine/internal/expr"
)

// DefaultCacheSize is the default number of cached compiled expressions.
const DefaultCacheSize = 512

// cacheKey identifies one compiled expression.
type cacheKey struct {
	library string // logical id
	name    string
}

// cacheEntry is immutable once inserted.
type cacheEntry struct {
	// stamp is the "id@version" list of the library and every library it
	// depends on. A version bump anywhere in the closure makes it stale.
	stamp string

	// libraries are the logical ids in the closure.
	libraries []string

	// generation is the logical time the compile started.
	generation int64

	def *expr.Definition
}

// compileCache holds compiled expressions.
//
// Lookups compare the entry stamp with the stamp of the library closure
// as currently stored. Concurrent compiles of one closure are merged with
// singleflight. Invalidate records the logical time per library; compiles
// that started earlier do not install their results.
type compileCache struct {
	entries *lru.Cache[cacheKey, cacheEntry]
	group   singleflight.Group
	clock   atomic.Int64

	mu          sync.Mutex
	invalidated map[string]int64
}

func newCompileCache(size int) *compileCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[cacheKey, cacheEntry](size)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &compileCache{entries: entries, invalidated: make(map[string]int64)}
}

// lookup outcomes, also used as metric labels.
const (
	cacheHit   = "hit"
	cacheMiss  = "miss"
	cacheStale = "stale"
)

// get returns the entry for key if it matches stamp.
func (c *compileCache) get(key cacheKey, stamp string) (*expr.Definition, string) {
	e, ok := c.entries.Get(key)
	if !ok {
		return nil, cacheMiss
	}
	if e.stamp != stamp || c.invalidatedSince(e) {
		return nil, cacheStale
	}
	return e.def, cacheHit
}

// begin returns the generation for a compile that starts now.
func (c *compileCache) begin() int64 {
	return c.clock.Add(1)
}

// put installs compiled definitions unless an invalidation of any
// library in the closure happened after generation.
func (c *compileCache) put(library string, libraries []string, stamp string, generation int64, defs map[string]*expr.Definition) bool {
	e := cacheEntry{stamp: stamp, libraries: libraries, generation: generation}
	if c.invalidatedSince(e) {
		return false
	}
	for name, def := range defs {
		e.def = def
		c.entries.Add(cacheKey{library: library, name: name}, e)
	}
	return true
}

func (c *compileCache) invalidatedSince(e cacheEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range e.libraries {
		if at, ok := c.invalidated[id]; ok && at >= e.generation {
			return true
		}
	}
	return false
}

// invalidate drops every entry whose closure contains library.
func (c *compileCache) invalidate(library string) int {
	c.mu.Lock()
	c.invalidated[library] = c.clock.Add(1)
	c.mu.Unlock()

	removed := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		for _, id := range e.libraries {
			if id == library {
				c.entries.Remove(key)
				removed++
				break
			}
		}
	}
	return removed
}

func (c *compileCache) len() int {
	return c.entries.Len()
}
