package resolve

import (
	"cmp"
	"slices"
	"sync"

	"github.com/barokg/backend/pkg/common"
	"github.com/barokg/backend/pkg/match"
	"github.com/barokg/backend/pkg/normalize"
)

type cacheKey struct {
	typ common.EntityType
	key string
}

// Cache maps normalized keys to the entities they resolved to during one
// run. It also remembers the entities reserved as new in this run so later
// mentions can be fuzzy matched against them before they are committed.
// A Cache is safe for concurrent use and must not outlive its run.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]common.EntityRef
	pending map[common.EntityType][]match.Candidate
}

// NewCache returns an empty run-scoped cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[cacheKey]common.EntityRef),
		pending: make(map[common.EntityType][]match.Candidate),
	}
}

// Get returns the entity key resolved to, if any.
func (c *Cache) Get(typ common.EntityType, key string) (common.EntityRef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.entries[cacheKey{typ: typ, key: key}]
	return ref, ok
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a snapshot of the cache.
func (c *Cache) Entries() []common.ResolutionCacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]common.ResolutionCacheEntry, 0, len(c.entries))
	for k, ref := range c.entries {
		out = append(out, common.ResolutionCacheEntry{Key: k.key, Type: k.typ, Ref: ref})
	}
	slices.SortFunc(out, func(a, b common.ResolutionCacheEntry) int {
		return cmp.Or(cmp.Compare(a.Type, b.Type), cmp.Compare(a.Key, b.Key))
	})
	return out
}

// apply runs fn with the cache write-locked so that check-then-reserve
// decisions of concurrent documents cannot interleave.
func (c *Cache) apply(fn func(v *cacheView)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&cacheView{c: c})
}

type cacheView struct {
	c *Cache
}

func (v *cacheView) get(typ common.EntityType, key string) (common.EntityRef, bool) {
	ref, ok := v.c.entries[cacheKey{typ: typ, key: key}]
	return ref, ok
}

func (v *cacheView) put(typ common.EntityType, key string, ref common.EntityRef) {
	v.c.entries[cacheKey{typ: typ, key: key}] = ref
}

func (v *cacheView) reserve(ref common.EntityRef) {
	v.put(ref.Type, ref.Key, ref)
	v.c.pending[ref.Type] = append(v.c.pending[ref.Type], match.Candidate{Key: ref.Key, Type: ref.Type, Ref: ref})
}

// pendingCandidates returns the reserved entities of typ sharing a block key.
func (v *cacheView) pendingCandidates(typ common.EntityType, blocks []string) []match.Candidate {
	var out []match.Candidate
	for _, c := range v.c.pending[typ] {
		for _, b := range normalize.BlockKeys(c.Key) {
			if slices.Contains(blocks, b) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
