package worklets

import (
	"sync"

	"github.com/dop251/goja"
)

// runtimePurger is implemented by every RuntimeLocalCache so that context
// teardown can drop entries for a runtime that is about to disappear.
type runtimePurger interface {
	purge(rt *goja.Runtime)
}

var (
	cachesMu sync.Mutex
	caches   []runtimePurger
)

// purgeRuntimeCaches drops all cached entries keyed by rt across every
// live RuntimeLocalCache. Called by a context when its runtime is torn
// down, so a destroyed runtime can never resurrect a stale artifact.
func purgeRuntimeCaches(rt *goja.Runtime) {
	cachesMu.Lock()
	list := make([]runtimePurger, len(caches))
	copy(list, caches)
	cachesMu.Unlock()

	for _, c := range list {
		c.purge(rt)
	}
}

func registerCache(c runtimePurger) {
	cachesMu.Lock()
	caches = append(caches, c)
	cachesMu.Unlock()
}

func unregisterCache(c runtimePurger) {
	cachesMu.Lock()
	for i, other := range caches {
		if other == c {
			caches = append(caches[:i], caches[i+1:]...)
			break
		}
	}
	cachesMu.Unlock()
}

// RuntimeLocalCache memoizes one T per runtime instance. The first Get for
// a given runtime default-constructs the entry; later Gets with the same
// runtime return the same entry, and a different runtime gets an
// independent one. Entries are purged when the owning context terminates.
type RuntimeLocalCache[T any] struct {
	mu      sync.Mutex
	entries map[*goja.Runtime]*T
}

// NewRuntimeLocalCache creates a cache and registers it for purging on
// runtime teardown. Call Release when the cache owner is done with it.
func NewRuntimeLocalCache[T any]() *RuntimeLocalCache[T] {
	c := &RuntimeLocalCache[T]{
		entries: make(map[*goja.Runtime]*T),
	}
	registerCache(c)
	return c
}

// Get returns the entry for rt, creating a zero-valued one on first
// access. The returned pointer is stable for the lifetime of rt.
func (c *RuntimeLocalCache[T]) Get(rt *goja.Runtime) *T {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[rt]
	if !ok {
		entry = new(T)
		c.entries[rt] = entry
	}
	return entry
}

// Entries returns a snapshot of the current per-runtime entries.
func (c *RuntimeLocalCache[T]) Entries() map[*goja.Runtime]*T {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[*goja.Runtime]*T, len(c.entries))
	for rt, entry := range c.entries {
		snapshot[rt] = entry
	}
	return snapshot
}

// Release unregisters the cache from the purge list and drops all entries.
func (c *RuntimeLocalCache[T]) Release() {
	unregisterCache(c)
	c.mu.Lock()
	c.entries = make(map[*goja.Runtime]*T)
	c.mu.Unlock()
}

func (c *RuntimeLocalCache[T]) purge(rt *goja.Runtime) {
	c.mu.Lock()
	delete(c.entries, rt)
	c.mu.Unlock()
}
