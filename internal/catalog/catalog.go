// Package catalog implements the tile source registry: a concurrent id ->
// Source map plus a derived catalog of CatalogSourceEntry metadata.
package catalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/MeKo-Tech/martin-go/internal/idresolver"
	"github.com/MeKo-Tech/martin-go/internal/source"
)

// Catalog is a thread-safe registry of sources. Readers never block each
// other; writers (Add/Remove) are serialized.
type Catalog struct {
	mu       sync.RWMutex
	sources  map[string]source.Source
	resolver *idresolver.Resolver
}

// New builds an empty Catalog using resolver to assign ids on Add.
func New(resolver *idresolver.Resolver) *Catalog {
	return &Catalog{sources: make(map[string]source.Source), resolver: resolver}
}

// Add registers a source under the given requested display name and unique
// internal key, resolving a collision-free id via the IdResolver, and
// returns the id it was registered under.
func (c *Catalog) Add(requestedName, uniqueKey string, mk func(id string) (source.Source, error)) (string, error) {
	id := c.resolver.Resolve(requestedName, uniqueKey)
	s, err := mk(id)
	if err != nil {
		return "", fmt.Errorf("catalog: open source %q: %w", id, err)
	}

	c.mu.Lock()
	c.sources[id] = s
	c.mu.Unlock()
	return id, nil
}

// Get returns the source registered under id, if any.
func (c *Catalog) Get(id string) (source.Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sources[id]
	return s, ok
}

// Remove drops id from the catalog.
// Callers are responsible for invalidating related cache entries.
func (c *Catalog) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, id)
}

// Entries returns the derived catalog: id -> CatalogSourceEntry, for the
// GET /catalog response.
func (c *Catalog) Entries() map[string]source.CatalogSourceEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]source.CatalogSourceEntry, len(c.sources))
	for id, s := range c.sources {
		out[id] = source.CatalogEntry(s)
	}
	return out
}

// IDs returns a sorted snapshot of registered source ids.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sources))
	for id := range c.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered sources.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sources)
}
