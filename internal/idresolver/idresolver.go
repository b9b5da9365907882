// Package idresolver assigns globally unique, URL-safe source identifiers to
// configured sources, resolving collisions deterministically.
package idresolver

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var invalidChar = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// DefaultReserved lists identifiers that collide with fixed route prefixes
// in the HTTP surface and therefore must never be handed out as
// a source id.
var DefaultReserved = []string{"catalog", "health", "index", "reload"}

// Resolver assigns display ids to internal keys, guaranteeing:
//  1. reserved words are never returned;
//  2. no two distinct internal keys ever resolve to the same display id;
//  3. the same internal key with the same initial name always resolves to
//     the same display id (idempotent);
//  4. characters outside [A-Za-z0-9._-] are replaced with '-';
//  5. collisions are resolved by appending the lowest unused ".N" suffix.
type Resolver struct {
	mu       sync.Mutex
	claimed  map[string]string // display id -> internal key
	byKey    map[string]string // internal key -> display id (reverse index, idempotence)
	reserved map[string]struct{}
	log      *slog.Logger
}

// New builds a Resolver. Pass additional reserved words beyond DefaultReserved
// via extraReserved (e.g. configured source ids that must not be shadowed).
func New(log *slog.Logger, extraReserved ...string) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	reserved := make(map[string]struct{}, len(DefaultReserved)+len(extraReserved))
	for _, w := range DefaultReserved {
		reserved[w] = struct{}{}
	}
	for _, w := range extraReserved {
		reserved[w] = struct{}{}
	}
	return &Resolver{
		claimed:  make(map[string]string),
		byKey:    make(map[string]string),
		reserved: reserved,
		log:      log,
	}
}

// Resolve returns the display id for (name, uniqueKey). Calling it again
// with the same uniqueKey always returns the same id, even if name differs
// on the second call (the first claim wins).
func (r *Resolver) Resolve(name, uniqueKey string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byKey[uniqueKey]; ok {
		return existing
	}

	candidate := sanitize(name)
	if candidate == "" {
		candidate = "source"
	}

	id := candidate
	if r.isTaken(id) {
		r.log.Warn("source id collision, renaming", "requested", candidate, "key", uniqueKey)
		for n := 1; ; n++ {
			id = candidate + "." + strconv.Itoa(n)
			if !r.isTaken(id) {
				break
			}
		}
	}

	r.claimed[id] = uniqueKey
	r.byKey[uniqueKey] = id
	return id
}

// isTaken reports whether id is reserved or already claimed by a different
// internal key. Must be called with r.mu held.
func (r *Resolver) isTaken(id string) bool {
	if _, reserved := r.reserved[id]; reserved {
		return true
	}
	_, claimed := r.claimed[id]
	return claimed
}

func sanitize(name string) string {
	return invalidChar.ReplaceAllString(strings.TrimSpace(name), "-")
}
