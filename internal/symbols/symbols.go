// Package symbols implements the Backtrace Resolver (§4.3): it turns one
// instruction address into the stable string key a Tracenode is keyed by,
// through the module-range / kallsyms / hex-address fallback chain, with a
// memoized cache that survives symbol reloads.
package symbols

import (
	"fmt"
	"sync"

	"github.com/clayding/memstrack/internal/ksyms"
)

// Resolver wraps a ksyms.Table with the three-tier resolution chain and an
// address-keyed cache.
type Resolver struct {
	table ksyms.Table

	mu    sync.RWMutex
	cache map[uint64]string
}

// New constructs a Resolver over table. Callers must call ReloadSymbols
// once before the first Resolve to populate the underlying table; an empty
// table simply resolves everything to its hex fallback.
func New(table ksyms.Table) *Resolver {
	return &Resolver{table: table, cache: make(map[uint64]string)}
}

// Resolve returns the stable key for addr, memoizing it. Once an address
// has been resolved, it keeps that key for the lifetime of the Resolver
// even across a later ReloadSymbols — the cache exists precisely to keep
// the accounting graph's structure stable across reloads, not to track the
// freshest possible symbol name.
func (r *Resolver) Resolve(addr uint64) string {
	r.mu.RLock()
	if key, ok := r.cache[addr]; ok {
		r.mu.RUnlock()
		return key
	}
	r.mu.RUnlock()

	key := r.resolve(addr)

	r.mu.Lock()
	r.cache[addr] = key
	r.mu.Unlock()
	return key
}

func (r *Resolver) resolve(addr uint64) string {
	if name, offset, ok := r.table.ModuleFor(addr); ok {
		return fmt.Sprintf("module:%s+%#x", name, offset)
	}
	if name, ok := r.table.Lookup(addr); ok {
		return name
	}
	return fmt.Sprintf("%#x", addr)
}

// ResolveBacktrace resolves every address in bt, preserving order.
func (r *Resolver) ResolveBacktrace(bt []uint64) []string {
	if len(bt) == 0 {
		return nil
	}
	out := make([]string, len(bt))
	for i, addr := range bt {
		out[i] = r.Resolve(addr)
	}
	return out
}

// ReloadSymbols re-parses the underlying table (e.g. after a module load),
// without touching any address already memoized in the cache.
func (r *Resolver) ReloadSymbols() error {
	return r.table.Load()
}

// Seed pre-populates the cache from a prior run's persisted symbolcache.
// Addresses it already holds (resolved earlier this run) are left
// untouched; only addr's absent from the in-memory cache are adopted from
// seed, so a restart reuses old keys without letting a stale persisted
// cache override anything resolved fresh since process start.
func (r *Resolver) Seed(seed map[uint64]string) {
	if len(seed) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, key := range seed {
		if _, ok := r.cache[addr]; !ok {
			r.cache[addr] = key
		}
	}
}

// CacheLen reports how many distinct addresses have been resolved so far,
// exposed for the debug server's /api/v1/stats endpoint.
func (r *Resolver) CacheLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// Export returns a copy of every address->key pair resolved so far, for a
// caller to persist into a symbolcache.Cache at shutdown.
func (r *Resolver) Export() map[uint64]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint64]string, len(r.cache))
	for addr, key := range r.cache {
		out[addr] = key
	}
	return out
}
