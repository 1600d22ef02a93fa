// Package symbolcache persists resolved address->key pairs across tracer
// runs in a WAL-mode SQLite database, so a long-lived kallsyms/module dump
// doesn't have to be re-walked from scratch on every restart. This is
// explicitly NOT the accounting graph: the spec's non-goal of "no
// persistence of the accounting graph across runs" is untouched, since a
// symbol cache only ever speeds up re-deriving the same string keys a fresh
// in-memory symbols.Resolver would eventually compute anyway.
package symbolcache

import (
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Cache is a WAL-mode SQLite-backed store of (kernelFingerprint, addr) ->
// resolved key. It is safe for concurrent use.
//
// kernelFingerprint scopes every row to the kernel build the addresses were
// resolved against, so pointing the tracer at a different kernel (a new
// /proc/kallsyms after a reboot into another build) never serves a stale
// key computed against the old one.
type Cache struct {
	db          *sql.DB
	fingerprint string
	size        atomic.Int64
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. path ":memory:" is suitable for tests.
func Open(path, kernelFingerprint string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("symbolcache: open %q: %w", path, err)
	}

	// A single writer connection avoids "database is locked" errors; the
	// only writes come from cmd/memstrack persisting resolved keys at
	// shutdown.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("symbolcache: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("symbolcache: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("symbolcache: apply schema: %w", err)
	}

	c := &Cache{db: db, fingerprint: kernelFingerprint}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM symbol_cache WHERE fingerprint = ?`, kernelFingerprint).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("symbolcache: count rows: %w", err)
	}
	c.size.Store(count)

	return c, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS symbol_cache (
    fingerprint TEXT    NOT NULL,
    addr        INTEGER NOT NULL,
    sym_key     TEXT    NOT NULL,
    PRIMARY KEY (fingerprint, addr)
);
`

// Get looks up the cached key for addr under this cache's kernel
// fingerprint.
func (c *Cache) Get(addr uint64) (string, bool) {
	var key string
	err := c.db.QueryRow(
		`SELECT sym_key FROM symbol_cache WHERE fingerprint = ? AND addr = ?`,
		c.fingerprint, int64(addr),
	).Scan(&key)
	if err != nil {
		return "", false
	}
	return key, true
}

// Put persists addr -> key under this cache's kernel fingerprint. A
// previously stored key for the same address is overwritten, though callers
// normally only ever write an address once since resolved keys never change
// within a fingerprint.
func (c *Cache) Put(addr uint64, key string) error {
	_, existed := c.Get(addr)

	_, err := c.db.Exec(
		`INSERT INTO symbol_cache (fingerprint, addr, sym_key) VALUES (?, ?, ?)
		 ON CONFLICT (fingerprint, addr) DO UPDATE SET sym_key = excluded.sym_key`,
		c.fingerprint, int64(addr), key,
	)
	if err != nil {
		return fmt.Errorf("symbolcache: put: %w", err)
	}
	if !existed {
		c.size.Add(1)
	}
	return nil
}

// LoadAll returns every cached address->key pair for this cache's kernel
// fingerprint, for seeding a fresh symbols.Resolver at startup via
// symbols.Resolver.Seed.
func (c *Cache) LoadAll() (map[uint64]string, error) {
	rows, err := c.db.Query(`SELECT addr, sym_key FROM symbol_cache WHERE fingerprint = ?`, c.fingerprint)
	if err != nil {
		return nil, fmt.Errorf("symbolcache: load all: %w", err)
	}
	defer rows.Close()

	out := make(map[uint64]string)
	for rows.Next() {
		var addr int64
		var key string
		if err := rows.Scan(&addr, &key); err != nil {
			return nil, fmt.Errorf("symbolcache: scan row: %w", err)
		}
		out[uint64(addr)] = key
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("symbolcache: rows: %w", err)
	}
	return out, nil
}

// Len returns the number of rows cached under this cache's kernel
// fingerprint. It reads from an atomic counter maintained by Put, so it
// never blocks on the database.
func (c *Cache) Len() int {
	return int(c.size.Load())
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
