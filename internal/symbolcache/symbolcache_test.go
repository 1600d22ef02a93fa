package symbolcache_test

import (
	"path/filepath"
	"testing"

	"github.com/clayding/memstrack/internal/symbolcache"
)

// openMemCache opens an in-memory Cache and registers t.Cleanup to close it.
func openMemCache(t *testing.T, fingerprint string) *symbolcache.Cache {
	t.Helper()
	c, err := symbolcache.Open(":memory:", fingerprint)
	if err != nil {
		t.Fatalf("symbolcache.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestOpen_InMemory_EmptyLen(t *testing.T) {
	c := openMemCache(t, "6.8.0-generic")
	if n := c.Len(); n != 0 {
		t.Errorf("Len = %d after open, want 0", n)
	}
}

func TestOpen_FileDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "symbolcache.db")

	c, err := symbolcache.Open(path, "6.8.0-generic")
	if err != nil {
		t.Fatalf("symbolcache.Open(%q): %v", path, err)
	}
	_ = c.Close()
}

func TestPutThenGet_RoundTrips(t *testing.T) {
	c := openMemCache(t, "6.8.0-generic")

	if err := c.Put(0xffffffff81100000, "alloc_pages"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := c.Get(0xffffffff81100000)
	if !ok || got != "alloc_pages" {
		t.Fatalf("Get = %q, %v, want alloc_pages, true", got, ok)
	}
	if n := c.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestGet_MissingAddr_ReturnsFalse(t *testing.T) {
	c := openMemCache(t, "6.8.0-generic")
	if _, ok := c.Get(0x1234); ok {
		t.Error("Get on empty cache should return false")
	}
}

func TestFingerprintScopesRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "symbolcache.db")

	a, err := symbolcache.Open(path, "6.8.0-generic")
	if err != nil {
		t.Fatalf("Open a: %v", err)
	}
	if err := a.Put(0x1000, "alloc_pages"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_ = a.Close()

	b, err := symbolcache.Open(path, "6.9.0-generic")
	if err != nil {
		t.Fatalf("Open b: %v", err)
	}
	defer b.Close()

	if _, ok := b.Get(0x1000); ok {
		t.Error("a different kernel fingerprint must not see another build's cached keys")
	}
	if n := b.Len(); n != 0 {
		t.Errorf("Len = %d for a fresh fingerprint, want 0", n)
	}
}

func TestLoadAll_ReturnsEveryRowForFingerprint(t *testing.T) {
	c := openMemCache(t, "6.8.0-generic")
	if err := c.Put(0x1000, "alloc_pages"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Put(0x2000, "vfs_read"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	all, err := c.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 2 || all[0x1000] != "alloc_pages" || all[0x2000] != "vfs_read" {
		t.Fatalf("LoadAll = %+v", all)
	}
}

func TestPut_OverwritesExistingKey(t *testing.T) {
	c := openMemCache(t, "6.8.0-generic")
	if err := c.Put(0x1000, "old_name"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.Put(0x1000, "new_name"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := c.Get(0x1000)
	if !ok || got != "new_name" {
		t.Fatalf("Get = %q, %v, want new_name, true", got, ok)
	}
	if n := c.Len(); n != 1 {
		t.Errorf("Len = %d after overwriting an existing key, want 1", n)
	}
}
