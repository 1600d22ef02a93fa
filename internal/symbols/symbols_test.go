package symbols

import "testing"

type fakeTable struct {
	modules map[uint64]struct {
		name   string
		offset uint64
	}
	symbols  map[uint64]string
	loadCall int
}

func (t *fakeTable) Load() error { t.loadCall++; return nil }

func (t *fakeTable) Lookup(addr uint64) (string, bool) {
	n, ok := t.symbols[addr]
	return n, ok
}

func (t *fakeTable) ModuleFor(addr uint64) (string, uint64, bool) {
	m, ok := t.modules[addr]
	if !ok {
		return "", 0, false
	}
	return m.name, m.offset, true
}

func TestResolvePrefersModuleOverSymbol(t *testing.T) {
	tbl := &fakeTable{
		modules: map[uint64]struct {
			name   string
			offset uint64
		}{0x1000: {"nf_conntrack", 0x10}},
		symbols: map[uint64]string{0x1000: "should_not_win"},
	}
	r := New(tbl)
	if got := r.Resolve(0x1000); got != "module:nf_conntrack+0x10" {
		t.Fatalf("Resolve = %q", got)
	}
}

func TestResolveFallsBackToSymbolThenHex(t *testing.T) {
	tbl := &fakeTable{symbols: map[uint64]string{0x2000: "alloc_pages"}}
	r := New(tbl)

	if got := r.Resolve(0x2000); got != "alloc_pages" {
		t.Fatalf("Resolve = %q, want alloc_pages", got)
	}
	if got := r.Resolve(0x3000); got != "0x3000" {
		t.Fatalf("Resolve = %q, want hex fallback", got)
	}
}

func TestReloadDoesNotChangeAlreadyCachedKeys(t *testing.T) {
	tbl := &fakeTable{symbols: map[uint64]string{0x4000: "v1"}}
	r := New(tbl)

	first := r.Resolve(0x4000)

	tbl.symbols[0x4000] = "v2"
	if err := r.ReloadSymbols(); err != nil {
		t.Fatalf("ReloadSymbols: %v", err)
	}
	second := r.Resolve(0x4000)

	if first != second {
		t.Fatalf("cached key changed after reload: %q -> %q", first, second)
	}
	if tbl.loadCall != 1 {
		t.Fatalf("Load called %d times, want 1", tbl.loadCall)
	}
}

func TestSeedDoesNotOverrideAlreadyCachedAddr(t *testing.T) {
	tbl := &fakeTable{symbols: map[uint64]string{0x5000: "live_value"}}
	r := New(tbl)

	first := r.Resolve(0x5000)
	r.Seed(map[uint64]string{0x5000: "stale_persisted_value", 0x6000: "fresh_from_disk"})

	if got := r.Resolve(0x5000); got != first {
		t.Fatalf("Seed overrode an already-cached address: %q -> %q", first, got)
	}
	if got := r.Resolve(0x6000); got != "fresh_from_disk" {
		t.Fatalf("Resolve(0x6000) = %q, want the seeded value", got)
	}
}

func TestExportReturnsResolvedEntries(t *testing.T) {
	tbl := &fakeTable{symbols: map[uint64]string{0x7000: "do_mmap"}}
	r := New(tbl)
	r.Resolve(0x7000)

	out := r.Export()
	if out[0x7000] != "do_mmap" {
		t.Fatalf("Export()[0x7000] = %q, want do_mmap", out[0x7000])
	}

	out[0x7000] = "mutated"
	if got := r.Resolve(0x7000); got != "do_mmap" {
		t.Fatalf("mutating Export's result affected the resolver cache: %q", got)
	}
}

func TestResolveBacktracePreservesOrder(t *testing.T) {
	tbl := &fakeTable{symbols: map[uint64]string{0x10: "a", 0x20: "b"}}
	r := New(tbl)
	got := r.ResolveBacktrace([]uint64{0x10, 0x20, 0x30})
	want := []string{"a", "b", "0x30"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ResolveBacktrace[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
