// Package ksyms is the Symbol table collaborator named in the spec: a pure
// lookup_symbol(address) -> name function, backed by /proc/kallsyms and
// /proc/modules. It is deliberately thin — the interesting work lives in
// internal/symbols, which owns the memoized module-range/kallsyms/hex
// fallback chain and calls into a Table for the raw data.
package ksyms

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Symbol is one kallsyms entry: an address and the function/data name the
// kernel exports for it.
type Symbol struct {
	Addr uint64
	Name string
}

// ModuleRange is one loaded kernel module's address range, as reported by
// /proc/modules.
type ModuleRange struct {
	Name string
	Base uint64
	Size uint64
}

func (m ModuleRange) contains(addr uint64) bool {
	return addr >= m.Base && addr < m.Base+m.Size
}

// Table is the collaborator interface: load the current symbol/module
// tables and answer address lookups against them.
type Table interface {
	Load() error
	Lookup(addr uint64) (name string, ok bool)
	ModuleFor(addr uint64) (name string, offset uint64, ok bool)
}

// ProcTable is the default Table, parsing /proc/kallsyms and /proc/modules
// the same way the teacher's network watcher parses /proc/net/tcp: open,
// scan lines, split fields, skip what doesn't parse.
type ProcTable struct {
	KallsymsPath string
	ModulesPath  string

	mu      sync.RWMutex
	symbols []Symbol // sorted ascending by Addr
	modules []ModuleRange
}

// NewProcTable returns a Table reading the standard /proc paths.
func NewProcTable() *ProcTable {
	return &ProcTable{
		KallsymsPath: "/proc/kallsyms",
		ModulesPath:  "/proc/modules",
	}
}

func (t *ProcTable) Load() error {
	symbols, err := readKallsyms(t.KallsymsPath)
	if err != nil {
		return fmt.Errorf("ksyms: load kallsyms: %w", err)
	}
	modules, err := readModules(t.ModulesPath)
	if err != nil {
		return fmt.Errorf("ksyms: load modules: %w", err)
	}

	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Addr < symbols[j].Addr })

	t.mu.Lock()
	t.symbols = symbols
	t.modules = modules
	t.mu.Unlock()
	return nil
}

// Lookup returns the nearest symbol at or below addr, the conventional
// kallsyms resolution rule (a function's address is its entry point; any
// address inside its body resolves to that same name).
func (t *ProcTable) Lookup(addr uint64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.symbols) == 0 {
		return "", false
	}
	i := sort.Search(len(t.symbols), func(i int) bool { return t.symbols[i].Addr > addr })
	if i == 0 {
		return "", false
	}
	return t.symbols[i-1].Name, true
}

func (t *ProcTable) ModuleFor(addr uint64) (string, uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.modules {
		if m.contains(addr) {
			return m.Name, addr - m.Base, true
		}
	}
	return "", 0, false
}

// readKallsyms parses lines of the form "<addr> <type> <name> [<module>]".
// Data symbols (lowercase type letters) are kept alongside text symbols;
// nothing in this tracer's call chains resolves to a kallsyms module
// suffix, since per-module symbols are attributed through ModuleFor's
// address-range table instead.
func readKallsyms(path string) ([]Symbol, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Symbol
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		out = append(out, Symbol{Addr: addr, Name: fields[2]})
	}
	return out, scanner.Err()
}

// readModules parses /proc/modules lines:
//
//	<name> <size> <refcount> <deps> <state> <base_address>
func readModules(path string) ([]ModuleRange, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []ModuleRange
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		size, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		base, err := strconv.ParseUint(strings.TrimPrefix(fields[5], "0x"), 16, 64)
		if err != nil {
			continue
		}
		out = append(out, ModuleRange{Name: fields[0], Base: base, Size: size})
	}
	return out, scanner.Err()
}
