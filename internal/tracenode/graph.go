package tracenode

import (
	"sync"

	"github.com/clayding/memstrack/internal/diagnostics"
)

// Graph is the live accounting state for one tracer run: the Task and
// Module root indexes, the Tracenode forest hanging off them, and the page
// frame map used to resolve frees back to the leaf that allocated them.
//
// Graph is safe for concurrent use. Charge/Uncharge take the write lock;
// every query-surface method takes the read lock, so the debug server can
// serve reads concurrently with the engine's single mutating goroutine
// without ever observing a torn charge/uncharge.
type Graph struct {
	mu sync.RWMutex

	maxFrames       int
	alwaysBacktrack bool

	tasks   map[int32]*Task
	modules map[string]*Module

	pageMap map[uint64]*Tracenode
	slabMap map[uint64]*Tracenode

	counters *diagnostics.Counters
}

// NewGraph constructs an empty Graph. maxFrames bounds how many backtrace
// entries are charged per event before the remainder collapses into a
// synthetic "<truncated>" child; alwaysBacktrack, when true, forces Uncharge
// to walk the full leaf-to-root chain for reporting even on the common path
// where the Page Map lookup alone already identifies the charged leaf.
func NewGraph(maxFrames int, alwaysBacktrack bool, counters *diagnostics.Counters) *Graph {
	return &Graph{
		maxFrames:       maxFrames,
		alwaysBacktrack: alwaysBacktrack,
		tasks:           make(map[int32]*Task),
		modules:         make(map[string]*Module),
		pageMap:         make(map[uint64]*Tracenode),
		slabMap:         make(map[uint64]*Tracenode),
		counters:        counters,
	}
}

func newRoot() *Tracenode {
	return &Tracenode{children: make(map[string]*Tracenode)}
}

// taskRoot returns the Task for pid, creating it if this is the first time
// the graph has seen it. An empty name leaves an existing task's name
// untouched; a non-empty name always overwrites, since comm can be
// rewritten (execve) after the task is first observed. Caller must hold
// g.mu for writing.
func (g *Graph) taskRoot(pid int32, name string) *Task {
	t, ok := g.tasks[pid]
	if !ok {
		if pid == 0 && name == "" {
			name = SwapperTaskName
		}
		t = &Task{PID: pid, Name: name, Node: newRoot()}
		g.tasks[pid] = t
		return t
	}
	if name != "" {
		t.Name = name
	}
	return t
}

// moduleRoot returns the Module for name, creating it on first sight.
// Caller must hold g.mu for writing.
func (g *Graph) moduleRoot(name string) *Module {
	if name == "" {
		name = KernelModuleName
	}
	m, ok := g.modules[name]
	if !ok {
		m = &Module{Name: name, Node: newRoot()}
		g.modules[name] = m
	}
	return m
}

func childFor(n *Tracenode, key string) *Tracenode {
	if n.children == nil {
		n.children = make(map[string]*Tracenode)
	}
	c, ok := n.children[key]
	if !ok {
		c = &Tracenode{parent: n, key: key}
		n.children[key] = c
	}
	return c
}

// descend walks backtrace under root, creating Tracenodes as needed, and
// returns the leaf. The backtrace is ordered innermost-frame-first, as
// emitted by the resolver; the path from root to leaf is built in reverse,
// so the frame nearest the task/module entry point sits closest to the
// root and the actual allocation call site ends up as the leaf. This
// matches the worked resolution of the graph-construction open question
// recorded in DESIGN.md: a later frame in the array is the shallower node.
//
// When len(backtrace) exceeds the configured frame budget, the outermost
// frames are kept, and the dropped innermost frames are collapsed into one
// synthetic "<truncated>" child inserted directly under root.
func (g *Graph) descend(root *Tracenode, backtrace []string) *Tracenode {
	cur := root
	bt := backtrace
	if len(bt) > g.maxFrames {
		cur = childFor(cur, TruncatedKey)
		bt = bt[len(bt)-g.maxFrames:]
	}
	for i := len(bt) - 1; i >= 0; i-- {
		cur = childFor(cur, bt[i])
	}
	return cur
}

func addPages(leaf *Tracenode, pages int64) {
	for n := leaf; n != nil; n = n.parent {
		if n.record == nil {
			n.record = &Record{}
		}
		n.record.PagesAlloc += pages
		if n.record.PagesAlloc > n.record.PagesAllocPeak {
			n.record.PagesAllocPeak = n.record.PagesAlloc
		}
	}
}

func subPages(leaf *Tracenode, pages int64) {
	for n := leaf; n != nil; n = n.parent {
		if n.record != nil {
			n.record.PagesAlloc -= pages
		}
	}
}

// ChargeTaskPages charges pages to the backtrace rooted at the task
// identified by pid/comm, creating the task and any missing Tracenodes
// along the way, and returns the leaf that was charged so the caller can
// register it against the Page Map.
func (g *Graph) ChargeTaskPages(pid int32, comm string, backtrace []string, pages int64) *Tracenode {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.taskRoot(pid, comm)
	leaf := g.descend(t.Node, backtrace)
	addPages(leaf, pages)
	return leaf
}

// ChargeModulePages is the module-root equivalent of ChargeTaskPages. The
// engine charges every event to its task root only and never calls this
// method, so Module roots hold pages only when a caller charges them here;
// UnchargePages releases pages from whichever leaf RegisterPages recorded.
func (g *Graph) ChargeModulePages(module string, backtrace []string, pages int64) *Tracenode {
	g.mu.Lock()
	defer g.mu.Unlock()
	m := g.moduleRoot(module)
	leaf := g.descend(m.Node, backtrace)
	addPages(leaf, pages)
	return leaf
}

// RegisterPages records that the n pages starting at pfn (order = log2 page
// count) were charged to leaf, so a later free of any of those frames can be
// attributed back to it.
func (g *Graph) RegisterPages(pfn uint64, order uint32, leaf *Tracenode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := uint64(1) << order
	for i := uint64(0); i < n; i++ {
		g.pageMap[pfn+i] = leaf
	}
}

// UnchargePages removes the n = 2^order page frames starting at pfn from the
// Page Map and subtracts one page from every resolved leaf's ancestor chain.
// A frame absent from the Page Map (freed without ever being observed as
// allocated, or already freed) is silently skipped and counted as an
// untracked free; it is not an error.
//
// When alwaysBacktrack is set (§4.4's page_free_always_backtrack mode),
// UnchargePages additionally resolves and returns the full leaf-to-root key
// path for each freed frame, leaf first, for diagnostic logging; in the
// default mode it returns nil since the Page Map hit alone already
// identifies the leaf and nothing downstream needs the whole path.
func (g *Graph) UnchargePages(pfn uint64, order uint32) [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := uint64(1) << order
	var untracked int64
	var paths [][]string
	for i := uint64(0); i < n; i++ {
		p := pfn + i
		leaf, ok := g.pageMap[p]
		if !ok {
			untracked++
			continue
		}
		delete(g.pageMap, p)
		subPages(leaf, 1)
		if g.alwaysBacktrack {
			paths = append(paths, leafPath(leaf))
		}
	}
	if untracked > 0 && g.counters != nil {
		g.counters.AddUntrackedFree(untracked)
	}
	return paths
}

// leafPath returns n's call-site keys from n up to (but not including) its
// root, leaf first.
func leafPath(n *Tracenode) []string {
	var path []string
	for cur := n; cur != nil && cur.parent != nil; cur = cur.parent {
		path = append(path, cur.key)
	}
	return path
}

// AlwaysBacktrack reports whether UnchargePages currently resolves the full
// leaf path on every free, the mode the spec's need_page_free_always_
// backtrack() hook (§6) controls.
func (g *Graph) AlwaysBacktrack() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.alwaysBacktrack
}

// SetAlwaysBacktrack flips the mode UnchargePages resolves under. It is the
// runtime side of the need_page_free_always_backtrack() hook: the debug
// API's PUT /api/v1/backtrack-mode route calls this in response to an
// operator (or the TUI collaborator named in the spec) request.
func (g *Graph) SetAlwaysBacktrack(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.alwaysBacktrack = enabled
}

// RegisterSlabPointer and UnchargeSlabPointer mirror the page-frame
// accounting path for the optional kmem_cache_alloc/free tracepoints: a
// slab object has no frame number, so the live allocation is indexed by its
// kernel pointer instead of a pfn range.
func (g *Graph) RegisterSlabPointer(ptr uint64, leaf *Tracenode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slabMap[ptr] = leaf
}

func (g *Graph) UnchargeSlabPointer(ptr uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	leaf, ok := g.slabMap[ptr]
	if !ok {
		if g.counters != nil {
			g.counters.AddUntrackedFree(1)
		}
		return
	}
	delete(g.slabMap, ptr)
	subPages(leaf, 1)
}

// MarkTaskExiting flags pid as having exited without removing its accrued
// Tracenode subtree; per-task history survives the process so a summary
// taken after the fact still attributes its allocations correctly.
func (g *Graph) MarkTaskExiting(pid int32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.tasks[pid]; ok {
		t.Exiting = true
	}
}

// Blob returns the opaque view-state pointer attached to n, if any.
func (g *Graph) Blob(n *Tracenode) any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n.record == nil {
		return nil
	}
	return n.record.Blob
}

// SetBlob attaches an opaque view-state pointer to n, creating its Record if
// this is the first time anything has been stored against a node with no
// charge history.
func (g *Graph) SetBlob(n *Tracenode, blob any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n.record == nil {
		n.record = &Record{}
	}
	n.record.Blob = blob
}
