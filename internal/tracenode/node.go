// Package tracenode implements the allocation-accounting engine: the
// call-graph forest of Tracenodes, the Task/Module root index, the page
// frame map used to attribute frees back to their allocating call site, and
// the sorted query surface over all of it.
//
// A single Graph value owns every Tracenode for the lifetime of a run (see
// the design note on global mutable state: the graph is an explicitly
// constructed value passed by reference, never a package-level singleton).
// Tracenodes are never destroyed while the engine runs; the forest only
// grows for the lifetime of the Graph value.
package tracenode

// Tracenode is one call-site in the allocation backtrace forest. Every
// Tracenode is exclusively owned by its parent's children map (or, for a
// root, by the Task/Module index in Graph); parent is a weak back-reference
// that never determines lifetime.
type Tracenode struct {
	parent   *Tracenode
	key      string
	children map[string]*Tracenode
	record   *Record
}

// Key returns the call-site identifier this node was created for: a
// symbolic name, a "module:<name>+<offset>" string, a raw hex address, or
// the synthetic "<truncated>" marker. Roots (Task/Module) have an empty key;
// use Task.Name / Module.Name instead.
func (n *Tracenode) Key() string { return n.key }

// Parent returns the back-reference to the owning node, or nil if n is a
// root.
func (n *Tracenode) Parent() *Tracenode { return n.parent }

// ChildCount reports how many distinct call-sites have been observed as
// children of n.
func (n *Tracenode) ChildCount() int { return len(n.children) }

// Record returns the counters attached to n, or nil if no allocation has ever
// been charged directly or transitively through n and no blob has been set
// on it with Graph.SetBlob.
func (n *Tracenode) Record() *Record { return n.record }

// Record is the set of running counters attached to a Tracenode once at
// least one allocation has been charged to it or to its subtree.
type Record struct {
	// PagesAlloc is the total page count currently charged to the subtree
	// rooted at this node.
	PagesAlloc int64
	// PagesAllocPeak is the running maximum PagesAlloc has ever reached.
	// It never decreases during a run.
	PagesAllocPeak int64
	// Blob is an opaque view-state pointer owned by the UI/report
	// collaborator (e.g. a cached formatted row, a fold/expand flag). The
	// graph never inspects it.
	Blob any
}

// Task is a root Tracenode extended with the observation-time process
// identity. Task roots are created lazily on first charge and live for the
// duration of the run even after the process exits (Exiting is set instead).
type Task struct {
	Node *Tracenode

	PID     int32
	Name    string
	Exiting bool
}

// Module is a root Tracenode extended with the kernel module's name, or the
// literal "[kernel.kallsyms]" for core-kernel allocations not attributed to
// any loadable module.
type Module struct {
	Node *Tracenode

	Name string
}

// KernelModuleName is the synthetic module name used for allocations whose
// backtrace resolves to core kernel text rather than a loadable module.
const KernelModuleName = "[kernel.kallsyms]"

// SwapperTaskName is the synthetic task name for pid 0, covering idle and
// kernel-thread allocation events, accounted per the spec's resolution of an
// inconsistency in the original tool's pid==0 handling.
const SwapperTaskName = "swapper"

// TruncatedKey is the synthetic child key inserted directly under a root
// when a backtrace exceeds the configured frame limit.
const TruncatedKey = "<truncated>"

func pagesOf(n *Tracenode) int64 {
	if n == nil || n.record == nil {
		return 0
	}
	return n.record.PagesAlloc
}

func peakOf(n *Tracenode) int64 {
	if n == nil || n.record == nil {
		return 0
	}
	return n.record.PagesAllocPeak
}
