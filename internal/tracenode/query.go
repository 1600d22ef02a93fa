package tracenode

import "sort"

// TaskView is an immutable snapshot of a Task root taken at query time.
// Mutating the live graph afterward never retroactively changes a
// previously returned TaskView; take a fresh query to see new totals.
type TaskView struct {
	PID            int32
	Name           string
	Exiting        bool
	PagesAlloc     int64
	PagesAllocPeak int64

	// Node is an opaque handle back into the live graph, for passing to
	// ChildrenOf to recurse into this task's call-graph.
	Node *Tracenode
}

// ModuleView is the module-root equivalent of TaskView.
type ModuleView struct {
	Name           string
	PagesAlloc     int64
	PagesAllocPeak int64
	Node           *Tracenode
}

// TracenodeView is an immutable snapshot of one non-root call-site.
type TracenodeView struct {
	Key            string
	PagesAlloc     int64
	PagesAllocPeak int64
	ChildCount     int
	Node           *Tracenode
}

func snapshotTask(t *Task) TaskView {
	return TaskView{
		PID:            t.PID,
		Name:           t.Name,
		Exiting:        t.Exiting,
		PagesAlloc:     pagesOf(t.Node),
		PagesAllocPeak: peakOf(t.Node),
		Node:           t.Node,
	}
}

func snapshotModule(m *Module) ModuleView {
	return ModuleView{
		Name:           m.Name,
		PagesAlloc:     pagesOf(m.Node),
		PagesAllocPeak: peakOf(m.Node),
		Node:           m.Node,
	}
}

func snapshotNode(n *Tracenode) TracenodeView {
	return TracenodeView{
		Key:            n.key,
		PagesAlloc:     pagesOf(n),
		PagesAllocPeak: peakOf(n),
		ChildCount:     len(n.children),
		Node:           n,
	}
}

// Tasks returns every tracked task, sorted by descending PagesAlloc with
// ties broken by ascending name. When topOnly is true, tasks whose current
// PagesAlloc is zero (fully freed, or never directly charged) are omitted.
func (g *Graph) Tasks(topOnly bool) []TaskView {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]TaskView, 0, len(g.tasks))
	for _, t := range g.tasks {
		if topOnly && pagesOf(t.Node) == 0 {
			continue
		}
		out = append(out, snapshotTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PagesAlloc != out[j].PagesAlloc {
			return out[i].PagesAlloc > out[j].PagesAlloc
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Modules is the module-root equivalent of Tasks.
func (g *Graph) Modules(topOnly bool) []ModuleView {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]ModuleView, 0, len(g.modules))
	for _, m := range g.modules {
		if topOnly && pagesOf(m.Node) == 0 {
			continue
		}
		out = append(out, snapshotModule(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PagesAlloc != out[j].PagesAlloc {
			return out[i].PagesAlloc > out[j].PagesAlloc
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ChildrenOf returns the direct children of n (a Node handle obtained from a
// TaskView, ModuleView, or another TracenodeView), sorted by descending
// PagesAlloc with ties broken by ascending key.
func (g *Graph) ChildrenOf(n *Tracenode, topOnly bool) []TracenodeView {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]TracenodeView, 0, len(n.children))
	for _, c := range n.children {
		if topOnly && pagesOf(c) == 0 {
			continue
		}
		out = append(out, snapshotNode(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PagesAlloc != out[j].PagesAlloc {
			return out[i].PagesAlloc > out[j].PagesAlloc
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// TaskByPID looks up a single task's current snapshot without walking the
// whole index, for the debug server's single-resource endpoint.
func (g *Graph) TaskByPID(pid int32) (TaskView, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[pid]
	if !ok {
		return TaskView{}, false
	}
	return snapshotTask(t), true
}

// ModuleByName is the module equivalent of TaskByPID.
func (g *Graph) ModuleByName(name string) (ModuleView, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.modules[name]
	if !ok {
		return ModuleView{}, false
	}
	return snapshotModule(m), true
}

// PageMapLen and SlabMapLen report the current live-allocation table sizes,
// used by the debug server's /api/v1/stats endpoint and by tests asserting
// that a matched alloc/free round trip leaves no residue.
func (g *Graph) PageMapLen() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.pageMap)
}

func (g *Graph) SlabMapLen() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.slabMap)
}
