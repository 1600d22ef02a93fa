// Package report renders the one-shot text summary (task_summary or
// module_summary) over the Query Surface. It is deliberately thin: the UI
// collaborator is out of scope (§1 Non-goals), and this is only the
// minimal fallback rendering a human runs `memstrack` and expects to see.
package report

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/clayding/memstrack/internal/diagnostics"
	"github.com/clayding/memstrack/internal/tracenode"
)

const sizeMB = 1 << 20

// Graph is the subset of tracenode.Graph the reporter reads from.
type Graph interface {
	Tasks(topOnly bool) []tracenode.TaskView
	Modules(topOnly bool) []tracenode.ModuleView
	ChildrenOf(n *tracenode.Tracenode, topOnly bool) []tracenode.TracenodeView
}

// WriteTaskSummary renders every tracked task (or only those still holding
// pages, when topOnly is set) and its call graph, indented one level per
// Tracenode depth, widest allocator first.
func WriteTaskSummary(w io.Writer, g Graph, topOnly bool, counters diagnostics.Snapshot) error {
	tw := newTabwriter(w)
	writeHeader(tw, counters)
	fmt.Fprintln(tw, "PID\tPages\tPeak\tProcess")

	for _, task := range g.Tasks(topOnly) {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\n", task.PID, task.PagesAlloc, task.PagesAllocPeak, task.Name)
		writeChildren(tw, g, task.Node, 1, topOnly)
	}
	return tw.Flush()
}

// WriteModuleSummary is the module-root equivalent of WriteTaskSummary.
func WriteModuleSummary(w io.Writer, g Graph, topOnly bool, counters diagnostics.Snapshot) error {
	tw := newTabwriter(w)
	writeHeader(tw, counters)
	fmt.Fprintln(tw, "Pages\tPeak\tModule")

	for _, module := range g.Modules(topOnly) {
		fmt.Fprintf(tw, "%d\t%d\t%s\n", module.PagesAlloc, module.PagesAllocPeak, module.Name)
		writeChildren(tw, g, module.Node, 1, topOnly)
	}
	return tw.Flush()
}

func writeHeader(tw *tabwriter.Writer, counters diagnostics.Snapshot) {
	tracked := counters.PageAllocCounter - counters.PageFreeCounter
	mb := tracked * counters.PageSize / sizeMB
	fmt.Fprintf(tw, "Events captured: %d\n", counters.TraceCount)
	fmt.Fprintf(tw, "Pages tracked: %d (%d MB)\n", tracked, mb)
	if counters.DroppedEvents > 0 || counters.MalformedRecords > 0 || counters.UntrackedFree > 0 {
		fmt.Fprintf(tw, "dropped_events=%d malformed_records=%d untracked_free=%d\n",
			counters.DroppedEvents, counters.MalformedRecords, counters.UntrackedFree)
	}
	fmt.Fprintln(tw)
}

func writeChildren(tw *tabwriter.Writer, g Graph, n *tracenode.Tracenode, depth int, topOnly bool) {
	for _, child := range g.ChildrenOf(n, topOnly) {
		fmt.Fprintf(tw, "\t%d\t%d\t%s%s\n", child.PagesAlloc, child.PagesAllocPeak, indent(depth), child.Key)
		writeChildren(tw, g, child.Node, depth+1, topOnly)
	}
}

func indent(depth int) string {
	b := make([]byte, depth*2)
	for i := range b {
		b[i] = ' '
	}
	return string(b)
}

func newTabwriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
