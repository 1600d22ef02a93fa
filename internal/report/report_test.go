package report_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/clayding/memstrack/internal/diagnostics"
	"github.com/clayding/memstrack/internal/report"
	"github.com/clayding/memstrack/internal/tracenode"
)

func newGraph(t *testing.T) *tracenode.Graph {
	t.Helper()
	counters := diagnostics.New(4096)
	g := tracenode.NewGraph(64, false, counters)
	g.ChargeTaskPages(100, "stress", []string{"alloc_pages", "do_mmap"}, 4)
	g.ChargeModulePages("nf_conntrack", []string{"nf_conntrack_init"}, 2)
	return g
}

func TestWriteTaskSummary_IncludesTaskAndChild(t *testing.T) {
	g := newGraph(t)
	counters := diagnostics.New(4096).Snapshot()

	var buf bytes.Buffer
	if err := report.WriteTaskSummary(&buf, g, false, counters); err != nil {
		t.Fatalf("WriteTaskSummary: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "stress") {
		t.Errorf("output missing task name:\n%s", out)
	}
	if !strings.Contains(out, "do_mmap") {
		t.Errorf("output missing child call-graph key:\n%s", out)
	}
}

func TestWriteModuleSummary_IncludesModule(t *testing.T) {
	g := newGraph(t)
	counters := diagnostics.New(4096).Snapshot()

	var buf bytes.Buffer
	if err := report.WriteModuleSummary(&buf, g, false, counters); err != nil {
		t.Fatalf("WriteModuleSummary: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "nf_conntrack") {
		t.Errorf("output missing module name:\n%s", out)
	}
	if !strings.Contains(out, "nf_conntrack_init") {
		t.Errorf("output missing child call-graph key:\n%s", out)
	}
}

func TestWriteTaskSummary_TopOnlyOmitsFullyFreed(t *testing.T) {
	counters := diagnostics.New(4096)
	g := tracenode.NewGraph(64, false, counters)
	leaf := g.ChargeTaskPages(200, "transient", nil, 1)
	g.RegisterPages(0x9000, 0, leaf)
	g.UnchargePages(0x9000, 0)

	var buf bytes.Buffer
	if err := report.WriteTaskSummary(&buf, g, true, counters.Snapshot()); err != nil {
		t.Fatalf("WriteTaskSummary: %v", err)
	}
	if strings.Contains(buf.String(), "transient") {
		t.Errorf("top_only summary should omit a fully-freed task:\n%s", buf.String())
	}
}

func TestWriteHeader_SurfacesDiagnosticCounters(t *testing.T) {
	g := newGraph(t)
	counters := diagnostics.Snapshot{DroppedEvents: 3, MalformedRecords: 1}

	var buf bytes.Buffer
	if err := report.WriteTaskSummary(&buf, g, false, counters); err != nil {
		t.Fatalf("WriteTaskSummary: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "dropped_events=3") {
		t.Errorf("output missing dropped_events counter:\n%s", out)
	}
}
