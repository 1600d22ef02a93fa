package debugserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/clayding/memstrack/internal/diagnostics"
	"github.com/clayding/memstrack/internal/engine"
	"github.com/clayding/memstrack/internal/tracenode"
)

func newTestGraph() *tracenode.Graph {
	counters := diagnostics.New(4096)
	g := tracenode.NewGraph(64, false, counters)
	g.ChargeTaskPages(100, "stress", []string{"alloc_pages", "do_mmap"}, 4)
	g.ChargeModulePages("nf_conntrack", []string{"nf_conntrack_init"}, 2)
	return g
}

func TestHandleHealthz_Returns200(t *testing.T) {
	srv := NewServer(newTestGraph(), func() engine.Stats { return engine.Stats{} })
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.handleHealthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestHandleGetTasks_ReturnsSortedTasks(t *testing.T) {
	srv := NewServer(newTestGraph(), func() engine.Stats { return engine.Stats{} })
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	srv.handleGetTasks(rec, req)

	var tasks []tracenode.TaskView
	if err := json.NewDecoder(rec.Body).Decode(&tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 1 || tasks[0].PID != 100 {
		t.Fatalf("tasks = %+v, want one task with pid 100", tasks)
	}
	if tasks[0].PagesAlloc != 4 {
		t.Errorf("PagesAlloc = %d, want 4", tasks[0].PagesAlloc)
	}
}

func TestHandleGetModules_ReturnsModules(t *testing.T) {
	srv := NewServer(newTestGraph(), func() engine.Stats { return engine.Stats{} })
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/modules", nil)
	srv.handleGetModules(rec, req)

	var modules []tracenode.ModuleView
	if err := json.NewDecoder(rec.Body).Decode(&modules); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(modules) != 1 || modules[0].Name != "nf_conntrack" {
		t.Fatalf("modules = %+v, want nf_conntrack", modules)
	}
}

func TestHandleGetStats_ReturnsStatsFuncResult(t *testing.T) {
	want := engine.Stats{PollCount: 7}
	srv := NewServer(newTestGraph(), func() engine.Stats { return want })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	srv.handleGetStats(rec, req)

	var got engine.Stats
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.PollCount != 7 {
		t.Errorf("PollCount = %d, want 7", got.PollCount)
	}
}

func TestHandleGetTracenodeChildren_UnknownPrefix_Returns400(t *testing.T) {
	r := NewRouter(NewServer(newTestGraph(), func() engine.Stats { return engine.Stats{} }), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tracenodes/bogus-1", nil)
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleGetTracenodeChildren_TaskRoot_ReturnsChildren(t *testing.T) {
	r := NewRouter(NewServer(newTestGraph(), func() engine.Stats { return engine.Stats{} }), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tracenodes/task-100", nil)
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var children []tracenode.TracenodeView
	if err := json.NewDecoder(rec.Body).Decode(&children); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(children) != 1 || children[0].Key != "do_mmap" {
		t.Fatalf("children = %+v, want one child keyed do_mmap", children)
	}
}

func TestHandleGetTracenodeChildren_UnknownTask_Returns404(t *testing.T) {
	r := NewRouter(NewServer(newTestGraph(), func() engine.Stats { return engine.Stats{} }), nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tracenodes/task-999", nil)
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleGetBacktrackMode_ReturnsGraphSetting(t *testing.T) {
	graph := newTestGraph()
	graph.SetAlwaysBacktrack(true)
	srv := NewServer(graph, func() engine.Stats { return engine.Stats{} })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/backtrack-mode", nil)
	srv.handleGetBacktrackMode(rec, req)

	var body backtrackModeBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.AlwaysBacktrack {
		t.Errorf("always_backtrack = false, want true")
	}
}

func TestHandleSetBacktrackMode_FlipsGraphSetting(t *testing.T) {
	graph := newTestGraph()
	srv := NewServer(graph, func() engine.Stats { return engine.Stats{} })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/backtrack-mode", strings.NewReader(`{"always_backtrack": true}`))
	srv.handleSetBacktrackMode(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if !graph.AlwaysBacktrack() {
		t.Errorf("graph.AlwaysBacktrack() = false, want true after PUT")
	}
}

func TestHandleSetBacktrackMode_InvalidBody_Returns400(t *testing.T) {
	srv := NewServer(newTestGraph(), func() engine.Stats { return engine.Stats{} })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/backtrack-mode", strings.NewReader(`not json`))
	srv.handleSetBacktrackMode(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
