// Package debugserver provides the HTTP debug API layer for the memory
// allocation tracer: a chi router, JWT bearer-auth middleware, and handler
// functions serving the Query Surface (§4.7) over HTTP. Every route is
// read-only except PUT /api/v1/backtrack-mode, the HTTP side of the spec's
// need_page_free_always_backtrack() hook (§6).
package debugserver

import (
	"github.com/clayding/memstrack/internal/engine"
	"github.com/clayding/memstrack/internal/tracenode"
)

// Graph is the subset of tracenode.Graph methods the debug API serves.
// Defining an interface lets handlers be tested against a small fake without
// standing up a live engine.
type Graph interface {
	Tasks(topOnly bool) []tracenode.TaskView
	Modules(topOnly bool) []tracenode.ModuleView
	TaskByPID(pid int32) (tracenode.TaskView, bool)
	ModuleByName(name string) (tracenode.ModuleView, bool)
	ChildrenOf(n *tracenode.Tracenode, topOnly bool) []tracenode.TracenodeView
	AlwaysBacktrack() bool
	SetAlwaysBacktrack(enabled bool)
}

// StatsFunc produces a fresh engine.Stats snapshot on each call. Declared as
// a function type rather than an interface because the snapshot depends on
// collaborators (engine, symbol cache) that live in different packages with
// no single natural owner.
type StatsFunc func() engine.Stats

// Server holds the dependencies needed by the debug API handlers.
type Server struct {
	graph     Graph
	statsFunc StatsFunc
}

// NewServer creates a new Server over graph, using statsFunc to serve
// /api/v1/stats.
func NewServer(graph Graph, statsFunc StatsFunc) *Server {
	return &Server{graph: graph, statsFunc: statsFunc}
}
