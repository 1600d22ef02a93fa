package debugserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// handleHealthz responds to GET /healthz. No authentication required, so
// orchestrators and operators can verify liveness without a token.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetTasks responds to GET /api/v1/tasks.
//
// Supported query parameters:
//
//	top_only – when "true", omit tasks whose current pages_alloc is zero
//
// Returns the Task index sorted by descending pages_alloc (§4.7).
func (s *Server) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.graph.Tasks(queryBool(r, "top_only"))
	writeJSON(w, http.StatusOK, tasks)
}

// handleGetModules responds to GET /api/v1/modules with the Module index
// sorted by descending pages_alloc.
func (s *Server) handleGetModules(w http.ResponseWriter, r *http.Request) {
	modules := s.graph.Modules(queryBool(r, "top_only"))
	writeJSON(w, http.StatusOK, modules)
}

// handleGetTracenodeChildren responds to GET /api/v1/tracenodes/{root}.
//
// root identifies a Task or Module root as "task-<pid>" or
// "module-<name>" and the response is that root's direct call-graph
// children, sorted by descending pages_alloc. Only that first level is
// exposed; no route of the debug API descends below a root's direct
// children.
func (s *Server) handleGetTracenodeChildren(w http.ResponseWriter, r *http.Request) {
	root := chi.URLParam(r, "root")

	switch {
	case strings.HasPrefix(root, "task-"):
		pidStr := strings.TrimPrefix(root, "task-")
		pid, err := strconv.ParseInt(pidStr, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "task root must be \"task-<pid>\"")
			return
		}
		task, ok := s.graph.TaskByPID(int32(pid))
		if !ok {
			writeError(w, http.StatusNotFound, "no such task")
			return
		}
		writeJSON(w, http.StatusOK, s.graph.ChildrenOf(task.Node, queryBool(r, "top_only")))

	case strings.HasPrefix(root, "module-"):
		name := strings.TrimPrefix(root, "module-")
		module, ok := s.graph.ModuleByName(name)
		if !ok {
			writeError(w, http.StatusNotFound, "no such module")
			return
		}
		writeJSON(w, http.StatusOK, s.graph.ChildrenOf(module.Node, queryBool(r, "top_only")))

	default:
		writeError(w, http.StatusBadRequest, "root must be \"task-<pid>\" or \"module-<name>\"")
	}
}

// handleGetStats responds to GET /api/v1/stats with the engine's counter
// and cache-size snapshot (§6 diagnostic globals).
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.statsFunc())
}

// backtrackModeBody is the JSON shape shared by the backtrack-mode GET and
// PUT handlers.
type backtrackModeBody struct {
	AlwaysBacktrack bool `json:"always_backtrack"`
}

// handleGetBacktrackMode responds to GET /api/v1/backtrack-mode with the
// Tracenode Graph's current page_free_always_backtrack setting (§4.4).
func (s *Server) handleGetBacktrackMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, backtrackModeBody{AlwaysBacktrack: s.graph.AlwaysBacktrack()})
}

// handleSetBacktrackMode responds to PUT /api/v1/backtrack-mode, the HTTP
// realization of the spec's need_page_free_always_backtrack() hook (§6): it
// flips whether every subsequent page free resolves and logs its full
// leaf-to-root path instead of only updating counters.
func (s *Server) handleSetBacktrackMode(w http.ResponseWriter, r *http.Request) {
	var body backtrackModeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.graph.SetAlwaysBacktrack(body.AlwaysBacktrack)
	writeJSON(w, http.StatusOK, body)
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
