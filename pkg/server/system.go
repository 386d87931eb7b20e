package server

import (
	"net/http"
	"time"

	"devopsagent/pkg/logx"
	"devopsagent/pkg/version"
)

// handleLogs serves buffered log entries. Filters: ?component=, ?task_id=
// and ?since= (RFC 3339).
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	var since time.Time
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	s.writeJSON(w, http.StatusOK, logx.RecentEntries(q.Get("component"), q.Get("task_id"), since))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	resp := map[string]any{
		"status":            "ok",
		"version":           version.String(),
		"active_tasks":      s.opts.Manager.Active(),
		"pending_approvals": s.opts.Approvals.Len(),
	}
	if s.opts.Breakers != nil {
		resp["circuit_breakers"] = s.opts.Breakers()
	}
	s.writeJSON(w, http.StatusOK, resp)
}
