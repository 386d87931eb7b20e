package server

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"devopsagent/pkg/agent/llm"
	"devopsagent/pkg/eventlog"
	"devopsagent/pkg/orchestrator"
	"devopsagent/pkg/persistence"
	"devopsagent/pkg/proto"
)

const defaultTaskListLimit = 100

// taskView merges the live and the persisted record of a task.
type taskView struct {
	TaskID       string           `json:"task_id"`
	RepoName     string           `json:"repo_name"`
	Input        string           `json:"input"`
	RefinedInput string           `json:"refined_input,omitempty"`
	Status       proto.TaskStatus `json:"status"`
	FinalAnswer  string           `json:"final_answer,omitempty"`
	Error        string           `json:"error,omitempty"`
	PendingSteps []string         `json:"pending_steps,omitempty"`
	Live         bool             `json:"live"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

type llmOutputResponse struct {
	TaskID       string                  `json:"task_id"`
	Status       proto.TaskStatus        `json:"status"`
	RefinedInput string                  `json:"refined_input,omitempty"`
	LLMOutput    []string                `json:"llm_output"`
	History      []llm.CompletionMessage `json:"history"`
}

func viewFromLive(t *orchestrator.Task) taskView {
	return taskView{
		TaskID:       t.ID,
		RepoName:     t.RepoName,
		Input:        t.Input,
		RefinedInput: t.RefinedInput,
		Status:       t.Status,
		Live:         true,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func viewFromStored(t *persistence.Task) taskView {
	return taskView{
		TaskID:       t.ID,
		RepoName:     t.Repo,
		Input:        t.Input,
		RefinedInput: t.RefinedInput,
		Status:       t.Status,
		FinalAnswer:  t.FinalAnswer,
		Error:        t.ErrorText,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

// lookupTask prefers the live record and fills in what only the store knows.
func (s *Server) lookupTask(r *http.Request, id string) (taskView, bool, error) {
	live, ok := s.opts.Manager.Task(id)
	var stored *persistence.Task
	if s.opts.Store != nil {
		t, err := s.opts.Store.GetTask(r.Context(), id)
		switch {
		case errors.Is(err, persistence.ErrNotFound):
		case err != nil:
			if !ok {
				return taskView{}, false, err
			}
			s.logger.Warn("load task %s: %v", id, err)
		default:
			stored = t
		}
	}

	switch {
	case ok:
		v := viewFromLive(&live)
		if stored != nil {
			v.FinalAnswer = stored.FinalAnswer
			v.Error = stored.ErrorText
		}
		v.PendingSteps = s.opts.Approvals.Pending(id)
		return v, true, nil
	case stored != nil:
		return viewFromStored(stored), true, nil
	default:
		return taskView{}, false, nil
	}
}

// handleLLMOutput returns the model trace of a task: every assistant reply
// plus the full conversation.
func (s *Server) handleLLMOutput(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	id := r.PathValue("task_id")

	resp := llmOutputResponse{TaskID: id, LLMOutput: []string{}}
	if live, ok := s.opts.Manager.Task(id); ok {
		resp.Status = live.Status
		resp.RefinedInput = live.RefinedInput
		resp.History = live.History
	} else if s.opts.Store != nil {
		t, err := s.opts.Store.GetTask(r.Context(), id)
		if errors.Is(err, persistence.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		history, err := s.opts.Store.ListMessages(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Status = t.Status
		resp.RefinedInput = t.RefinedInput
		resp.History = history
	} else {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}

	for _, msg := range resp.History {
		if msg.Role == llm.RoleAssistant {
			resp.LLMOutput = append(resp.LLMOutput, msg.Content)
		}
	}
	if resp.History == nil {
		resp.History = []llm.CompletionMessage{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleTasks lists live and persisted tasks, newest first. ?limit= bounds
// the persisted part.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	limit := defaultTaskListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	seen := make(map[string]bool)
	views := []taskView{}
	for _, t := range s.opts.Manager.Tasks() {
		seen[t.ID] = true
		views = append(views, viewFromLive(&t))
	}
	if s.opts.Store != nil {
		stored, err := s.opts.Store.ListTasks(r.Context(), limit)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, t := range stored {
			if !seen[t.ID] {
				views = append(views, viewFromStored(t))
			}
		}
	}
	sort.SliceStable(views, func(i, j int) bool { return views[i].CreatedAt.After(views[j].CreatedAt) })
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": views, "active": s.opts.Manager.Active()})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	v, ok, err := s.lookupTask(r, r.PathValue("task_id"))
	switch {
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	case !ok:
		s.writeError(w, http.StatusNotFound, "task not found")
	default:
		s.writeJSON(w, http.StatusOK, v)
	}
}

// handleTaskEvents serves the events of a task from the event log, or from
// memory when no log directory is configured.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	id := r.PathValue("task_id")

	if s.opts.EventLogDir != "" {
		events, err := eventlog.ReadTaskEvents(s.opts.EventLogDir, id)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(events) > 0 {
			s.writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "events": events})
			return
		}
	}
	live, ok := s.opts.Manager.Task(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	events := live.Events
	if events == nil {
		events = []proto.StepEvent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "events": events})
}

func (s *Server) handleTaskUsage(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.opts.Usage == nil {
		s.writeError(w, http.StatusServiceUnavailable, "usage metrics are not enabled")
		return
	}
	id := r.PathValue("task_id")
	usage, err := s.opts.Usage.TaskUsage(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if usage == nil {
		s.writeError(w, http.StatusNotFound, "no usage recorded for task")
		return
	}
	s.writeJSON(w, http.StatusOK, usage)
}
