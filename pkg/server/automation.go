package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"devopsagent/pkg/approval"
	"devopsagent/pkg/orchestrator"
	"devopsagent/pkg/proto"
	"devopsagent/pkg/utils"
)

type runRequest struct {
	UserInput string `json:"user_input"`
	RepoName  string `json:"repo_name"`
	TaskID    string `json:"task_id,omitempty"`
}

type approveRequest struct {
	TaskID        string `json:"task_id"`
	StepID        string `json:"step_id"`
	Approved      bool   `json:"approved"`
	EditedCommand string `json:"edited_command,omitempty"`
}

type approveResponse struct {
	Status      string  `json:"status"`
	TaskID      string  `json:"task_id"`
	StepID      string  `json:"step_id"`
	Approved    bool    `json:"approved"`
	UsedCommand *string `json:"used_command"`
}

type cancelResponse struct {
	Status    string   `json:"status"`
	Cancelled []string `json:"cancelled"`
}

// handleRunAutomation starts a task and streams its events until the task
// stops. Disconnecting the client cancels the task.
func (s *Server) handleRunAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.UserInput = strings.TrimSpace(req.UserInput)
	req.RepoName = strings.TrimSpace(req.RepoName)
	if req.UserInput == "" || req.RepoName == "" {
		s.writeError(w, http.StatusBadRequest, "user_input and repo_name are required")
		return
	}
	if err := utils.ValidateRepoName(req.RepoName); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TaskID == "" {
		req.TaskID = utils.NewID()
	}

	events, err := s.opts.Manager.Start(r.Context(), req.TaskID, req.RepoName, req.UserInput)
	switch {
	case errors.Is(err, orchestrator.ErrTaskActive), errors.Is(err, orchestrator.ErrTaskExists):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sse := r.URL.Query().Get("format") == "sse"
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Task-ID", req.TaskID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	// The loop blocks on a full channel, so the stream is drained even after
	// the client went away.
	broken := false
	for ev := range events {
		if broken {
			continue
		}
		if err := writeEvent(w, &ev, sse); err != nil {
			s.logger.Warn("stream of task %s broken: %v", req.TaskID, err)
			broken = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev *proto.StepEvent, sse bool) error {
	if sse {
		frame, err := ev.SSEFrame()
		if err != nil {
			return err
		}
		_, err = w.Write(frame)
		return err //nolint:wrapcheck // returned to the stream loop only
	}
	_, err := fmt.Fprint(w, ev.Render())
	return err //nolint:wrapcheck // returned to the stream loop only
}

// handleApproveAction delivers a decision. The id is a step ID; task_id is
// accepted as the legacy name of that field, and also resolves to the single
// pending step of a task when it names one.
func (s *Server) handleApproveAction(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id := strings.TrimSpace(req.StepID)
	if id == "" {
		id = strings.TrimSpace(req.TaskID)
	}
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "step_id or task_id is required")
		return
	}

	decision := proto.Reject()
	if req.Approved {
		decision = proto.Approve(req.EditedCommand)
	}

	stepID := id
	taskID, err := s.opts.Approvals.Deliver(stepID, decision)
	if errors.Is(err, approval.ErrUnknownStep) {
		if pending := s.opts.Approvals.Pending(id); len(pending) == 1 {
			stepID = pending[0]
			taskID, err = s.opts.Approvals.Deliver(stepID, decision)
		}
	}
	if err != nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("step %s: %v", id, err))
		return
	}

	resp := approveResponse{
		Status:   "acknowledged",
		TaskID:   taskID,
		StepID:   stepID,
		Approved: decision.Approved,
	}
	if decision.EditedCommand != "" {
		used := decision.EditedCommand
		resp.UsedCommand = &used
	}
	s.logger.Info("decision for step %s of task %s: approved=%t", stepID, taskID, decision.Approved)
	s.writeJSON(w, http.StatusOK, resp)
}

// handleCancelAutomation cancels every running task, or only ?task_id=.
func (s *Server) handleCancelAutomation(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}

	var cancelled []string
	if taskID := r.URL.Query().Get("task_id"); taskID != "" {
		if err := s.opts.Manager.Cancel(taskID); err != nil {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		cancelled = []string{taskID}
	} else {
		cancelled = s.opts.Manager.CancelAll()
	}
	s.logger.Info("cancel requested for %d task(s)", len(cancelled))
	s.writeJSON(w, http.StatusOK, cancelResponse{Status: "cancelled", Cancelled: cancelled})
}
