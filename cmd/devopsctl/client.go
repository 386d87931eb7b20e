package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"devopsagent/pkg/proto"
)

// Client talks to a running devops-agent.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the agent at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{}}
}

type runBody struct {
	UserInput string `json:"user_input"`
	RepoName  string `json:"repo_name"`
	TaskID    string `json:"task_id,omitempty"`
}

type approveBody struct {
	StepID        string `json:"step_id"`
	Approved      bool   `json:"approved"`
	EditedCommand string `json:"edited_command,omitempty"`
}

// APIError is a non-2xx response from the agent.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent returned %d: %s", e.Status, e.Message)
}

// Run starts a task and calls onEvent for every event in order. It returns
// when the stream ends, onEvent fails or ctx is cancelled.
func (c *Client) Run(ctx context.Context, repo, input, taskID string, onEvent func(proto.StepEvent) error) (string, error) {
	resp, err := c.post(ctx, "/run-automation?format=sse", runBody{UserInput: input, RepoName: repo, TaskID: taskID})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	id := resp.Header.Get("X-Task-ID")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var ev proto.StepEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return id, fmt.Errorf("malformed event: %w", err)
		}
		if err := onEvent(ev); err != nil {
			return id, err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return id, fmt.Errorf("stream interrupted: %w", err)
	}
	return id, ctx.Err() //nolint:wrapcheck // cancellation passed through
}

// Approve sends a decision for a step.
func (c *Client) Approve(ctx context.Context, stepID string, approved bool, edited string) (map[string]any, error) {
	resp, err := c.post(ctx, "/approve-action", approveBody{StepID: stepID, Approved: approved, EditedCommand: edited})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeObject(resp.Body)
}

// Cancel cancels one task, or every running task when taskID is empty.
func (c *Client) Cancel(ctx context.Context, taskID string) ([]string, error) {
	path := "/cancel-automation"
	if taskID != "" {
		path += "?task_id=" + url.QueryEscape(taskID)
	}
	resp, err := c.post(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out struct {
		Cancelled []string `json:"cancelled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Cancelled, nil
}

// Trace is the model output of a task.
type Trace struct {
	TaskID       string   `json:"task_id"`
	Status       string   `json:"status"`
	RefinedInput string   `json:"refined_input"`
	LLMOutput    []string `json:"llm_output"`
}

// Trace fetches the model output of a task.
func (c *Client) Trace(ctx context.Context, taskID string) (*Trace, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/get-llm-output/"+url.PathEscape(taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var trace Trace
	if err := json.NewDecoder(resp.Body).Decode(&trace); err != nil {
		return nil, fmt.Errorf("failed to decode trace: %w", err)
	}
	return &trace, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		apiErr := &APIError{Status: resp.StatusCode}
		var body struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil {
			apiErr.Message = body.Error
		}
		return nil, apiErr
	}
	return resp, nil
}

func decodeObject(r io.Reader) (map[string]any, error) {
	var out map[string]any
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}
