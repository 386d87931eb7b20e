package agent

import (
	"context"
	"fmt"
	"sync"

	"devopsagent/pkg/agent/llm"
)

// MockLLMClient replays scripted replies and records every request. It is
// safe for concurrent use.
type MockLLMClient struct {
	mu       sync.Mutex
	model    string
	replies  []MockReply
	index    int
	requests []llm.CompletionRequest
}

// MockReply is one scripted outcome. When Block is set the call waits for
// context cancellation and returns ctx.Err().
type MockReply struct {
	Content string
	Err     error
	Block   bool
}

// NewMockLLMClient creates a mock answering with replies in order.
func NewMockLLMClient(replies ...MockReply) *MockLLMClient {
	return &MockLLMClient{model: "mock-model", replies: replies}
}

// NewScriptedClient is NewMockLLMClient for plain text replies.
func NewScriptedClient(contents ...string) *MockLLMClient {
	replies := make([]MockReply, len(contents))
	for i, c := range contents {
		replies[i] = MockReply{Content: c}
	}
	return NewMockLLMClient(replies...)
}

func (m *MockLLMClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	msgs := make([]llm.CompletionMessage, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	m.requests = append(m.requests, req)

	if m.index >= len(m.replies) {
		m.mu.Unlock()
		return llm.CompletionResponse{}, fmt.Errorf("mock client: no more responses")
	}
	reply := m.replies[m.index]
	m.index++
	m.mu.Unlock()

	if reply.Block {
		<-ctx.Done()
		return llm.CompletionResponse{}, ctx.Err()
	}
	if reply.Err != nil {
		return llm.CompletionResponse{}, reply.Err
	}
	return llm.CompletionResponse{Content: reply.Content, StopReason: "stop"}, nil
}

func (m *MockLLMClient) GetModelName() string {
	return m.model
}

// Requests returns copies of the requests received so far.
func (m *MockLLMClient) Requests() []llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.CompletionRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastRequest returns the most recent request, or false when none was made.
func (m *MockLLMClient) LastRequest() (llm.CompletionRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return llm.CompletionRequest{}, false
	}
	return m.requests[len(m.requests)-1], true
}

// Calls returns the number of Complete calls.
func (m *MockLLMClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
