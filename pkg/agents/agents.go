// Package agents implements the three model roles of a task: the prompt
// engineer that refines the request, the ReAct reasoner that proposes one
// command per turn, and the reflector that suggests a fix after a failure or
// rejection. All three are stateless; history is owned by the caller.
package agents

import (
	"context"
	"path/filepath"

	"devopsagent/pkg/agent"
	"devopsagent/pkg/agent/llm"
	"devopsagent/pkg/logx"
	"devopsagent/pkg/prompts"
)

// PromptAgent rewrites a natural-language request as a precise DevOps instruction.
type PromptAgent struct {
	client llm.LLMClient
	pack   *prompts.Pack
	opts   llm.ChatOptions
}

func NewPromptAgent(client llm.LLMClient, pack *prompts.Pack, opts llm.ChatOptions) *PromptAgent {
	return &PromptAgent{client: client, pack: pack, opts: opts}
}

// Refine makes a single model call and returns the refined task.
func (a *PromptAgent) Refine(ctx context.Context, raw string) (string, error) {
	data := prompts.Data{Input: raw}
	system, err := a.pack.Render(prompts.PromptEngineerSystem, data)
	if err != nil {
		return "", err
	}
	user, err := a.pack.Render(prompts.PromptEngineerUser, data)
	if err != nil {
		return "", err
	}

	ctx = llm.WithAgentRole(ctx, agent.TypePrompt.String())
	refined, err := llm.Chat(ctx, a.client, []llm.CompletionMessage{
		llm.NewSystemMessage(system),
		llm.NewUserMessage(user),
	}, a.opts)
	if err != nil {
		return "", err
	}
	logx.Debug(ctx, "agents", "refined %q -> %q", raw, refined)
	return refined, nil
}

// ReasoningAgent proposes the next Thought/Action for a task.
type ReasoningAgent struct {
	client  llm.LLMClient
	pack    *prompts.Pack
	baseDir string
	opts    llm.ChatOptions
}

func NewReasoningAgent(client llm.LLMClient, pack *prompts.Pack, baseDir string, opts llm.ChatOptions) *ReasoningAgent {
	return &ReasoningAgent{client: client, pack: pack, baseDir: baseDir, opts: opts}
}

// Seed builds the opening history of a task: the ReAct system instruction
// followed by the pinned task statement.
func (a *ReasoningAgent) Seed(refined, repo, cloneURL string) ([]llm.CompletionMessage, error) {
	data := prompts.Data{
		Task:     refined,
		Repo:     repo,
		RepoDir:  filepath.Join(a.baseDir, repo),
		BaseDir:  a.baseDir,
		CloneURL: cloneURL,
	}
	system, err := a.pack.Render(prompts.ReasoningSystem, data)
	if err != nil {
		return nil, err
	}
	task, err := a.pack.Render(prompts.ReasoningTask, data)
	if err != nil {
		return nil, err
	}
	return []llm.CompletionMessage{
		llm.NewSystemMessage(system),
		llm.NewUserMessage(task),
	}, nil
}

// Think sends the full history and returns the raw reply.
func (a *ReasoningAgent) Think(ctx context.Context, history []llm.CompletionMessage) (string, error) {
	ctx = llm.WithAgentRole(ctx, agent.TypeReasoning.String())
	reply, err := llm.Chat(ctx, a.client, history, a.opts)
	if err != nil {
		return "", err
	}
	logx.Debug(ctx, "agents", "reasoning reply (%d messages in history): %s", len(history), reply)
	return reply, nil
}

// ReflectorAgent suggests an alternative after a failed or rejected command.
type ReflectorAgent struct {
	client  llm.LLMClient
	pack    *prompts.Pack
	baseDir string
	opts    llm.ChatOptions
}

func NewReflectorAgent(client llm.LLMClient, pack *prompts.Pack, baseDir string, opts llm.ChatOptions) *ReflectorAgent {
	return &ReflectorAgent{client: client, pack: pack, baseDir: baseDir, opts: opts}
}

// SuggestFix returns the reflector's reply, normally "Action: <command>".
func (a *ReflectorAgent) SuggestFix(ctx context.Context, failedCommand, errorText, repo string) (string, error) {
	data := prompts.Data{
		Repo:    repo,
		RepoDir: filepath.Join(a.baseDir, repo),
		BaseDir: a.baseDir,
		Command: failedCommand,
		Error:   errorText,
	}
	system, err := a.pack.Render(prompts.ReflectorSystem, data)
	if err != nil {
		return "", err
	}
	user, err := a.pack.Render(prompts.ReflectorUser, data)
	if err != nil {
		return "", err
	}

	ctx = llm.WithAgentRole(ctx, agent.TypeReflector.String())
	return llm.Chat(ctx, a.client, []llm.CompletionMessage{
		llm.NewSystemMessage(system),
		llm.NewUserMessage(user),
	}, a.opts)
}
