// Package agent implements the reasoning loop that drives an LLM with a
// set of sandbox tools until the model signals completion.
package agent

import (
	"context"
	"fmt"

	"silverbuild/llm"
)

// ResponseHook inspects every assistant message the model produces. The
// completion hook installed by NewAgent is the only writer of
// RunState.Summary.
type ResponseHook func(text string, state *RunState)

// Agent wraps an LLM client with a fixed system prompt, sampling
// parameters and a tool set. It is stateless across turns; all run state
// lives in RunState and the message list owned by the router.
type Agent struct {
	LLM          llm.Client
	Model        string
	SystemPrompt string
	Temperature  *float64
	Tools        []Tool

	onResponse ResponseHook
}

// NewAgent creates an agent with the completion hook installed: any
// assistant message containing the completion sentinel has its full text
// captured verbatim into RunState.Summary, exactly once per run.
func NewAgent(client llm.Client, model, systemPrompt string, tools []Tool) *Agent {
	return &Agent{
		LLM:          client,
		Model:        model,
		SystemPrompt: systemPrompt,
		Temperature:  llm.Temp(0.1),
		Tools:        tools,
		onResponse: func(text string, state *RunState) {
			if state.Done() {
				return
			}
			if TaskSummary(text) {
				state.Summary = text
			}
		},
	}
}

// Turn performs one LLM call over the given messages and runs the
// response hook against the run state. Tool call resolution is the
// router's job.
func (a *Agent) Turn(ctx context.Context, msgs []Message, state *RunState) (*llm.Response, error) {
	req := llm.Request{
		Model:        a.Model,
		Messages:     toLLM(msgs),
		Tools:        a.toolSchemas(),
		SystemPrompt: a.SystemPrompt,
		Temperature:  a.Temperature,
	}

	resp, err := a.LLM.Call(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("LLM call: %w", err)
	}

	if resp.Content != "" && a.onResponse != nil {
		a.onResponse(resp.Content, state)
	}
	return resp, nil
}

// tool returns the named tool or nil.
func (a *Agent) tool(name string) Tool {
	for _, t := range a.Tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

func (a *Agent) toolSchemas() []llm.ToolSchema {
	schemas := make([]llm.ToolSchema, 0, len(a.Tools))
	for _, t := range a.Tools {
		schemas = append(schemas, llm.ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return schemas
}
