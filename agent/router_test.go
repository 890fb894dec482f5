package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"silverbuild/llm"
)

// scriptedLLM returns canned responses in order and counts calls.
type scriptedLLM struct {
	responses []*llm.Response
	calls     int
}

func (s *scriptedLLM) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if s.calls >= len(s.responses) {
		return nil, errors.New("no more scripted responses")
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func echoTool(name string) Tool {
	return &FuncTool{
		ToolName:   name,
		ToolDesc:   "echoes its input",
		ToolParams: map[string]any{"type": "object"},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return fmt.Sprintf("%v", args["value"]), nil
		},
	}
}

func TestRouterSentinelTerminates(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		{Content: "working on it", ToolCalls: []llm.ToolCallResult{
			{ID: "c1", Name: "echo", Args: map[string]any{"value": "hi"}},
		}},
		{Content: "<task_summary>Added footer component</task_summary>"},
	}}
	a := NewAgent(client, "test-model", "system", []Tool{echoTool("echo")})
	state := NewRunState()

	msgs, err := NewRouter(a).Run(context.Background(), state, []Message{Human("add a footer")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !state.Done() {
		t.Fatal("expected run state to be done")
	}
	if state.Summary != "<task_summary>Added footer component</task_summary>" {
		t.Errorf("summary not captured verbatim: %q", state.Summary)
	}
	if client.calls != 2 {
		t.Errorf("expected 2 LLM calls, got %d", client.calls)
	}

	// user, assistant+tool_call, tool result, final assistant
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[2].Role != RoleTool || msgs[2].Content != "hi" {
		t.Errorf("unexpected tool message: %+v", msgs[2])
	}
}

func TestRouterCeilingExhaustion(t *testing.T) {
	// The model keeps producing plain text, never the sentinel.
	var responses []*llm.Response
	for i := 0; i < 20; i++ {
		responses = append(responses, &llm.Response{Content: "still thinking"})
	}
	client := &scriptedLLM{responses: responses}
	a := NewAgent(client, "test-model", "system", nil)

	r := NewRouter(a)
	r.MaxTurns = 3
	state := NewRunState()

	if _, err := r.Run(context.Background(), state, []Message{Human("do a thing")}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Done() {
		t.Error("ceiling exhaustion must leave the summary empty")
	}
	if client.calls != 3 {
		t.Errorf("expected exactly 3 LLM calls, got %d", client.calls)
	}
}

func TestRouterToolFailureRecovery(t *testing.T) {
	failing := &FuncTool{
		ToolName:   "run_command",
		ToolDesc:   "runs a command",
		ToolParams: map[string]any{"type": "object"},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return "Error: command failed: exit status 127", nil
		},
	}
	client := &scriptedLLM{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCallResult{{ID: "c1", Name: "run_command", Args: map[string]any{"command": "badcmd"}}}},
		{Content: "<task_summary>Recovered and finished</task_summary>"},
	}}
	a := NewAgent(client, "test-model", "system", []Tool{failing})
	state := NewRunState()

	msgs, err := NewRouter(a).Run(context.Background(), state, []Message{Human("run it")})
	if err != nil {
		t.Fatalf("tool failure must not abort the run: %v", err)
	}
	if !state.Done() {
		t.Fatal("expected run to terminate via sentinel")
	}

	var sawError bool
	for _, m := range msgs {
		if m.Role == RoleTool && m.Content == "Error: command failed: exit status 127" {
			sawError = true
		}
	}
	if !sawError {
		t.Error("error string was not fed back to the model")
	}
}

func TestRouterFatalToolError(t *testing.T) {
	broken := &FuncTool{
		ToolName:   "run_command",
		ToolDesc:   "runs a command",
		ToolParams: map[string]any{"type": "object"},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("step record: disk full")
		},
	}
	client := &scriptedLLM{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCallResult{{ID: "c1", Name: "run_command", Args: nil}}},
	}}
	a := NewAgent(client, "test-model", "system", []Tool{broken})

	_, err := NewRouter(a).Run(context.Background(), NewRunState(), nil)
	if err == nil {
		t.Fatal("machinery error must abort the run")
	}
}

func TestRouterUnknownTool(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCallResult{{ID: "c1", Name: "nope", Args: nil}}},
		{Content: "<task_summary>done</task_summary>"},
	}}
	a := NewAgent(client, "test-model", "system", nil)
	state := NewRunState()

	msgs, err := NewRouter(a).Run(context.Background(), state, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var sawUnknown bool
	for _, m := range msgs {
		if m.Role == RoleTool && m.Content == `Error: unknown tool "nope"` {
			sawUnknown = true
		}
	}
	if !sawUnknown {
		t.Error("unknown tool call should produce an error string for the model")
	}
}

func TestRouterSentinelSkipsTrailingToolCalls(t *testing.T) {
	var executed bool
	tool := &FuncTool{
		ToolName:   "echo",
		ToolDesc:   "echoes",
		ToolParams: map[string]any{"type": "object"},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			executed = true
			return "ok", nil
		},
	}
	client := &scriptedLLM{responses: []*llm.Response{
		{
			Content:   "<task_summary>all done</task_summary>",
			ToolCalls: []llm.ToolCallResult{{ID: "c1", Name: "echo", Args: nil}},
		},
	}}
	a := NewAgent(client, "test-model", "system", []Tool{tool})
	state := NewRunState()

	if _, err := NewRouter(a).Run(context.Background(), state, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if executed {
		t.Error("tool calls alongside the sentinel must not execute")
	}
	if !state.Done() {
		t.Error("sentinel must terminate the run")
	}
}

func TestSummarySetAtMostOnce(t *testing.T) {
	client := &scriptedLLM{}
	a := NewAgent(client, "test-model", "system", nil)
	state := NewRunState()

	a.onResponse("<task_summary>first</task_summary>", state)
	a.onResponse("<task_summary>second</task_summary>", state)

	if state.Summary != "<task_summary>first</task_summary>" {
		t.Errorf("summary overwritten: %q", state.Summary)
	}
}
