package agent

import (
	"context"
	"fmt"
)

// Router states.
const (
	StateRouting   = "ROUTING"
	StateAgentTurn = "AGENT_TURN"
	StateDone      = "DONE"
)

// DefaultMaxTurns bounds the agent loop when no ceiling is configured.
const DefaultMaxTurns = 15

// Router drives the agent loop: starting in ROUTING, it moves to
// AGENT_TURN while the run state has no summary, executes one full agent
// turn (LLM call plus synchronous resolution of every tool call the turn
// produced), and returns to ROUTING. When the summary is set, or the
// turn ceiling is reached, it transitions to DONE. Ceiling exhaustion
// leaves the summary empty; classifying that as failure is the result
// publisher's job, not the router's.
type Router struct {
	Agent    *Agent
	MaxTurns int
}

// NewRouter creates a router with the default turn ceiling.
func NewRouter(a *Agent) *Router {
	return &Router{Agent: a, MaxTurns: DefaultMaxTurns}
}

// Run executes the loop over the conversation history, mutating state
// through the agent's completion hook and the tool handlers. It returns
// the full message list including every assistant and tool message
// produced during the run. Agent turns are strictly sequential; RunState
// is never touched by more than one in-flight step.
func (r *Router) Run(ctx context.Context, state *RunState, history []Message) ([]Message, error) {
	maxTurns := r.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	msgs := make([]Message, len(history))
	copy(msgs, history)

	for turn := 0; ; turn++ {
		// ROUTING
		if state.Done() || turn >= maxTurns {
			return msgs, nil // DONE
		}
		if err := ctx.Err(); err != nil {
			return msgs, err
		}

		// AGENT_TURN
		resp, err := r.Agent.Turn(ctx, msgs, state)
		if err != nil {
			return msgs, err
		}

		var calls []ToolCall
		for _, tc := range resp.ToolCalls {
			calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
		}
		msgs = append(msgs, AI(resp.Content, calls...))

		// A sentinel message terminates the run; tool calls riding
		// alongside it are not executed (files are frozen once the
		// summary is set).
		if state.Done() {
			continue
		}

		for _, tc := range calls {
			output, err := r.dispatch(ctx, tc)
			if err != nil {
				return msgs, err
			}
			msgs = append(msgs, ToolMsg(tc.ID, tc.Name, output))
		}
	}
}

// dispatch resolves one tool call. Tool-level failures (bad commands,
// write errors, missing paths) come back as ordinary output strings so
// the model can self-correct; a Go error from Execute is machinery
// failure (memoization storage, cancellation) and aborts the run.
func (r *Router) dispatch(ctx context.Context, tc ToolCall) (string, error) {
	tool := r.Agent.tool(tc.Name)
	if tool == nil {
		return fmt.Sprintf("Error: unknown tool %q", tc.Name), nil
	}
	return tool.Execute(ctx, tc.Args)
}
