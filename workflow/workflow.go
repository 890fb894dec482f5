// Package workflow drives one orchestration run end to end: provision a
// sandbox, hydrate it from the last artifact, replay conversation
// history, loop the agent until it signals completion, post-process the
// summary, and publish the result as a conversation turn.
package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"silverbuild/agent"
	"silverbuild/durable"
	"silverbuild/llm"
	"silverbuild/sandbox"
	"silverbuild/store"
)

// TaskEvent starts one orchestration run.
type TaskEvent struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`
	Value     string `json:"value"`
}

// Result is returned synchronously to the caller of a run, independent
// of the asynchronously persisted turn.
type Result struct {
	PreviewURL string            `json:"preview_url"`
	Title      string            `json:"title"`
	Files      map[string]string `json:"files"`
	Summary    string            `json:"summary"`
}

// Runner executes orchestration runs. Safe for concurrent use; runs for
// different projects share nothing but the step database.
type Runner struct {
	Provisioner sandbox.Provisioner
	Store       *store.Store
	DB          *bolt.DB
	LLM         llm.Client
	Model       string

	Template    string
	PreviewPort int
	MaxTurns    int

	Log zerolog.Logger
}

// Run executes one orchestration run. Every externally visible side
// effect is a durable step keyed by the event's run id, so retrying a
// crashed run replays memoized steps and resumes from the first step
// that never completed.
func (w *Runner) Run(ctx context.Context, ev TaskEvent) (Result, error) {
	log := w.Log.With().Str("run", ev.RunID).Str("project", ev.ProjectID).Logger()
	r := durable.NewRunner(w.DB, ev.RunID)

	sandboxID, err := durable.Do(ctx, r, "get-sandbox-id", func(ctx context.Context) (string, error) {
		return w.Provisioner.Create(ctx, w.Template)
	})
	if err != nil {
		return Result{}, fmt.Errorf("create sandbox: %w", err)
	}
	log.Info().Str("sandbox", sandboxID).Msg("sandbox ready")

	session, err := w.Provisioner.Resume(ctx, sandboxID)
	if err != nil {
		// No silent re-create: a vanished sandbox mid-run fails the
		// run so file-write history is never quietly discarded.
		return Result{}, fmt.Errorf("attach sandbox %s: %w", sandboxID, err)
	}

	hydrated, err := durable.Do(ctx, r, "hydrate-sandbox", func(ctx context.Context) (int, error) {
		return w.hydrate(ctx, session, ev.ProjectID)
	})
	if err != nil {
		return Result{}, fmt.Errorf("hydrate sandbox: %w", err)
	}
	if hydrated > 0 {
		log.Info().Int("files", hydrated).Msg("sandbox hydrated from last artifact")
	}

	history, err := durable.Do(ctx, r, "load-history", func(ctx context.Context) ([]agent.Message, error) {
		return w.loadHistory(ev.ProjectID)
	})
	if err != nil {
		return Result{}, fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 || history[len(history)-1].Role != agent.RoleUser {
		history = append(history, agent.Human(ev.Value))
	}

	state := agent.NewRunState()
	coder := agent.NewAgent(w.LLM, w.Model, systemPrompt, buildTools(r, session, state))
	router := agent.NewRouter(coder)
	if w.MaxTurns > 0 {
		router.MaxTurns = w.MaxTurns
	}
	if _, err := router.Run(ctx, state, history); err != nil {
		return Result{}, fmt.Errorf("agent loop: %w", err)
	}

	isError := state.Summary == "" || len(state.Files) == 0
	result := Result{Summary: state.Summary, Files: state.Files}

	var response string
	if !isError {
		result.Title, err = durable.Do(ctx, r, "generate-title", func(ctx context.Context) (string, error) {
			return w.postProcess(ctx, titlePrompt, state.Summary, fallbackTitle), nil
		})
		if err != nil {
			return Result{}, err
		}
		response, err = durable.Do(ctx, r, "generate-response", func(ctx context.Context) (string, error) {
			return w.postProcess(ctx, responsePrompt, state.Summary, fallbackResponse), nil
		})
		if err != nil {
			return Result{}, err
		}

		result.PreviewURL, err = durable.Do(ctx, r, "get-sandbox-url", func(ctx context.Context) (string, error) {
			s, err := w.Provisioner.Resume(ctx, sandboxID)
			if err != nil {
				return "", err
			}
			return s.PreviewURL(w.PreviewPort), nil
		})
		if err != nil {
			return Result{}, fmt.Errorf("resolve preview url: %w", err)
		}
	}

	if _, err := durable.Do(ctx, r, "save-result", func(ctx context.Context) (string, error) {
		return w.publish(ev.ProjectID, isError, response, result)
	}); err != nil {
		// Persistence failure is fatal; the durable record means a
		// retry of the run only repeats this step.
		return Result{}, fmt.Errorf("save result: %w", err)
	}

	if isError {
		log.Warn().Msg("run finished without a usable result")
	} else {
		log.Info().Str("title", result.Title).Int("files", len(result.Files)).Msg("run completed")
	}
	return result, nil
}

// hydrate writes every file of the project's latest artifact into the
// session and reports how many were written. Stale sandbox files not in
// the artifact are left alone.
func (w *Runner) hydrate(ctx context.Context, session sandbox.Session, projectID string) (int, error) {
	frag, err := w.Store.LatestFragment(projectID)
	if err != nil {
		return 0, err
	}
	if frag == nil {
		return 0, nil
	}
	for path, content := range frag.Files {
		if err := session.WriteFile(ctx, path, content); err != nil {
			return 0, fmt.Errorf("restoring %s: %w", path, err)
		}
	}
	return len(frag.Files), nil
}

// loadHistory converts persisted turns into agent messages. Only plain
// text survives: tool traffic is never persisted, and error turns carry
// the fixed apology, which is still useful context for the model.
func (w *Runner) loadHistory(projectID string) ([]agent.Message, error) {
	turns, err := w.Store.ListTurns(projectID)
	if err != nil {
		return nil, err
	}
	msgs := make([]agent.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case store.RoleUser:
			msgs = append(msgs, agent.Human(t.Content))
		case store.RoleAssistant:
			msgs = append(msgs, agent.AI(t.Content))
		}
	}
	return msgs, nil
}

// postProcess runs one single-shot model call over the summary. The
// summary is free-form model output, so any call failure or empty
// answer falls back to a fixed default instead of failing the run.
func (w *Runner) postProcess(ctx context.Context, prompt, summary, fallback string) string {
	resp, err := w.LLM.Call(ctx, llm.Request{
		Model:        w.Model,
		SystemPrompt: prompt,
		Messages:     []llm.Message{{Role: "user", Content: summary}},
		Temperature:  llm.Temp(0.3),
	})
	if err != nil || resp == nil || strings.TrimSpace(resp.Content) == "" {
		return fallback
	}
	return strings.TrimSpace(resp.Content)
}

// publish commits the run outcome as one conversation turn, with the
// artifact attached on success. Returns the persisted turn id.
func (w *Runner) publish(projectID string, isError bool, response string, result Result) (string, error) {
	if isError {
		turn := store.NewTurn(projectID, store.RoleAssistant, errorMessage, store.KindError)
		return turn.ID, w.Store.AppendTurn(turn, nil)
	}

	turn := store.NewTurn(projectID, store.RoleAssistant, response, store.KindResult)
	frag := &store.Fragment{
		Title:      result.Title,
		PreviewURL: result.PreviewURL,
		Files:      result.Files,
	}
	return turn.ID, w.Store.AppendTurn(turn, frag)
}
