package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"silverbuild/agent"
	"silverbuild/durable"
	"silverbuild/sandbox"
)

// stepSeq hands out unique durable step names for repeated tool calls
// within one run.
type stepSeq struct {
	n int
}

func (s *stepSeq) next(tool string) string {
	name := fmt.Sprintf("tool:%s:%d", tool, s.n)
	s.n++
	return name
}

// commandOutcome is the memoized result of one run_command step. Tool
// failures are part of the recorded value, not step errors, so replays
// see the same output the agent saw.
type commandOutcome struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	Err      string `json:"err,omitempty"`
}

// buildTools wires the three agent tools to a sandbox session. Each tool
// call is a durable step; the RunState mutation happens outside the
// memoized function, applied from its recorded result, so a crash replay
// reconstructs the same state without re-touching the sandbox.
func buildTools(r *durable.Runner, session sandbox.Session, state *agent.RunState) []agent.Tool {
	seq := &stepSeq{}
	return []agent.Tool{
		runCommandTool(r, seq, session),
		createOrUpdateFilesTool(r, seq, session, state),
		readFilesTool(r, seq, session),
	}
}

func runCommandTool(r *durable.Runner, seq *stepSeq, session sandbox.Session) agent.Tool {
	return &agent.FuncTool{
		ToolName: "run_command",
		ToolDesc: "Run a shell command in the sandbox and return its combined output.",
		ToolParams: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to execute",
				},
			},
			"required": []string{"command"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			command, _ := args["command"].(string)
			if command == "" {
				return "Error: command must be a non-empty string", nil
			}

			outcome, err := durable.Do(ctx, r, seq.next("run_command"), func(ctx context.Context) (commandOutcome, error) {
				result, err := session.RunCommand(ctx, command, nil)
				if err != nil {
					// A cancelled stream is an aborted run, not a command
					// failure: the daemon lets the process finish, so
					// memoizing it would replay a phantom failure on retry.
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return commandOutcome{}, err
					}
					return commandOutcome{Output: result.Output, Err: err.Error()}, nil
				}
				return commandOutcome{Output: result.Output, ExitCode: result.ExitCode}, nil
			})
			if err != nil {
				return "", err
			}

			if outcome.Err != "" {
				return fmt.Sprintf("Error: command failed: %s\noutput: %s", outcome.Err, outcome.Output), nil
			}
			if outcome.ExitCode != 0 {
				return fmt.Sprintf("Error: command exited with code %d\noutput: %s", outcome.ExitCode, outcome.Output), nil
			}
			if outcome.Output == "" {
				return "<no output>", nil
			}
			return outcome.Output, nil
		},
	}
}

// writeOutcome is the memoized result of one create_or_update_files step.
type writeOutcome struct {
	Written map[string]string `json:"written,omitempty"`
	Err     string            `json:"err,omitempty"`
}

func createOrUpdateFilesTool(r *durable.Runner, seq *stepSeq, session sandbox.Session, state *agent.RunState) agent.Tool {
	return &agent.FuncTool{
		ToolName: "create_or_update_files",
		ToolDesc: "Create or fully overwrite files in the sandbox.",
		ToolParams: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"files": map[string]any{
					"type":        "array",
					"description": "Files to write, each with its full content",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"path":    map[string]any{"type": "string"},
							"content": map[string]any{"type": "string"},
						},
						"required": []string{"path", "content"},
					},
				},
			},
			"required": []string{"files"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			files, err := parseFileEntries(args)
			if err != nil {
				return "Error: " + err.Error(), nil
			}

			outcome, stepErr := durable.Do(ctx, r, seq.next("create_or_update_files"), func(ctx context.Context) (writeOutcome, error) {
				for path, content := range files {
					if err := session.WriteFile(ctx, path, content); err != nil {
						return writeOutcome{Err: fmt.Sprintf("writing %s: %v", path, err)}, nil
					}
				}
				return writeOutcome{Written: files}, nil
			})
			if stepErr != nil {
				return "", stepErr
			}

			// No merge on failure: a partially written batch must not
			// leak into the artifact file set.
			if outcome.Err != "" {
				return "Error: " + outcome.Err, nil
			}
			if err := state.MergeFiles(outcome.Written); err != nil {
				return "", err
			}

			paths := make([]string, 0, len(outcome.Written))
			for path := range outcome.Written {
				paths = append(paths, path)
			}
			return fmt.Sprintf("Updated %d file(s): %v", len(paths), paths), nil
		},
	}
}

// readOutcome is the memoized result of one read_files step.
type readOutcome struct {
	Contents []fileEntry `json:"contents,omitempty"`
	Err      string      `json:"err,omitempty"`
}

type fileEntry struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func readFilesTool(r *durable.Runner, seq *stepSeq, session sandbox.Session) agent.Tool {
	return &agent.FuncTool{
		ToolName: "read_files",
		ToolDesc: "Read files from the sandbox and return their contents.",
		ToolParams: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"files": map[string]any{
					"type":        "array",
					"description": "Paths of the files to read",
					"items":       map[string]any{"type": "string"},
				},
			},
			"required": []string{"files"},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			paths, err := parsePathList(args)
			if err != nil {
				return "Error: " + err.Error(), nil
			}

			outcome, stepErr := durable.Do(ctx, r, seq.next("read_files"), func(ctx context.Context) (readOutcome, error) {
				var contents []fileEntry
				for _, path := range paths {
					content, err := session.ReadFile(ctx, path)
					if err != nil {
						return readOutcome{Err: fmt.Sprintf("reading %s: %v", path, err)}, nil
					}
					contents = append(contents, fileEntry{Path: path, Content: content})
				}
				return readOutcome{Contents: contents}, nil
			})
			if stepErr != nil {
				return "", stepErr
			}

			if outcome.Err != "" {
				return "Error: " + outcome.Err, nil
			}
			data, err := json.Marshal(outcome.Contents)
			if err != nil {
				return "Error: " + err.Error(), nil
			}
			return string(data), nil
		},
	}
}

// parseFileEntries extracts {path, content} pairs from tool arguments.
func parseFileEntries(args map[string]any) (map[string]string, error) {
	raw, ok := args["files"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("files must be a non-empty array of {path, content}")
	}
	out := make(map[string]string, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("files entries must be objects with path and content")
		}
		path, _ := entry["path"].(string)
		content, _ := entry["content"].(string)
		if path == "" {
			return nil, fmt.Errorf("files entries must have a non-empty path")
		}
		out[path] = content
	}
	return out, nil
}

// parsePathList extracts a list of paths from tool arguments.
func parsePathList(args map[string]any) ([]string, error) {
	raw, ok := args["files"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("files must be a non-empty array of paths")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		path, ok := item.(string)
		if !ok || path == "" {
			return nil, fmt.Errorf("files entries must be non-empty strings")
		}
		out = append(out, path)
	}
	return out, nil
}
