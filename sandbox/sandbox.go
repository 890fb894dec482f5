// Package sandbox provisions and talks to disposable build environments.
// Each environment is a container running sandboxd, which exposes the
// filesystem and shell over HTTP and websocket.
package sandbox

import (
	"context"
	"errors"
)

// ErrSessionUnavailable is returned by Resume when the environment no
// longer exists or is not running. Callers must not re-create a session
// mid-run; doing so would silently discard file writes the agent
// believes already happened.
var ErrSessionUnavailable = errors.New("sandbox session unavailable")

// CommandResult is the collected outcome of one command execution.
type CommandResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// Session is a live connection to one sandbox environment.
type Session interface {
	// ID returns the opaque session identifier.
	ID() string

	// WriteFile writes the full content of a file, creating parent
	// directories as needed. Idempotent by construction.
	WriteFile(ctx context.Context, path, content string) error

	// ReadFile returns the full content of a file.
	ReadFile(ctx context.Context, path string) (string, error)

	// RunCommand executes a shell command, invoking onOutput for each
	// chunk of interleaved stdout/stderr as it arrives. It returns the
	// collected output and exit code once the command finishes.
	// Cancelling ctx stops the stream; the in-container process is
	// allowed to finish.
	RunCommand(ctx context.Context, command string, onOutput func(string)) (CommandResult, error)

	// PreviewURL returns the public address of a service listening on
	// the given port inside the sandbox.
	PreviewURL(port int) string
}

// Provisioner creates and reattaches sandbox sessions.
type Provisioner interface {
	// Create launches a fresh environment from the named template and
	// returns its session id.
	Create(ctx context.Context, template string) (string, error)

	// Resume reattaches to an existing environment. Returns
	// ErrSessionUnavailable when the environment is gone or stopped.
	Resume(ctx context.Context, id string) (Session, error)
}
