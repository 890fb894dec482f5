package agent

import "errors"

// ErrRunFinished is returned when a tool tries to mutate files after the
// run's summary has been captured.
var ErrRunFinished = errors.New("run already finished")

// RunState is the mutable state of one orchestration run. It is shared by
// reference with the tool handlers and the router, and is never touched by
// more than one in-flight step: the router resolves every tool call before
// the next agent turn starts, so no locking is needed.
type RunState struct {
	// Summary is the verbatim task summary captured from the completion
	// sentinel. Empty means the run has not terminated yet. Only the
	// agent's response hook may set it.
	Summary string

	// Files maps sandbox path to full file content, accumulated across
	// create_or_update_files calls (last write wins per path).
	Files map[string]string
}

// NewRunState returns an empty run state.
func NewRunState() *RunState {
	return &RunState{Files: make(map[string]string)}
}

// Done reports whether the run has terminated.
func (s *RunState) Done() bool { return s.Summary != "" }

// MergeFiles merges written files into the accumulated set, last write wins.
// Once Summary is set the file set is frozen.
func (s *RunState) MergeFiles(files map[string]string) error {
	if s.Done() {
		return ErrRunFinished
	}
	if s.Files == nil {
		s.Files = make(map[string]string)
	}
	for path, content := range files {
		s.Files[path] = content
	}
	return nil
}
