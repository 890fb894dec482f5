package agent

import "strings"

// SentinelMarker is the textual marker the model emits inside its final
// assistant message to signal task completion.
const SentinelMarker = "<task_summary>"

// TaskSummary reports whether the assistant text carries the completion
// sentinel. The convention is deliberately isolated here so it can be
// swapped for a structured finish signal without touching the router.
func TaskSummary(text string) bool {
	return strings.Contains(text, SentinelMarker)
}
