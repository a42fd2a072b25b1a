// Package importance rates conversation turns for retention. Higher scores
// buy a turn more detail in the compaction summary; pruning decisions never
// look at anything beyond the single turn being scored.
package importance

import (
	"strings"

	"engram/internal/state"
)

// Tools that mutate the workspace. Losing the record of such a call costs
// more than losing a read.
var writeClassTools = map[string]bool{
	"write_file":  true,
	"edit_file":   true,
	"apply_patch": true,
	"create_file": true,
}

// Tools that run commands.
var shellClassTools = map[string]bool{
	"shell":       true,
	"bash":        true,
	"exec":        true,
	"run_command": true,
}

var errorMarkers = []string{
	"error", "failed", "exception", "panic", "traceback",
}

var decisionKeywords = []string{
	"decided", "decision", "agreed", "conclusion",
	"we'll use", "let's use", "instead of", "approach",
}

// Score returns a retention score in [0, 1] for a single turn.
func Score(msg state.Message) float64 {
	score := 0.3
	lowered := strings.ToLower(msg.Content)

	if msg.Role == "user" {
		score += 0.2
		if strings.Contains(msg.Content, "?") {
			score += 0.1
		}
		if len(msg.Content) > 200 {
			score += 0.1
		}
	}

	if len(msg.ToolCalls) > 0 {
		score += 0.2
		for _, tc := range msg.ToolCalls {
			name := strings.ToLower(tc.Function.Name)
			switch {
			case writeClassTools[name]:
				score += 0.2
			case shellClassTools[name]:
				score += 0.1
			}
		}
	}

	if containsAny(lowered, errorMarkers) {
		score += 0.15
	}
	if containsAny(lowered, decisionKeywords) {
		score += 0.1
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}

func containsAny(text string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}
