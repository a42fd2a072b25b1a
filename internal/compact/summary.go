package compact

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"engram/internal/importance"
	"engram/internal/state"
)

const (
	maxSummaryChars       = 4000
	truncationMarker      = "... [truncated]"
	minProvidedSummaryLen = 50

	highDetailChars   = 400
	mediumDetailChars = 200
	lowDetailChars    = 80

	promptUserChars  = 500
	promptOtherChars = 200
)

// Relative paths with at least one directory component and an extension,
// e.g. src/index.ts or internal/config/config.go.
var pathPattern = regexp.MustCompile(`(?:[\w.-]+/)+[\w.-]+\.\w+`)

const summaryInstructions = `Summarize the following conversation excerpt in at most 500 words. Use short bullet points. Capture: the user's requests and goals, decisions made and why, files created or modified, the state of any in-progress tasks, and errors hit and how they were resolved. Do not invent details that are not in the excerpt.`

// BuildSummarizationPrompt renders the turns that the next compaction would
// collapse, prefixed with summarization instructions, so a caller can ask a
// model for a better summary than the built-in heuristic. Returns "" when
// the conversation is too short to compact.
func (e *Engine) BuildSummarizationPrompt(msgs []state.Message) string {
	if len(msgs) <= e.keepRecent+1 {
		return ""
	}
	middle := msgs[1 : len(msgs)-e.keepRecent]

	var b strings.Builder
	b.WriteString(summaryInstructions)
	b.WriteString("\n\n")
	for _, msg := range middle {
		if msg.Role == "system" {
			continue
		}
		text := strings.TrimSpace(msg.Content)
		if text == "" && len(msg.ToolCalls) > 0 {
			names := make([]string, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				names = append(names, call.Function.Name)
			}
			text = "(called " + strings.Join(names, ", ") + ")"
		}
		if text == "" {
			continue
		}
		limit := promptOtherChars
		if msg.Role == "user" {
			limit = promptUserChars
		}
		fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(msg.Role), truncateChars(text, limit))
	}
	return b.String()
}

// conversationDigest is what the heuristic summarizer extracts from the
// turns being collapsed.
type conversationDigest struct {
	userRequests   int
	toolExecutions int
	toolsUsed      []string
	filesTouched   []string
	detail         []string
}

func digestTurns(turns []state.Message) conversationDigest {
	var d conversationDigest
	seenTools := make(map[string]bool)
	seenFiles := make(map[string]bool)
	addTool := func(name string) {
		if name != "" && !seenTools[name] {
			seenTools[name] = true
			d.toolsUsed = append(d.toolsUsed, name)
		}
	}
	addFile := func(path string) {
		if path != "" && !seenFiles[path] {
			seenFiles[path] = true
			d.filesTouched = append(d.filesTouched, path)
		}
	}

	for _, msg := range turns {
		for _, call := range msg.ToolCalls {
			addTool(call.Function.Name)
			for _, path := range pathsFromArguments(call.Function.Arguments) {
				addFile(path)
			}
		}

		if msg.Role == "tool" {
			d.toolExecutions++
			addTool(msg.Name)
			for _, path := range pathPattern.FindAllString(msg.Content, -1) {
				addFile(path)
			}
			continue
		}
		if msg.Role == "user" {
			d.userRequests++
		}

		text := strings.TrimSpace(msg.Content)
		if text == "" {
			continue
		}
		budget := lowDetailChars
		switch score := importance.Score(msg); {
		case score >= 0.7:
			budget = highDetailChars
		case score >= 0.4:
			budget = mediumDetailChars
		}
		d.detail = append(d.detail, fmt.Sprintf("- %s: %s", msg.Role, truncateChars(text, budget)))
	}
	return d
}

// summaryText assembles the synthetic summary turn. A provided summary of at
// least minProvidedSummaryLen characters replaces the heuristic detail lines
// but never the preamble, so downstream consumers can always spot a
// compacted conversation by its marker line.
func (e *Engine) summaryText(middle []state.Message, provided string) string {
	d := digestTurns(middle)

	var b strings.Builder
	fmt.Fprintf(&b, "[Auto-compacted context: %d messages summarized]\n", len(middle))
	fmt.Fprintf(&b, "User requests: %d | Tool executions: %d\n", d.userRequests, d.toolExecutions)
	if len(d.toolsUsed) > 0 {
		fmt.Fprintf(&b, "Tools used: %s\n", strings.Join(d.toolsUsed, ", "))
	}
	if len(d.filesTouched) > 0 {
		fmt.Fprintf(&b, "Files touched: %s\n", strings.Join(d.filesTouched, ", "))
	}
	b.WriteString("\n--- Conversation Summary ---\n")

	body := strings.TrimSpace(provided)
	if len(body) < minProvidedSummaryLen {
		body = strings.Join(d.detail, "\n")
	}
	if body == "" {
		body = "(no conversational detail in the summarized span)"
	}
	b.WriteString(body)

	text := b.String()
	if len(text) > maxSummaryChars {
		text = text[:maxSummaryChars] + truncationMarker
	}
	return text
}

// pathsFromArguments pulls filePath/path values out of a tool call's JSON
// argument blob. Malformed JSON yields nothing.
func pathsFromArguments(raw string) []string {
	if raw == "" {
		return nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil
	}
	var out []string
	for _, key := range []string{"filePath", "path"} {
		if value, ok := args[key].(string); ok && value != "" {
			out = append(out, value)
		}
	}
	return out
}

func truncateChars(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
