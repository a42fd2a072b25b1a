package compact

import (
	"fmt"
	"strings"
	"testing"

	"engram/internal/state"
	"engram/internal/tokens"
)

func newTestEngine() *Engine {
	return NewEngine(tokens.NewCharEstimator(), DefaultKeepRecent, nil)
}

// conversation builds a system turn, oldCount filler turns of roughly 480
// characters, and recentCount short trailing turns.
func conversation(oldCount, recentCount int) []state.Message {
	msgs := []state.Message{{Role: "system", Content: "You are a careful assistant."}}
	filler := strings.Repeat("The build pipeline needs a cache layer. ", 12)
	for i := 0; i < oldCount; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, state.Message{Role: role, Content: fmt.Sprintf("turn %02d: %s", i, filler)})
	}
	for i := 0; i < recentCount; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, state.Message{Role: role, Content: fmt.Sprintf("recent %02d: wrap up", i)})
	}
	return msgs
}

func TestEngineDefaults(t *testing.T) {
	eng := NewEngine(nil, 0, nil)
	if got := eng.KeepRecent(); got != DefaultKeepRecent {
		t.Fatalf("KeepRecent() = %d, want %d", got, DefaultKeepRecent)
	}
	eng.SetKeepRecent(8)
	if got := eng.KeepRecent(); got != 8 {
		t.Fatalf("KeepRecent() after SetKeepRecent(8) = %d", got)
	}
	eng.SetKeepRecent(0)
	if got := eng.KeepRecent(); got != 8 {
		t.Fatalf("SetKeepRecent(0) should be ignored, got %d", got)
	}
}

func TestShouldCompactShortConversation(t *testing.T) {
	eng := newTestEngine()
	msgs := conversation(2, 0)
	opts := TriggerOptions{LastKnownPromptTokens: 1 << 20}
	if eng.ShouldCompact(msgs, "llama", opts) {
		t.Fatal("3-turn conversation must never compact, even over budget")
	}
}

func TestShouldCompactUsesReportedTokens(t *testing.T) {
	eng := newTestEngine()

	// Single-character turns estimate to almost nothing; the reported
	// prompt count must win over the estimate.
	msgs := []state.Message{{Role: "system", Content: "s"}}
	for i := 0; i < 15; i++ {
		msgs = append(msgs, state.Message{Role: "user", Content: "x"})
	}

	// llama resolves to 8192; the trigger point at the default threshold
	// is 6144 tokens.
	if !eng.ShouldCompact(msgs, "llama", TriggerOptions{LastKnownPromptTokens: 7000}) {
		t.Error("7000 reported tokens against an 8192 limit should compact")
	}
	if eng.ShouldCompact(msgs, "llama", TriggerOptions{LastKnownPromptTokens: 6100}) {
		t.Error("6100 reported tokens is under the 6144 trigger point")
	}
}

func TestShouldCompactEstimateFallback(t *testing.T) {
	eng := newTestEngine()
	msgs := conversation(5, 6)

	if !eng.ShouldCompact(msgs, "", TriggerOptions{EffectiveLimit: 100, Threshold: 0.5}) {
		t.Error("estimated size far over a tiny limit should compact")
	}
	if eng.ShouldCompact(msgs, "", TriggerOptions{EffectiveLimit: 10_000_000}) {
		t.Error("estimated size under a huge limit should not compact")
	}
}

func TestShouldCompactThresholdOverride(t *testing.T) {
	eng := newTestEngine()
	msgs := conversation(5, 6)
	estimate := tokens.NewCharEstimator().EstimateConversation(msgs)

	if eng.ShouldCompact(msgs, "", TriggerOptions{EffectiveLimit: 2 * estimate, Threshold: 0.9}) {
		t.Error("estimate is half the limit, 0.9 threshold should not trip")
	}
	if !eng.ShouldCompact(msgs, "", TriggerOptions{EffectiveLimit: 2 * estimate, Threshold: 0.4}) {
		t.Error("estimate is half the limit, 0.4 threshold should trip")
	}
}

func TestCompactTooShortIsNoop(t *testing.T) {
	eng := newTestEngine()
	msgs := conversation(0, 6) // keepRecent+1 turns

	res := eng.Compact(msgs)
	if res.Compacted {
		t.Fatal("conversation at keepRecent+1 turns must not compact")
	}
	if res.RemovedCount != 0 || res.SummaryMessage != nil {
		t.Fatalf("noop result carries removals: %+v", res)
	}
	if res.TokensBefore != res.TokensAfter {
		t.Errorf("noop token counts differ: %d vs %d", res.TokensBefore, res.TokensAfter)
	}
	if len(res.Messages) != len(msgs) || res.Messages[3].Content != msgs[3].Content {
		t.Error("noop must return the conversation unchanged")
	}
}

func TestCompactLongConversation(t *testing.T) {
	eng := newTestEngine()
	est := tokens.NewCharEstimator()
	msgs := conversation(10, 6)

	res := eng.Compact(msgs)
	if !res.Compacted {
		t.Fatal("17-turn conversation should compact")
	}
	if res.RemovedCount != 10 {
		t.Errorf("RemovedCount = %d, want 10", res.RemovedCount)
	}
	if res.TokensAfter >= res.TokensBefore {
		t.Errorf("compaction did not shrink: before=%d after=%d", res.TokensBefore, res.TokensAfter)
	}
	if res.TokensBefore != est.EstimateConversation(msgs) {
		t.Errorf("TokensBefore = %d, want the input estimate", res.TokensBefore)
	}
	if res.TokensAfter != est.EstimateConversation(res.Messages) {
		t.Errorf("TokensAfter = %d, want the output estimate", res.TokensAfter)
	}

	if len(res.Messages) != 8 {
		t.Fatalf("len(Messages) = %d, want first + summary + 6 recent", len(res.Messages))
	}
	if res.Messages[0].Content != msgs[0].Content {
		t.Error("first turn must survive verbatim")
	}
	for i := 0; i < 6; i++ {
		if res.Messages[2+i].Content != msgs[11+i].Content {
			t.Errorf("recent turn %d not preserved verbatim", i)
		}
	}

	summary := res.Messages[1]
	if summary.Role != "system" {
		t.Errorf("summary role = %q, want system", summary.Role)
	}
	if !strings.Contains(summary.Content, "[Auto-compacted context: 10 messages summarized]") {
		t.Errorf("summary missing preamble marker:\n%s", summary.Content)
	}
	if !strings.Contains(summary.Content, "--- Conversation Summary ---") {
		t.Errorf("summary missing detail marker:\n%s", summary.Content)
	}
	if res.SummaryMessage == nil || res.SummaryMessage.Content != summary.Content {
		t.Error("SummaryMessage should reference the inserted summary turn")
	}
}

func TestCompactExtractsToolCallPaths(t *testing.T) {
	eng := newTestEngine()
	ask := strings.Repeat("Create the entry point for the web app and wire the bootstrap so the landing view renders with live data. ", 3)
	toolOutput := "wrote src/index.ts; touched docs/setup.md\n" +
		strings.Repeat("bundle step completed without warnings. ", 9)

	msgs := []state.Message{
		{Role: "system", Content: "You are a careful assistant."},
		{Role: "user", Content: ask},
		{Role: "assistant", ToolCalls: []state.ToolCall{{
			ID:   "call-1",
			Type: "function",
			Function: state.FunctionCall{
				Name:      "write_file",
				Arguments: `{"filePath":"src/index.ts","content":"export {}"}`,
			},
		}}},
		{Role: "tool", Name: "write_file", ToolCallID: "call-1", Content: toolOutput},
		{Role: "assistant", Content: "We decided to keep the writer synchronous."},
	}
	for i := 0; i < 6; i++ {
		msgs = append(msgs, state.Message{Role: "user", Content: fmt.Sprintf("recent %d", i)})
	}

	res := eng.Compact(msgs)
	if !res.Compacted {
		t.Fatal("expected compaction")
	}
	summary := res.Messages[1].Content

	if !strings.Contains(summary, "[Auto-compacted context: 4 messages summarized]") {
		t.Errorf("wrong preamble:\n%s", summary)
	}
	if !strings.Contains(summary, "User requests: 1 | Tool executions: 1") {
		t.Errorf("wrong counts:\n%s", summary)
	}
	if !strings.Contains(summary, "Tools used: write_file") {
		t.Errorf("missing tool set:\n%s", summary)
	}
	// Deduplicated: src/index.ts shows up in both the call arguments and
	// the tool output but must be listed once.
	if !strings.Contains(summary, "Files touched: src/index.ts, docs/setup.md") {
		t.Errorf("missing or duplicated file set:\n%s", summary)
	}
	if !strings.Contains(summary, "- assistant: We decided to keep the writer synchronous.") {
		t.Errorf("missing assistant detail line:\n%s", summary)
	}
}

func TestCompactDetailBudgets(t *testing.T) {
	eng := newTestEngine()

	// user + question + over 200 chars scores 0.7: 400-char budget.
	userHigh := strings.Repeat("Please outline the retry strategy for uploads. ", 13) + "Which queue should we keep?"
	// plain assistant prose scores 0.3: 80-char budget.
	assistantLow := strings.Repeat("The retry queue drains in order. ", 10)
	// assistant mentioning a failure scores 0.45: 200-char budget.
	assistantMid := strings.Repeat("The first run failed with a timeout error before the fix landed. ", 5)

	msgs := []state.Message{{Role: "system", Content: "sys"}}
	msgs = append(msgs,
		state.Message{Role: "user", Content: userHigh},
		state.Message{Role: "assistant", Content: assistantLow},
		state.Message{Role: "assistant", Content: assistantMid},
	)
	for i := 0; i < 6; i++ {
		msgs = append(msgs, state.Message{Role: "user", Content: fmt.Sprintf("recent %d", i)})
	}

	res := eng.Compact(msgs)
	if !res.Compacted {
		t.Fatal("expected compaction")
	}
	summary := res.Messages[1].Content

	wantHigh := "- user: " + userHigh[:400] + "..."
	if !strings.Contains(summary, wantHigh) {
		t.Errorf("high-importance turn not truncated at 400:\n%s", summary)
	}
	trimmedLow := strings.TrimSpace(assistantLow)
	if !strings.Contains(summary, "- assistant: "+trimmedLow[:80]+"...") {
		t.Errorf("low-importance turn not truncated at 80:\n%s", summary)
	}
	trimmedMid := strings.TrimSpace(assistantMid)
	if !strings.Contains(summary, "- assistant: "+trimmedMid[:200]+"...") {
		t.Errorf("mid-importance turn not truncated at 200:\n%s", summary)
	}
	if strings.Contains(summary, userHigh) {
		t.Error("full user text leaked into the summary")
	}
}

func TestCompactSummaryCap(t *testing.T) {
	eng := newTestEngine()
	long := strings.Repeat("Explain the cache invalidation path once more please. ", 12) + "Ready?"

	msgs := []state.Message{{Role: "system", Content: "sys"}}
	for i := 0; i < 12; i++ {
		msgs = append(msgs, state.Message{Role: "user", Content: fmt.Sprintf("turn %02d: %s", i, long)})
	}
	for i := 0; i < 6; i++ {
		msgs = append(msgs, state.Message{Role: "assistant", Content: fmt.Sprintf("recent %d", i)})
	}

	res := eng.Compact(msgs)
	if !res.Compacted {
		t.Fatal("expected compaction")
	}
	summary := res.Messages[1].Content
	if !strings.HasSuffix(summary, truncationMarker) {
		t.Errorf("capped summary should end with the truncation marker, got tail %q", summary[len(summary)-30:])
	}
	if len(summary) > maxSummaryChars+len(truncationMarker) {
		t.Errorf("summary length %d exceeds the cap", len(summary))
	}
}

func TestCompactWithSummaryUsesProvidedText(t *testing.T) {
	eng := newTestEngine()
	msgs := conversation(8, 6)
	provided := "The user migrated the config loader to YAML and fixed the failing path tests along the way."

	res := eng.CompactWithSummary(msgs, provided)
	if !res.Compacted {
		t.Fatal("expected compaction")
	}
	summary := res.Messages[1].Content
	if !strings.Contains(summary, provided) {
		t.Errorf("provided summary not used:\n%s", summary)
	}
	if strings.Contains(summary, "- user:") {
		t.Error("heuristic detail lines should be replaced by the provided summary")
	}
	if !strings.Contains(summary, "[Auto-compacted context: 8 messages summarized]") {
		t.Error("preamble marker must survive a provided summary")
	}
}

func TestCompactWithSummaryFallsBackWhenTooShort(t *testing.T) {
	eng := newTestEngine()
	msgs := conversation(8, 6)

	res := eng.CompactWithSummary(msgs, "too short.")
	if !res.Compacted {
		t.Fatal("expected compaction")
	}
	summary := res.Messages[1].Content
	if strings.Contains(summary, "too short.") {
		t.Error("degenerate provided summary should be discarded")
	}
	if !strings.Contains(summary, "- user:") {
		t.Errorf("heuristic detail lines missing after fallback:\n%s", summary)
	}
}

func TestCompactSkipsWhenSummaryWouldNotShrink(t *testing.T) {
	eng := newTestEngine()
	msgs := []state.Message{{Role: "system", Content: "ok"}}
	for i := 0; i < 8; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, state.Message{Role: role, Content: "ok"})
	}

	res := eng.Compact(msgs)
	if res.Compacted {
		t.Fatal("summarizing two-character turns cannot shrink the conversation")
	}
	if len(res.Messages) != len(msgs) || res.SummaryMessage != nil {
		t.Errorf("bail-out must leave the conversation unchanged: %+v", res)
	}
}

func TestBuildSummarizationPrompt(t *testing.T) {
	eng := newTestEngine()
	userLong := strings.Repeat("Review the migration plan for the storage layer and flag risks. ", 10)
	assistantLong := strings.Repeat("The plan moves writes behind a queue. ", 8)

	msgs := []state.Message{
		{Role: "system", Content: "root system prompt"},
		{Role: "user", Content: userLong},
		{Role: "assistant", Content: assistantLong},
		{Role: "assistant", ToolCalls: []state.ToolCall{{
			ID: "call-9", Type: "function",
			Function: state.FunctionCall{Name: "read_file", Arguments: `{"path":"notes.md"}`},
		}}},
		{Role: "tool", Name: "read_file", ToolCallID: "call-9", Content: "plan draft v2"},
		{Role: "system", Content: "earlier summary marker"},
	}
	for i := 0; i < 6; i++ {
		msgs = append(msgs, state.Message{Role: "user", Content: fmt.Sprintf("recent %d", i)})
	}

	prompt := eng.BuildSummarizationPrompt(msgs)
	if !strings.HasPrefix(prompt, "Summarize the following conversation excerpt") {
		t.Fatalf("prompt missing instructions:\n%s", prompt)
	}

	trimmedUser := strings.TrimSpace(userLong)
	if !strings.Contains(prompt, "USER: "+trimmedUser[:500]+"...") {
		t.Errorf("user turn not truncated at 500:\n%s", prompt)
	}
	trimmedAssistant := strings.TrimSpace(assistantLong)
	if !strings.Contains(prompt, "ASSISTANT: "+trimmedAssistant[:200]+"...") {
		t.Errorf("assistant turn not truncated at 200:\n%s", prompt)
	}
	if !strings.Contains(prompt, "ASSISTANT: (called read_file)") {
		t.Errorf("tool-call-only turn missing:\n%s", prompt)
	}
	if !strings.Contains(prompt, "TOOL: plan draft v2") {
		t.Errorf("tool result missing:\n%s", prompt)
	}
	if strings.Contains(prompt, "earlier summary marker") {
		t.Error("system turns must be excluded from the prompt")
	}
}

func TestBuildSummarizationPromptShortConversation(t *testing.T) {
	eng := newTestEngine()
	if got := eng.BuildSummarizationPrompt(conversation(0, 6)); got != "" {
		t.Fatalf("short conversation should yield no prompt, got %q", got)
	}
}
