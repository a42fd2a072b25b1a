package main

import (
	"fmt"
	"strings"

	"engram/internal/compact"
	"engram/internal/config"
	"engram/internal/state"
	"engram/internal/tokens"
)

// Builds a synthetic long conversation and reports what compaction does to
// it under different model limits. Useful for tuning thresholds without
// burning provider tokens.
func main() {
	estimator := tokens.NewCharEstimator()
	engine := compact.NewEngine(estimator, compact.DefaultKeepRecent, nil)

	msgs := syntheticConversation(40)
	before := estimator.EstimateConversation(msgs)

	fmt.Printf("Synthetic conversation:\n")
	fmt.Printf("  Messages: %d\n", len(msgs))
	fmt.Printf("  Estimated tokens: %d\n", before)
	fmt.Println()

	models := []string{
		"llama2-7b",
		"gpt-3.5-turbo-16k",
		"qwen/qwen3-30b-a3b-instruct-2507",
		"deepseek/deepseek-chat-v3-0324",
		"claude-3-5-sonnet",
	}

	fmt.Println("Trigger check at the default threshold:")
	for _, model := range models {
		limit := config.ModelContextLimit(model)
		hit := engine.ShouldCompact(msgs, model, compact.TriggerOptions{})
		verdict := "within budget"
		if hit {
			verdict = "would compact"
		}
		fmt.Printf("  %-36s limit %7d: %s\n", model, limit, verdict)
	}
	fmt.Println()

	result := engine.Compact(msgs)
	if !result.Compacted {
		fmt.Println("Compaction made no change (conversation too small to benefit).")
		return
	}
	fmt.Printf("Heuristic compaction:\n")
	fmt.Printf("  Messages: %d -> %d (%d summarized)\n", len(msgs), len(result.Messages), result.RemovedCount)
	fmt.Printf("  Tokens:   %d -> %d (%.0f%% saved)\n", result.TokensBefore, result.TokensAfter,
		100*(1-float64(result.TokensAfter)/float64(result.TokensBefore)))
	fmt.Printf("  Summary turn: %d chars\n", len(result.SummaryMessage.Content))
}

func syntheticConversation(turns int) []state.Message {
	msgs := []state.Message{{Role: "system", Content: "You are a concise coding assistant."}}
	for i := 0; i < turns; i++ {
		msgs = append(msgs, state.Message{
			Role: "user",
			Content: fmt.Sprintf("Step %d: please refactor the handler in internal/server/handler.go and explain the change. %s",
				i+1, strings.Repeat("The previous attempt left duplicated validation branches. ", 6)),
		})
		msgs = append(msgs, state.Message{
			Role: "assistant",
			Content: fmt.Sprintf("Done with step %d. %s",
				i+1, strings.Repeat("Moved the validation into a table-driven check and updated the tests accordingly. ", 6)),
		})
	}
	return msgs
}
