package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"engram/internal/compact"
	"engram/internal/complexity"
	"engram/internal/config"
	"engram/internal/llm"
	"engram/internal/logging"
	"engram/internal/state"
	"engram/internal/telemetry"
)

// maxToolResultSize caps any single tool result fed back to the model.
const maxToolResultSize = 50000

func (a *Agent) respond(ctx context.Context, userInput string) (string, string, error) {
	conv := a.states.Current()
	level := complexity.Classify(userInput, conv.Len())
	logging.DevLog("classified input as %s (%d messages of history)", level, conv.Len())

	conv.Append(state.Message{Role: "user", Content: userInput})
	if err := a.states.Save(conv); err != nil {
		return "", "", fmt.Errorf("save conversation: %w", err)
	}
	return a.respondLoop(ctx, conv, level)
}

// respondLoop runs provider rounds until the model stops requesting tools.
// Each round re-checks the compaction trigger first, so a long tool exchange
// cannot push the transcript past the context ceiling unnoticed.
func (a *Agent) respondLoop(ctx context.Context, conv *state.Conversation, level complexity.Level) (string, string, error) {
	for {
		if compacted, err := a.maybeCompact(ctx, conv, "auto"); err != nil {
			logging.ErrorLog("compaction failed: %v", err)
		} else if compacted {
			last := conv.Messages()
			fmt.Printf("(auto-compacted history to %d messages, ~%d tokens)\n",
				len(last), a.estimator.EstimateConversation(last))
		}

		messages := a.injectWorkingMemory(conv.Messages(), level)
		logging.DevLog("invoking provider with %d messages (~%d tokens)",
			len(messages), a.estimator.EstimateConversation(messages))

		req := llm.ChatRequest{
			Model:       a.cfg.Model,
			Messages:    messages,
			Tools:       a.tools.Definitions(),
			Temperature: a.cfg.Temperature,
		}

		reqCtx, reqCancel := context.WithCancel(ctx)
		a.setInFlightCancel(reqCancel)
		resp, err := a.callProviderWithRetry(reqCtx, req)
		a.clearInFlightCancel()
		reqCancel()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Println("(request cancelled)")
				return "", "", nil
			}
			return "", "", fmt.Errorf("chat completion: %w", err)
		}
		if resp.Usage != nil {
			logging.DevLog("token usage: prompt=%d completion=%d total=%d",
				resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
			conv.SetLastPromptTokens(resp.Usage.PromptTokens)
			a.addTokens(resp.Usage.TotalTokens)
			a.recordTurnUsage(conv.Key(), resp.Usage, level)
		}
		if len(resp.Choices) == 0 {
			return "", "", fmt.Errorf("no choices returned")
		}

		choice := resp.Choices[0]
		conv.Append(choice.Message)
		if err := a.states.Save(conv); err != nil {
			return "", "", fmt.Errorf("save conversation: %w", err)
		}

		if len(choice.Message.ToolCalls) == 0 {
			return choice.Message.Content, choice.FinishReason, nil
		}
		if err := a.processToolCalls(ctx, conv, choice.Message.ToolCalls); err != nil {
			return "", "", err
		}
	}
}

// injectWorkingMemory appends the store's context block to a copy of the
// system turn. The stored conversation is never mutated; the block is rebuilt
// per request so pins and tasks added mid-session show up immediately.
func (a *Agent) injectWorkingMemory(messages []state.Message, level complexity.Level) []state.Message {
	if a.memory == nil || len(messages) == 0 {
		return messages
	}
	block := a.memory.BuildContext(level)
	if block == "" {
		return messages
	}
	result := make([]state.Message, len(messages))
	copy(result, messages)
	for i, msg := range result {
		if msg.Role == "system" {
			result[i].Content = msg.Content + "\n\n" + block
			return result
		}
	}
	return append([]state.Message{{Role: "system", Content: block}}, result...)
}

// maybeCompact runs one compaction pass over the conversation. With reason
// "auto" the engine's trigger decides; "manual" always compacts (subject to
// the engine's own minimum-length and must-shrink rules). Returns whether the
// transcript changed.
func (a *Agent) maybeCompact(ctx context.Context, conv *state.Conversation, reason string) (bool, error) {
	msgs := conv.Messages()
	model := a.cfg.Model

	if reason == "auto" {
		opts := compact.TriggerOptions{
			LastKnownPromptTokens: conv.LastPromptTokens(),
			Threshold:             a.compactionThreshold(),
		}
		if a.memory != nil {
			opts.EffectiveLimit = a.memory.EffectiveContextLimit(config.ModelContextLimit(model))
		}
		if !a.engine.ShouldCompact(msgs, model, opts) {
			return false, nil
		}
	}

	start := time.Now()
	summary, assisted := a.summarizeMiddle(ctx, msgs)
	result := a.engine.CompactWithSummary(msgs, summary)
	if !result.Compacted {
		return false, nil
	}

	conv.ReplaceMessages(result.Messages)
	// The provider-reported count describes the old transcript; let the next
	// trigger decision fall back to the estimate.
	conv.SetLastPromptTokens(0)
	if err := a.states.Save(conv); err != nil {
		return true, fmt.Errorf("save compacted conversation: %w", err)
	}
	a.recordCompaction(conv.Key(), result, reason, assisted, time.Since(start))
	logging.UserLog("Compacted %s: %d messages summarized, ~%d -> ~%d tokens",
		conv.Key(), result.RemovedCount, result.TokensBefore, result.TokensAfter)
	return true, nil
}

// compactionThreshold resolves the trigger fraction: an explicit config value
// wins, otherwise the device profile decides.
func (a *Agent) compactionThreshold() float64 {
	if a.cfg.CompactionThreshold > 0 {
		return a.cfg.CompactionThreshold
	}
	if a.memory != nil {
		return a.memory.Profile().CompactionThreshold
	}
	return 0
}

// summarizeMiddle asks the summary model to condense the turns the next
// compaction would collapse. Any failure, timeout, or empty reply reports
// assisted=false and the engine falls back to its heuristic.
func (a *Agent) summarizeMiddle(ctx context.Context, msgs []state.Message) (string, bool) {
	if a.client == nil {
		return "", false
	}
	promptText := a.engine.BuildSummarizationPrompt(msgs)
	if promptText == "" {
		return "", false
	}

	sumCtx, cancel := context.WithTimeout(ctx, a.cfg.SummaryTimeout())
	defer cancel()

	resp, err := a.client.Chat(sumCtx, llm.ChatRequest{
		Model:       a.cfg.SummaryModel,
		Messages:    []state.Message{{Role: "user", Content: promptText}},
		Temperature: 0.3,
	})
	if err != nil {
		logging.DevLog("summary model call failed: %v", err)
		return "", false
	}
	if len(resp.Choices) == 0 {
		return "", false
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", false
	}
	return text, true
}

func (a *Agent) recordCompaction(session string, result compact.Result, reason string, assisted bool, took time.Duration) {
	if a.telemetry == nil {
		return
	}
	event := telemetry.CompactionEvent{
		Session:         session,
		Model:           a.cfg.Model,
		TokensBefore:    result.TokensBefore,
		TokensAfter:     result.TokensAfter,
		MessagesRemoved: result.RemovedCount,
		Reason:          reason,
		ModelAssisted:   assisted,
		DurationMs:      took.Milliseconds(),
	}
	if err := a.telemetry.RecordCompaction(event); err != nil {
		logging.DevLog("record compaction event failed: %v", err)
	}
}

func (a *Agent) recordTurnUsage(session string, usage *llm.Usage, level complexity.Level) {
	if a.telemetry == nil || usage == nil {
		return
	}
	row := telemetry.TurnUsage{
		Session:          session,
		Model:            a.cfg.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		Complexity:       string(level),
	}
	if err := a.telemetry.RecordTurnUsage(row); err != nil {
		logging.DevLog("record turn usage failed: %v", err)
	}
}

func (a *Agent) processToolCalls(ctx context.Context, conv *state.Conversation, calls []state.ToolCall) error {
	for _, call := range calls {
		tool, ok := a.tools.Lookup(call.Function.Name)
		if !ok {
			msg := fmt.Sprintf("tool %s not registered", call.Function.Name)
			logging.ErrorLog(msg)
			conv.Append(state.Message{Role: "tool", Name: call.Function.Name, Content: msg, ToolCallID: call.ID})
			continue
		}
		var args map[string]any
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				msg := fmt.Sprintf("invalid args for %s: %v", call.Function.Name, err)
				logging.ErrorLog(msg)
				conv.Append(state.Message{Role: "tool", Name: call.Function.Name, Content: msg, ToolCallID: call.ID})
				continue
			}
		} else {
			args = map[string]any{}
		}

		logging.UserLog("Executing tool: %s", call.Function.Name)
		fmt.Printf("(running %s)\n", call.Function.Name)

		start := time.Now()
		result, err := tool.Call(ctx, args)
		dur := time.Since(start).Round(time.Millisecond)
		if err != nil {
			result = fmt.Sprintf("tool error: %v", err)
			logging.ErrorLog("tool %s failed after %s: %v", call.Function.Name, dur, err)
		} else {
			originalLen := len(result)
			logging.DevLog("tool %s completed: %d bytes in %s", call.Function.Name, originalLen, dur)
			if originalLen > maxToolResultSize {
				result = result[:maxToolResultSize] + fmt.Sprintf(
					"\n\n[TRUNCATED: tool result too large (%d chars). Showing first %d chars. Use more specific filters or smaller ranges.]",
					originalLen, maxToolResultSize)
			}
			a.noteFileAccess(call.Function.Name, args)
		}

		conv.Append(state.Message{Role: "tool", Name: call.Function.Name, Content: result, ToolCallID: call.ID})
		if err := a.states.Save(conv); err != nil {
			return fmt.Errorf("save tool result: %w", err)
		}
	}
	return nil
}

// noteFileAccess records file-touching tool calls in working memory so the
// recent-files section of the context block stays current.
func (a *Agent) noteFileAccess(toolName string, args map[string]any) {
	if a.memory == nil {
		return
	}
	switch toolName {
	case "read_file", "write_file":
	default:
		return
	}
	path, _ := args["path"].(string)
	if path == "" {
		path, _ = args["filePath"].(string)
	}
	if path == "" {
		return
	}
	a.memory.TrackFileAccess(path, "")
}
