// Package compact shrinks conversation history once it approaches the
// model's context ceiling. The first turn and the most recent turns survive
// verbatim; everything between collapses into one synthesized summary turn.
// The engine never calls the network: model-assisted summaries are produced
// by the caller from BuildSummarizationPrompt and handed back in.
package compact

import (
	"io"
	"log"

	"engram/internal/config"
	"engram/internal/logging"
	"engram/internal/state"
	"engram/internal/tokens"
)

const (
	// DefaultKeepRecent is how many trailing turns stay verbatim.
	DefaultKeepRecent = 6

	// DefaultThreshold triggers compaction at this fraction of the limit.
	DefaultThreshold = 0.75
)

// Engine decides when to compact and produces the reduced conversation.
type Engine struct {
	estimator  tokens.Estimator
	keepRecent int
	logger     *logging.StructuredLogger
}

// NewEngine builds an engine. A keepRecent below 1 falls back to the
// default; a nil logger discards.
func NewEngine(estimator tokens.Estimator, keepRecent int, logger *logging.StructuredLogger) *Engine {
	if estimator == nil {
		estimator = tokens.NewCharEstimator()
	}
	if keepRecent < 1 {
		keepRecent = DefaultKeepRecent
	}
	if logger == nil {
		logger = logging.NewStructuredLogger(log.New(io.Discard, "", 0), "compact", false)
	}
	return &Engine{estimator: estimator, keepRecent: keepRecent, logger: logger}
}

// KeepRecent returns the verbatim-tail length.
func (e *Engine) KeepRecent() int {
	return e.keepRecent
}

// SetKeepRecent adjusts the verbatim-tail length. Values below 1 are ignored.
func (e *Engine) SetKeepRecent(n int) {
	if n >= 1 {
		e.keepRecent = n
	}
}

// TriggerOptions carries the optional inputs to ShouldCompact. Zero values
// mean "not known": the prompt count falls back to the character estimate,
// the limit to the model table, and the threshold to DefaultThreshold.
type TriggerOptions struct {
	LastKnownPromptTokens int
	EffectiveLimit        int
	Threshold             float64
}

// ShouldCompact reports whether the conversation has outgrown its budget.
// Provider-reported prompt tokens are preferred over the estimate when the
// caller has them. Conversations within keepRecent+3 turns never compact.
func (e *Engine) ShouldCompact(msgs []state.Message, model string, opts TriggerOptions) bool {
	if len(msgs) <= e.keepRecent+3 {
		return false
	}
	limit := opts.EffectiveLimit
	if limit <= 0 {
		limit = config.ModelContextLimit(model)
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	count := opts.LastKnownPromptTokens
	if count <= 0 {
		count = e.estimator.EstimateConversation(msgs)
	}
	return float64(count) >= float64(limit)*threshold
}

// Result describes one compaction pass. Messages always holds the
// conversation to use afterward, compacted or not.
type Result struct {
	Compacted      bool
	RemovedCount   int
	TokensBefore   int
	TokensAfter    int
	SummaryMessage *state.Message
	Messages       []state.Message
}

// Compact reduces the conversation using the heuristic summarizer.
func (e *Engine) Compact(msgs []state.Message) Result {
	return e.compactWith(msgs, "")
}

// CompactWithSummary is Compact with a caller-supplied summary body, usually
// produced by a model from BuildSummarizationPrompt. Degenerate summaries
// (shorter than 50 characters) are discarded in favor of the heuristic.
func (e *Engine) CompactWithSummary(msgs []state.Message, summary string) Result {
	return e.compactWith(msgs, summary)
}

func (e *Engine) compactWith(msgs []state.Message, providedSummary string) Result {
	before := e.estimator.EstimateConversation(msgs)
	if len(msgs) <= e.keepRecent+1 {
		return noopResult(msgs, before)
	}

	first := msgs[0]
	recent := msgs[len(msgs)-e.keepRecent:]
	middle := msgs[1 : len(msgs)-e.keepRecent]

	summary := state.Message{
		Role:    "system",
		Content: e.summaryText(middle, providedSummary),
	}

	compacted := make([]state.Message, 0, len(recent)+2)
	compacted = append(compacted, first, summary)
	compacted = append(compacted, recent...)

	after := e.estimator.EstimateConversation(compacted)
	if after >= before {
		// Summarizing tiny turns can cost more than it saves.
		return noopResult(msgs, before)
	}

	e.logger.Info("compacted conversation", map[string]interface{}{
		"removed":       len(middle),
		"tokens_before": before,
		"tokens_after":  after,
	})
	return Result{
		Compacted:      true,
		RemovedCount:   len(middle),
		TokensBefore:   before,
		TokensAfter:    after,
		SummaryMessage: &summary,
		Messages:       compacted,
	}
}

func noopResult(msgs []state.Message, estimate int) Result {
	out := make([]state.Message, len(msgs))
	copy(out, msgs)
	return Result{
		Compacted:    false,
		TokensBefore: estimate,
		TokensAfter:  estimate,
		Messages:     out,
	}
}
