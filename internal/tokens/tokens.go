// Package tokens provides a cheap character-based token estimate used to
// drive compaction decisions. It is deliberately not a real tokenizer;
// provider-reported usage counts take precedence whenever available.
package tokens

import "engram/internal/state"

const (
	// CharsPerToken is the assumed average number of characters per token.
	CharsPerToken = 4

	// turnOverhead approximates role and formatting tokens per message.
	turnOverhead = 4
)

// Estimator converts messages into approximate token counts.
type Estimator interface {
	EstimateMessage(msg state.Message) int
	EstimateConversation(msgs []state.Message) int
}

// CharEstimator divides character counts by CharsPerToken, rounding up, and
// charges a small fixed overhead per message.
type CharEstimator struct{}

// NewCharEstimator returns the default estimator.
func NewCharEstimator() *CharEstimator {
	return &CharEstimator{}
}

// EstimateMessage approximates the token cost of a single message. Tool call
// function names and serialized arguments count toward the total.
func (e *CharEstimator) EstimateMessage(msg state.Message) int {
	chars := len(msg.Content)
	for _, tc := range msg.ToolCalls {
		chars += len(tc.Function.Name)
		chars += len(tc.Function.Arguments)
	}
	return (chars+CharsPerToken-1)/CharsPerToken + turnOverhead
}

// EstimateConversation sums EstimateMessage over all messages.
func (e *CharEstimator) EstimateConversation(msgs []state.Message) int {
	total := 0
	for _, msg := range msgs {
		total += e.EstimateMessage(msg)
	}
	return total
}
