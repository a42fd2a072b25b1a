// Package state holds conversation history and its persistence. Messages use
// the OpenAI-compatible chat schema so stored turns can be replayed verbatim
// in provider requests.
package state

import (
	"time"
)

// Message is a single conversation turn.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Conversation is a named, mutable list of chat messages plus persistence
// metadata. All mutation goes through the Manager that owns it.
type Conversation struct {
	key              string
	messages         []Message
	lastPromptTokens int
	storagePath      string
	createdAt        time.Time
	updatedAt        time.Time
}

func newConversation(key, systemPrompt string) *Conversation {
	now := time.Now()
	c := &Conversation{key: key, createdAt: now, updatedAt: now}
	if systemPrompt != "" {
		c.messages = []Message{{Role: "system", Content: systemPrompt}}
	}
	return c
}

func (c *Conversation) Key() string { return c.key }

func (c *Conversation) StoragePath() string { return c.storagePath }

func (c *Conversation) Len() int { return len(c.messages) }

// Messages returns a copy; callers may not mutate history directly.
func (c *Conversation) Messages() []Message {
	return append([]Message(nil), c.messages...)
}

func (c *Conversation) Append(msg Message) {
	c.messages = append(c.messages, msg)
	c.touch()
}

// Clear drops all history and reinstates the system prompt when given.
func (c *Conversation) Clear(systemPrompt string) {
	c.messages = nil
	c.lastPromptTokens = 0
	if systemPrompt != "" {
		c.messages = []Message{{Role: "system", Content: systemPrompt}}
	}
	c.touch()
}

// ReplaceMessages swaps the history with the provided slice. Used after
// compaction rewrites the transcript.
func (c *Conversation) ReplaceMessages(messages []Message) {
	c.messages = append([]Message(nil), messages...)
	c.touch()
}

// SetLastPromptTokens records the prompt size the provider reported for the
// most recent request. Zero means no report yet.
func (c *Conversation) SetLastPromptTokens(n int) {
	if n < 0 {
		n = 0
	}
	c.lastPromptTokens = n
}

func (c *Conversation) LastPromptTokens() int { return c.lastPromptTokens }

func (c *Conversation) CreatedAt() time.Time { return c.createdAt }

func (c *Conversation) UpdatedAt() time.Time { return c.updatedAt }

func (c *Conversation) touch() {
	now := time.Now()
	if c.createdAt.IsZero() {
		c.createdAt = now
	}
	c.updatedAt = now
}
