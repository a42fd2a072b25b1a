package importance

import (
	"math"
	"strings"
	"testing"

	"engram/internal/state"
)

func toolCall(name string) state.ToolCall {
	return state.ToolCall{
		ID:       "call_" + name,
		Type:     "function",
		Function: state.FunctionCall{Name: name, Arguments: "{}"},
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		msg  state.Message
		want float64
	}{
		{
			name: "plain assistant turn gets base score",
			msg:  state.Message{Role: "assistant", Content: "here is the plan"},
			want: 0.3,
		},
		{
			name: "plain user turn",
			msg:  state.Message{Role: "user", Content: "add the flag please"},
			want: 0.5,
		},
		{
			name: "user question",
			msg:  state.Message{Role: "user", Content: "why does the test hang?"},
			want: 0.6,
		},
		{
			name: "long user question",
			msg:  state.Message{Role: "user", Content: strings.Repeat("context ", 30) + "so what now?"},
			want: 0.7,
		},
		{
			name: "read-class tool call",
			msg:  state.Message{Role: "assistant", ToolCalls: []state.ToolCall{toolCall("read_file")}},
			want: 0.5,
		},
		{
			name: "write-class tool call",
			msg:  state.Message{Role: "assistant", ToolCalls: []state.ToolCall{toolCall("write_file")}},
			want: 0.7,
		},
		{
			name: "two write calls stack",
			msg:  state.Message{Role: "assistant", ToolCalls: []state.ToolCall{toolCall("write_file"), toolCall("edit_file")}},
			want: 0.9,
		},
		{
			name: "shell call",
			msg:  state.Message{Role: "assistant", ToolCalls: []state.ToolCall{toolCall("shell")}},
			want: 0.6,
		},
		{
			name: "error marker in tool result",
			msg:  state.Message{Role: "tool", Content: "command failed with exit status 1"},
			want: 0.45,
		},
		{
			name: "decision keyword",
			msg:  state.Message{Role: "assistant", Content: "We agreed to keep the sqlite layer."},
			want: 0.4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.msg)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Score = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreClampsAtOne(t *testing.T) {
	msg := state.Message{
		Role:    "user",
		Content: strings.Repeat("the build panicked. ", 15) + "we decided to pin the version instead of vendoring, ok?",
		ToolCalls: []state.ToolCall{
			toolCall("write_file"),
			toolCall("apply_patch"),
			toolCall("bash"),
		},
	}
	if got := Score(msg); got != 1.0 {
		t.Fatalf("Score = %v, want clamp at 1.0", got)
	}
}

func TestScoreBounds(t *testing.T) {
	msgs := []state.Message{
		{},
		{Role: "system"},
		{Role: "user", Content: "?"},
		{Role: "assistant", Content: strings.Repeat("x", 5000)},
		{Role: "tool", Content: "panic: runtime error", ToolCallID: "call_1"},
	}
	for _, msg := range msgs {
		got := Score(msg)
		if got < 0 || got > 1 {
			t.Errorf("Score(%+v) = %v out of [0,1]", msg, got)
		}
	}
}
