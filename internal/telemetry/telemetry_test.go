package telemetry

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "telemetry.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndLoadCompactions(t *testing.T) {
	store := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		err := store.RecordCompaction(CompactionEvent{
			Timestamp:       base.Add(time.Duration(i) * time.Minute),
			Session:         "chat-1",
			Model:           "openai/gpt-4o-mini",
			TokensBefore:    9000 + i,
			TokensAfter:     2000 + i,
			MessagesRemoved: 10 + i,
			Reason:          "auto",
			ModelAssisted:   i == 2,
		})
		if err != nil {
			t.Fatalf("RecordCompaction %d: %v", i, err)
		}
	}

	events, err := store.RecentCompactions(2)
	if err != nil {
		t.Fatalf("RecentCompactions: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].MessagesRemoved != 12 || events[1].MessagesRemoved != 11 {
		t.Errorf("events not newest-first: %+v", events)
	}
	if !events[0].ModelAssisted {
		t.Error("model_assisted flag lost on roundtrip")
	}
	if events[0].Session != "chat-1" || events[0].Reason != "auto" {
		t.Errorf("unexpected event fields: %+v", events[0])
	}
	if events[0].TokensBefore != 9002 || events[0].TokensAfter != 2002 {
		t.Errorf("token counts lost: %+v", events[0])
	}
}

func TestRecentCompactionsDefaultLimit(t *testing.T) {
	store := openTestStore(t)
	for i := 0; i < 55; i++ {
		err := store.RecordCompaction(CompactionEvent{
			Timestamp:       time.Date(2025, 6, 1, 0, 0, i, 0, time.UTC),
			TokensBefore:    100,
			TokensAfter:     50,
			MessagesRemoved: i,
			Reason:          "manual",
		})
		if err != nil {
			t.Fatalf("RecordCompaction %d: %v", i, err)
		}
	}
	events, err := store.RecentCompactions(0)
	if err != nil {
		t.Fatalf("RecentCompactions: %v", err)
	}
	if len(events) != 50 {
		t.Fatalf("default limit should cap at 50, got %d", len(events))
	}
}

func TestUsageTotals(t *testing.T) {
	store := openTestStore(t)
	rows := []TurnUsage{
		{Session: "chat-1", Model: "m", PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120, Complexity: "moderate"},
		{Session: "chat-1", Model: "m", PromptTokens: 250, CompletionTokens: 30, TotalTokens: 280, Complexity: "complex"},
	}
	for i, usage := range rows {
		if err := store.RecordTurnUsage(usage); err != nil {
			t.Fatalf("RecordTurnUsage %d: %v", i, err)
		}
	}

	turns, prompt, completion, err := store.UsageTotals()
	if err != nil {
		t.Fatalf("UsageTotals: %v", err)
	}
	if turns != 2 || prompt != 350 || completion != 50 {
		t.Errorf("totals = (%d, %d, %d), want (2, 350, 50)", turns, prompt, completion)
	}
}

func TestOpenRecoversFromCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.db")
	if err := os.WriteFile(path, []byte("this is not a sqlite file"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open should recover from corruption: %v", err)
	}
	defer store.Close()

	if err := store.RecordCompaction(CompactionEvent{TokensBefore: 10, TokensAfter: 5, Reason: "auto"}); err != nil {
		t.Fatalf("RecordCompaction after recovery: %v", err)
	}
	events, err := store.RecentCompactions(10)
	if err != nil {
		t.Fatalf("RecentCompactions after recovery: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events after recovery, want 1", len(events))
	}
}

func TestOpenEmptyFileYieldsWorkingStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.db")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("seed empty file: %v", err)
	}

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open on empty file: %v", err)
	}
	defer store.Close()

	if err := store.RecordTurnUsage(TurnUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}); err != nil {
		t.Fatalf("RecordTurnUsage: %v", err)
	}
}
