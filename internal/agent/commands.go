package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"

	"engram/internal/complexity"
	"engram/internal/config"
	"engram/internal/memory"
)

// userPinImportance is assigned to pins created at the prompt. High, but
// below 1.0 so explicit system pins can still outrank them.
const userPinImportance = 0.8

var commandSuggestions = []prompt.Suggest{
	{Text: ":help", Description: "show this text"},
	{Text: ":sessions", Description: "list stored conversations"},
	{Text: ":use", Description: "switch to a conversation (creates if missing)"},
	{Text: ":new", Description: "create and switch to a blank conversation"},
	{Text: ":clear", Description: "wipe the current conversation's history"},
	{Text: ":drop", Description: "delete a stored conversation"},
	{Text: ":tools", Description: "list registered tools"},
	{Text: ":pin", Description: "pin a note (:pin [kind] <text>)"},
	{Text: ":pins", Description: "list pinned notes"},
	{Text: ":unpin", Description: "remove a pinned note by id"},
	{Text: ":task", Description: "record an active task"},
	{Text: ":tasks", Description: "list tasks (:tasks all includes completed)"},
	{Text: ":done", Description: "mark a task completed"},
	{Text: ":files", Description: "list recently touched files"},
	{Text: ":profile", Description: "show or set the device profile"},
	{Text: ":memory", Description: "show the injectable working-memory block"},
	{Text: ":compact", Description: "compact now (:compact [keep_recent])"},
	{Text: ":stats", Description: "show token usage and recent compactions"},
	{Text: ":reload", Description: "reload config (optionally provide path)"},
	{Text: ":quit", Description: "exit the program"},
	{Text: ":exit", Description: "exit the program"},
}

func (a *Agent) handleCommand(ctx context.Context, cmd string) bool {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(cmd, parts[0]))

	switch parts[0] {
	case ":help":
		fmt.Println(`Commands:
  :help              show this text
  :sessions          list stored conversations
  :use <key>         switch to a conversation (creates if missing)
  :new [key]         create and switch to a blank conversation
  :clear             wipe the current conversation's history
  :drop <key>        delete a stored conversation
  :tools             list registered tools
  :pin [kind] <text> pin a note (kinds: decision fact task instruction reference)
  :pins [n]          list pinned notes (default 10)
  :unpin <id>        remove a pinned note
  :task <text>       record an active task
  :tasks [all]       list tasks (all includes completed)
  :done <id>         mark a task completed
  :files [n]         list recently touched files (default 10)
  :profile [kind]    show or set the device profile (mobile laptop desktop server)
  :memory            show the injectable working-memory block
  :compact [n]       compact now, keeping the n most recent turns verbatim
  :stats             show token usage and recent compactions
  :reload [file]     reload configuration from disk
  :quit              exit the program`)

	case ":sessions":
		sums := a.states.Summaries()
		if len(sums) == 0 {
			fmt.Println("No sessions yet. Use :new to create one.")
			return false
		}
		currentKey := a.states.CurrentKey()
		for _, s := range sums {
			marker := " "
			if s.Key == currentKey {
				marker = "*"
			}
			fmt.Printf("%s %s: %d messages, updated %s\n", marker, s.Key, s.MessageCount, s.UpdatedAt.Format(time.RFC822))
		}

	case ":use":
		if len(parts) < 2 {
			fmt.Println(":use requires a key")
			return false
		}
		if _, err := a.states.Ensure(parts[1]); err != nil {
			fmt.Println(err)
			return false
		}
		fmt.Printf("Switched to %s\n", parts[1])

	case ":new":
		key := ""
		if len(parts) >= 2 {
			key = parts[1]
		}
		conv, err := a.states.Create(key)
		if err != nil {
			fmt.Println(err)
			return false
		}
		fmt.Printf("Created new session %s\n", conv.Key())

	case ":clear":
		if err := a.states.ClearCurrent(); err != nil {
			fmt.Printf("Clear failed: %v\n", err)
			return false
		}
		fmt.Println("Cleared current conversation.")

	case ":drop":
		if len(parts) < 2 {
			fmt.Println(":drop requires a key")
			return false
		}
		if err := a.states.Delete(parts[1]); err != nil {
			fmt.Println(err)
			return false
		}
		fmt.Printf("Removed session %s\n", parts[1])

	case ":tools":
		defs := a.tools.Definitions()
		if len(defs) == 0 {
			fmt.Println("No tools registered.")
			return false
		}
		fmt.Println("Tools:")
		for _, def := range defs {
			fmt.Printf("  - %s: %s\n", def.Function.Name, def.Function.Description)
		}

	case ":pin":
		if rest == "" {
			fmt.Println(":pin requires text, optionally prefixed with a kind (decision fact task instruction reference).")
			return false
		}
		kind := memory.KindFact
		if first, remainder, found := strings.Cut(rest, " "); found && isPinKind(first) {
			kind = first
			rest = strings.TrimSpace(remainder)
		} else if !found && isPinKind(first) {
			fmt.Println(":pin requires text after the kind.")
			return false
		}
		item := a.memory.Pin(rest, kind, memory.SourceUser, userPinImportance, 0)
		fmt.Printf("Pinned %s [%s]\n", item.ID, item.Kind)

	case ":pins":
		limit := 10
		if len(parts) >= 2 {
			val, err := strconv.Atoi(parts[1])
			if err != nil || val <= 0 {
				fmt.Println(":pins expects a positive integer limit.")
				return false
			}
			limit = val
		}
		pins := a.memory.Pins(limit)
		if len(pins) == 0 {
			fmt.Println("No pinned notes.")
			return false
		}
		for _, pin := range pins {
			expiry := ""
			if pin.ExpiresAt != nil {
				expiry = fmt.Sprintf(" (expires %s)", pin.ExpiresAt.Format(time.RFC822))
			}
			fmt.Printf("- %s [%s %.2f] %s%s\n", pin.ID, pin.Kind, pin.Importance, pin.Content, expiry)
		}

	case ":unpin":
		if len(parts) < 2 {
			fmt.Println(":unpin requires a pin id")
			return false
		}
		if a.memory.Unpin(parts[1]) {
			fmt.Printf("Unpinned %s\n", parts[1])
		} else {
			fmt.Printf("No pin with id %s\n", parts[1])
		}

	case ":task":
		if rest == "" {
			fmt.Println(":task requires a description")
			return false
		}
		task := a.memory.AddTask(rest, nil)
		fmt.Printf("Tracking task %s\n", task.ID)

	case ":tasks":
		includeCompleted := len(parts) >= 2 && parts[1] == "all"
		tasks := a.memory.Tasks(includeCompleted)
		if len(tasks) == 0 {
			fmt.Println("No active tasks.")
			return false
		}
		for _, task := range tasks {
			if len(task.Subtasks) > 0 {
				fmt.Printf("- %s [%s] %s (%d subtasks)\n", task.ID, task.Status, task.Description, len(task.Subtasks))
			} else {
				fmt.Printf("- %s [%s] %s\n", task.ID, task.Status, task.Description)
			}
		}

	case ":done":
		if len(parts) < 2 {
			fmt.Println(":done requires a task id")
			return false
		}
		if a.memory.CompleteTask(parts[1]) {
			fmt.Printf("Completed %s\n", parts[1])
		} else {
			fmt.Printf("No task with id %s\n", parts[1])
		}

	case ":files":
		limit := 10
		if len(parts) >= 2 {
			val, err := strconv.Atoi(parts[1])
			if err != nil || val <= 0 {
				fmt.Println(":files expects a positive integer limit.")
				return false
			}
			limit = val
		}
		files := a.memory.Files(limit)
		if len(files) == 0 {
			fmt.Println("No tracked files yet.")
			return false
		}
		for _, file := range files {
			line := fmt.Sprintf("- %s (accessed %dx, last %s)", file.Path, file.AccessCount, file.LastAccessed.Format(time.RFC822))
			if file.Summary != "" {
				line += " | " + file.Summary
			}
			fmt.Println(line)
		}

	case ":profile":
		if len(parts) == 1 {
			p := a.memory.Profile()
			fmt.Printf("Device profile: %s (max context %d tokens, compaction at %.0f%%, up to %d memory items)\n",
				p.Kind, p.MaxContextTokens, p.CompactionThreshold*100, p.MaxWorkingMemoryItems)
			return false
		}
		kind := strings.ToLower(parts[1])
		if _, ok := memory.ProfilePreset(kind); !ok {
			fmt.Printf("Unknown profile %q. Choose one of: %s\n", kind, strings.Join(memory.ProfileKinds(), ", "))
			return false
		}
		p := a.memory.SetDeviceProfile(kind)
		fmt.Printf("Device profile set to %s (max context %d tokens, compaction at %.0f%%)\n",
			p.Kind, p.MaxContextTokens, p.CompactionThreshold*100)

	case ":memory":
		stats := a.memory.Stats()
		fmt.Printf("Working memory at %s: %d pins, %d files, %d tasks, session #%d (updated %s)\n",
			stats.Path, stats.Pins, stats.Files, stats.Tasks, stats.SessionCount, stats.UpdatedAt.Format(time.RFC822))
		if block := a.memory.BuildContext(complexity.Complex); block != "" {
			fmt.Println(block)
		} else {
			fmt.Println("Nothing would be injected yet.")
		}

	case ":compact":
		if len(parts) >= 2 {
			val, err := strconv.Atoi(parts[1])
			if err != nil || val < 1 {
				fmt.Println(":compact expects a positive integer (recent messages to keep verbatim).")
				return false
			}
			previous := a.engine.KeepRecent()
			a.engine.SetKeepRecent(val)
			defer a.engine.SetKeepRecent(previous)
		}
		conv := a.states.Current()
		before := conv.Len()
		compacted, err := a.maybeCompact(ctx, conv, "manual")
		if err != nil {
			fmt.Printf("Compaction failed: %v\n", err)
			return false
		}
		if !compacted {
			fmt.Println("Compaction made no change: the conversation is too short or already dense.")
			return false
		}
		msgs := conv.Messages()
		fmt.Printf("Compacted %d -> %d messages (~%d tokens now).\n",
			before, len(msgs), a.estimator.EstimateConversation(msgs))

	case ":stats":
		a.printStats()

	case ":reload":
		path := a.cfgPath
		if len(parts) >= 2 {
			path = parts[1]
		}
		if strings.TrimSpace(path) == "" {
			fmt.Println(":reload requires a config file path when no default is set.")
			return false
		}
		if err := a.reloadConfig(path); err != nil {
			fmt.Printf("Reload failed: %v\n", err)
		}

	case ":quit", ":exit":
		fmt.Println("Exiting per user request.")
		return true

	default:
		fmt.Printf("Unknown command %s. Try :help\n", parts[0])
	}
	return false
}

func (a *Agent) printStats() {
	conv := a.states.Current()
	msgs := conv.Messages()
	fmt.Printf("Session %s: %d messages, ~%d tokens estimated\n",
		conv.Key(), len(msgs), a.estimator.EstimateConversation(msgs))
	if last := conv.LastPromptTokens(); last > 0 {
		fmt.Printf("Last provider-reported prompt size: %d tokens\n", last)
	}

	limit := config.ModelContextLimit(a.cfg.Model)
	fmt.Printf("Context limit for %s: %d tokens", a.cfg.Model, limit)
	if a.memory != nil {
		fmt.Printf(" (effective %d on the %s profile)", a.memory.EffectiveContextLimit(limit), a.memory.Profile().Kind)
	}
	fmt.Println()

	if total := a.getTotalTokens(); total > 0 {
		fmt.Printf("Tokens used this run: %d\n", total)
	}

	if a.telemetry != nil {
		if turns, promptToks, completionToks, err := a.telemetry.UsageTotals(); err == nil && turns > 0 {
			fmt.Printf("Recorded usage: %d turns, %d prompt + %d completion tokens\n", turns, promptToks, completionToks)
		}
		if events, err := a.telemetry.RecentCompactions(5); err == nil && len(events) > 0 {
			fmt.Println("Recent compactions:")
			for _, ev := range events {
				mode := "heuristic"
				if ev.ModelAssisted {
					mode = "model-assisted"
				}
				fmt.Printf("  %s %s: -%d messages, %d -> %d tokens (%s, %s)\n",
					ev.Timestamp.Format("Jan 02 15:04"), ev.Session, ev.MessagesRemoved,
					ev.TokensBefore, ev.TokensAfter, ev.Reason, mode)
			}
		}
	}

	if count, chars := a.history.Stats(); count > 0 {
		fmt.Printf("Input history: %d entries (%d chars)\n", count, chars)
	}
	if a.version != "" {
		fmt.Printf("Engram version %s\n", a.version)
	}
}

func isPinKind(s string) bool {
	switch s {
	case memory.KindDecision, memory.KindFact, memory.KindTask, memory.KindInstruction, memory.KindReference:
		return true
	}
	return false
}
