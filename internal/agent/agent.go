// Package agent drives the terminal session: the go-prompt REPL, the ':'
// command surface, and the per-turn loop that classifies input, injects
// working memory, compacts oversized history, and calls the provider.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"engram/internal/compact"
	"engram/internal/config"
	"engram/internal/llm"
	"engram/internal/logging"
	"engram/internal/memory"
	"engram/internal/state"
	"engram/internal/telemetry"
	"engram/internal/tokens"
	"engram/internal/tooling"
)

// interruptTracker recognizes the double Ctrl+C exit gesture: two presses
// inside the window mean quit, a lone press only arms the deadline.
type interruptTracker struct {
	mu       sync.Mutex
	deadline time.Time
	window   time.Duration
}

func newInterruptTracker(window time.Duration) *interruptTracker {
	return &interruptTracker{window: window}
}

func (t *interruptTracker) secondPress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if now.Before(t.deadline) {
		t.deadline = time.Time{}
		return true
	}
	t.deadline = now.Add(t.window)
	return false
}

// promptExit unwinds the go-prompt run loop; recovered in runPrompt.
type promptExit struct{}

// Agent wires the CLI, conversation state, working memory, compaction, and
// the LLM client together.
type Agent struct {
	client    llm.Client
	cfg       config.Config
	cfgPath   string
	states    *state.Manager
	memory    *memory.Store
	engine    *compact.Engine
	telemetry *telemetry.Store
	tools     *tooling.Registry
	estimator tokens.Estimator
	history   *inputHistory
	logger    *log.Logger
	render    *glamour.TermRenderer
	isTTY     bool
	resumeKey string
	version   string

	requestCancelMu sync.Mutex
	requestCancel   context.CancelFunc
	sessionOnce     sync.Once
	sessionOnceErr  error
	tokenMu         sync.RWMutex
	totalTokens     int
}

// Options carries the optional knobs for New.
type Options struct {
	ResumeKey string
	Version   string
}

// New returns a fully wired Agent ready for the REPL loop. A nil engine gets
// a default one built from the config; a nil telemetry store disables stats
// recording but nothing else.
func New(client llm.Client, cfg config.Config, cfgPath string, states *state.Manager, mem *memory.Store, engine *compact.Engine, tel *telemetry.Store, registry *tooling.Registry, logger *log.Logger, opts Options) *Agent {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if engine == nil {
		engine = compact.NewEngine(tokens.NewCharEstimator(), cfg.KeepRecentMessages, nil)
	}
	return &Agent{
		client:    client,
		cfg:       cfg,
		cfgPath:   cfgPath,
		states:    states,
		memory:    mem,
		engine:    engine,
		telemetry: tel,
		tools:     registry,
		estimator: tokens.NewCharEstimator(),
		history:   loadInputHistory(cfg.HistoryPath),
		logger:    logger,
		render:    newMarkdownRenderer(),
		isTTY:     term.IsTerminal(int(os.Stdin.Fd())),
		resumeKey: strings.TrimSpace(opts.ResumeKey),
		version:   opts.Version,
	}
}

// newMarkdownRenderer returns nil when stdout is not a terminal; callers
// fall back to plain text.
func newMarkdownRenderer() *glamour.TermRenderer {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return nil
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(0))
	if err != nil {
		return nil
	}
	return r
}

// Run starts the CLI prompt and blocks until the session finishes. On exit
// the working-memory store gets a session recap and a final flush.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.writeSessionRecap()

	tracker := newInterruptTracker(2 * time.Second)
	if !a.isTTY {
		go a.handleInterrupts(ctx, cancel, tracker)
		return a.runNonInteractive(ctx, cancel)
	}
	return a.runPrompt(ctx, cancel, tracker)
}

// RunOneShot executes a single prompt against the current session and exits.
func (a *Agent) RunOneShot(ctx context.Context, input string) error {
	defer a.writeSessionRecap()

	response, finishReason, err := a.respond(ctx, input)
	if err != nil {
		return fmt.Errorf("respond: %w", err)
	}
	if response != "" {
		a.printResponse(response)
	}
	a.noteFinishReason(finishReason)
	return nil
}

// noteFinishReason surfaces truncation and filtering; the normal reasons
// are noise and stay silent.
func (a *Agent) noteFinishReason(reason string) {
	switch reason {
	case "", "stop", "tool_calls":
	default:
		fmt.Printf("(finish reason: %s)\n", reason)
	}
}

func (a *Agent) runPrompt(ctx context.Context, cancel context.CancelFunc, tracker *interruptTracker) (err error) {
	fmt.Println("Engram ready. Type ':help' for commands; prompts go to the model. Double Ctrl+C exits.")

	if err := a.ensureSessionSelected(); err != nil {
		return err
	}
	if msgs := a.states.Current().Messages(); len(msgs) > 1 {
		fmt.Printf("(resumed '%s': %d messages, ~%d tokens)\n",
			a.states.Current().Key(), len(msgs), a.estimator.EstimateConversation(msgs))
	}

	// go-prompt leaves the terminal raw if unwound by panic; restore it.
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		if saved, terr := term.GetState(fd); terr == nil {
			defer func() { _ = term.Restore(fd, saved) }()
		}
	}

	var exitRequested atomic.Bool
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(promptExit); ok {
				err = nil
				return
			}
			panic(r)
		}
	}()
	requestExit := func() {
		exitRequested.Store(true)
		cancel()
		panic(promptExit{})
	}

	executor := func(raw string) {
		if exitRequested.Load() || ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(raw)
		if line == "" {
			return
		}
		a.history.Add(line)
		if a.handleLine(ctx, line) {
			requestExit()
		}
	}

	opts := []prompt.Option{
		prompt.OptionHistory(a.history.Entries()),
		prompt.OptionTitle("Engram"),
		prompt.OptionLivePrefix(func() (string, bool) {
			return fmt.Sprintf("[%s] > ", a.states.Current().Key()), true
		}),
		prompt.OptionAddKeyBind(a.keyBindings(tracker, requestExit)...),
		prompt.OptionSetExitCheckerOnInput(func(string, bool) bool {
			return exitRequested.Load() || ctx.Err() != nil
		}),
	}
	prompt.New(executor, a.commandCompleter(), opts...).Run()
	return nil
}

// keyBindings covers interrupt handling inside the prompt: Ctrl+C cancels a
// running request or arms the exit gesture, Escape only cancels, Ctrl+D on
// an empty line exits.
func (a *Agent) keyBindings(tracker *interruptTracker, requestExit func()) []prompt.KeyBind {
	return []prompt.KeyBind{
		{
			Key: prompt.ControlC,
			Fn: func(*prompt.Buffer) {
				if a.cancelInFlightRequest() {
					fmt.Println("\n(cancelled the running request)")
					return
				}
				if tracker.secondPress() {
					fmt.Println("\nSecond Ctrl+C received, exiting.")
					requestExit()
				}
				fmt.Println("\n(one more Ctrl+C within 2s exits)")
			},
		},
		{
			Key: prompt.ControlD,
			Fn: func(buf *prompt.Buffer) {
				if buf.Text() == "" {
					requestExit()
				}
			},
		},
		{
			Key: prompt.Escape,
			Fn: func(*prompt.Buffer) {
				if a.cancelInFlightRequest() {
					fmt.Println("\n(cancelled the running request)")
				}
			},
		},
	}
}

func (a *Agent) commandCompleter() func(prompt.Document) []prompt.Suggest {
	return func(doc prompt.Document) []prompt.Suggest {
		prefix := strings.TrimLeft(doc.TextBeforeCursor(), " \t")
		if !strings.HasPrefix(prefix, ":") {
			return nil
		}
		return prompt.FilterHasPrefix(commandSuggestions, doc.GetWordBeforeCursor(), true)
	}
}

func (a *Agent) runNonInteractive(ctx context.Context, cancel context.CancelFunc) error {
	fmt.Println("Engram ready (non-interactive). Type ':help' for commands.")

	if err := a.ensureSessionSelected(); err != nil {
		return err
	}

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		if ctx.Err() != nil {
			return nil
		}
		fmt.Printf("[%s] > ", a.states.Current().Key())
		if !sc.Scan() {
			fmt.Println()
			if err := sc.Err(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		}
		if a.handleLine(ctx, sc.Text()) {
			cancel()
			return nil
		}
	}
}

func (a *Agent) handleInterrupts(ctx context.Context, cancel context.CancelFunc, tracker *interruptTracker) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			if tracker.secondPress() {
				fmt.Println("\nSecond Ctrl+C received, exiting.")
				cancel()
				return
			}
			fmt.Println("\n(one more Ctrl+C within 2s exits)")
		case <-ctx.Done():
			return
		}
	}
}

// handleLine routes one input line: ':' lines go to the command table,
// everything else becomes a model turn. Returns true when the session
// should end.
func (a *Agent) handleLine(ctx context.Context, input string) bool {
	line := strings.TrimSpace(input)
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, ":") {
		return a.handleCommand(ctx, line)
	}

	logging.DevLog("dispatching prompt: %d chars", len(line))
	response, finishReason, err := a.respond(ctx, line)
	logging.DevLog("response received: err=%v finish=%s len=%d", err, finishReason, len(response))
	if err != nil {
		logging.ErrorLog("agent error: %v", err)
		fmt.Printf("Error: %v\n", err)
		return false
	}
	if response != "" {
		a.printResponse(response)
	}
	a.noteFinishReason(finishReason)
	return false
}

func (a *Agent) ensureSessionSelected() error {
	a.sessionOnce.Do(func() {
		a.sessionOnceErr = a.initSessionSelection()
	})
	return a.sessionOnceErr
}

func (a *Agent) initSessionSelection() error {
	if key := a.resumeKey; key != "" {
		if _, err := a.states.Use(key); err != nil {
			logging.ErrorLog("failed to resume session %s: %v", key, err)
			return fmt.Errorf("resume session %s: %w", key, err)
		}
		logging.UserLog("Resumed session '%s'", key)
		return nil
	}
	keys := a.states.Keys()
	switch {
	case len(keys) == 0:
		return a.startFreshSession()
	case !a.isTTY:
		fmt.Printf("Found %d existing session(s); non-interactive mode starts a new one. Use :use later to switch.\n", len(keys))
		return a.startFreshSession()
	}
	return a.pickStoredSession(keys)
}

func (a *Agent) pickStoredSession(keys []string) error {
	fmt.Printf("Found %d stored session(s):\n", len(keys))
	for i, key := range keys {
		fmt.Printf("  %d) %s\n", i+1, key)
	}

	reader := bufio.NewReader(os.Stdin)
	load, err := askYesNo(reader, "Load one of these sessions? [y/N]: ")
	if err != nil {
		return err
	}
	if !load {
		return a.startFreshSession()
	}

	for attempts := 0; attempts < 3; attempts++ {
		fmt.Print("Enter the session number or name to load: ")
		selection, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		key, ok := resolveSessionChoice(strings.TrimSpace(selection), keys)
		if !ok {
			fmt.Println("Invalid selection. Try again.")
			continue
		}
		if _, err := a.states.Use(key); err != nil {
			return err
		}
		fmt.Printf("Loaded session '%s'.\n", key)
		return nil
	}

	fmt.Println("No valid selection provided. Starting a new session instead.")
	return a.startFreshSession()
}

func (a *Agent) startFreshSession() error {
	conv, err := a.states.Create("")
	if err != nil {
		logging.ErrorLog("failed to create session: %v", err)
		return err
	}
	logging.UserLog("Starting new session '%s'", conv.Key())
	return nil
}

func askYesNo(reader *bufio.Reader, question string) (bool, error) {
	fmt.Print(question)
	resp, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(resp)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// resolveSessionChoice maps picker input to a stored key. Numbers index the
// printed list (out of range fails rather than naming a new session); other
// input matches keys case-insensitively.
func resolveSessionChoice(input string, keys []string) (string, bool) {
	if input == "" {
		return "", false
	}
	if n, err := strconv.Atoi(input); err == nil {
		if n < 1 || n > len(keys) {
			return "", false
		}
		return keys[n-1], true
	}
	for _, key := range keys {
		if strings.EqualFold(key, input) {
			return key, true
		}
	}
	return "", false
}

func (a *Agent) reloadConfig(path string) error {
	newCfg, err := config.Load(path)
	if err != nil {
		logging.ErrorLog("failed to reload config from %s: %v", path, err)
		return err
	}
	if !strings.EqualFold(newCfg.Provider, a.cfg.Provider) {
		return fmt.Errorf("provider changes require restart (current %s vs %s)", a.cfg.Provider, newCfg.Provider)
	}
	if newCfg.BaseURL != a.cfg.BaseURL {
		fmt.Println("Warning: base_url changes require restart to take effect.")
	}
	if newCfg.MemoryPath != a.cfg.MemoryPath || newCfg.ConversationDir != a.cfg.ConversationDir {
		fmt.Println("Warning: storage path changes require restart.")
	}
	a.cfg = newCfg
	a.cfgPath = path
	a.engine.SetKeepRecent(newCfg.KeepRecentMessages)
	logging.UserLog("Config reloaded from %s", path)
	fmt.Printf("Config reloaded from %s\n", path)
	return nil
}

// writeSessionRecap stores a short last-session summary in working memory
// and flushes the store. Called once on the way out.
func (a *Agent) writeSessionRecap() {
	if a.memory == nil {
		return
	}
	conv := a.states.Current()
	userTurns := 0
	lastRequest := ""
	for _, msg := range conv.Messages() {
		if msg.Role == "user" {
			userTurns++
			lastRequest = msg.Content
		}
	}
	if userTurns > 0 {
		lastRequest = strings.TrimSpace(lastRequest)
		if len(lastRequest) > 200 {
			lastRequest = lastRequest[:200] + "..."
		}
		a.memory.SetLastSessionSummary(fmt.Sprintf("Session %s ended %s after %d user turn(s). Last request: %s",
			conv.Key(), time.Now().Format("2006-01-02 15:04"), userTurns, lastRequest))
	}
	if err := a.memory.Flush(); err != nil {
		logging.ErrorLog("flush working memory: %v", err)
	}
}

func (a *Agent) callProviderWithRetry(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	const (
		maxRetries   = 5
		initialDelay = time.Second
		maxDelay     = 16 * time.Second
	)
	delay := initialDelay
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		chatCtx, chatCancel := context.WithCancel(ctx)
		start := time.Now()
		resp, err := a.client.Chat(chatCtx, req)
		elapsed := time.Since(start).Round(time.Millisecond)
		chatCancel()
		logging.DevLog("provider call finished: err=%v (attempt %d/%d, duration=%s)", err, attempt, maxRetries, elapsed)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return llm.ChatResponse{}, context.Canceled
		}

		if pe, ok := llm.IsProviderError(err); ok {
			if !pe.Retryable {
				a.logger.Printf("[agent] provider error (non-retryable): %s", pe.Error())
				return llm.ChatResponse{}, err
			}
			// Use the provider-specified delay if longer than the backoff.
			if pe.RetryAfter != nil && *pe.RetryAfter > delay {
				delay = *pe.RetryAfter
			}
		}

		lastErr = err
		if attempt == maxRetries {
			break
		}
		a.logger.Printf("[agent] retrying provider call (attempt %d/%d) after %v", attempt+1, maxRetries, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return llm.ChatResponse{}, context.Canceled
		case <-timer.C:
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return llm.ChatResponse{}, lastErr
}

func (a *Agent) setInFlightCancel(cancel context.CancelFunc) {
	a.requestCancelMu.Lock()
	a.requestCancel = cancel
	a.requestCancelMu.Unlock()
}

func (a *Agent) clearInFlightCancel() {
	a.requestCancelMu.Lock()
	a.requestCancel = nil
	a.requestCancelMu.Unlock()
}

func (a *Agent) cancelInFlightRequest() bool {
	a.requestCancelMu.Lock()
	cancel := a.requestCancel
	a.requestCancel = nil
	a.requestCancelMu.Unlock()
	if cancel != nil {
		cancel()
		return true
	}
	return false
}

func (a *Agent) addTokens(n int) {
	a.tokenMu.Lock()
	a.totalTokens += n
	a.tokenMu.Unlock()
}

func (a *Agent) getTotalTokens() int {
	a.tokenMu.RLock()
	defer a.tokenMu.RUnlock()
	return a.totalTokens
}

func (a *Agent) printResponse(text string) {
	if a.render != nil && strings.TrimSpace(text) != "" {
		if rendered, err := a.render.Render(text); err == nil {
			fmt.Print(strings.TrimRight(rendered, "\n") + "\n")
			return
		} else {
			a.logger.Printf("markdown render failed: %v", err)
		}
	}
	fmt.Println(text)
}
