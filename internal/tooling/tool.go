// Package tooling implements the function-calling tools the agent exposes
// to the model: workspace file reads and writes, shell execution, and a web
// fetcher. Every filesystem path is resolved through a guard that keeps
// tools inside the workspace root.
package tooling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"engram/internal/logging"
)

// Tool is one callable function surfaced to the model. Call returns the
// string fed back as the tool message, usually JSON.
type Tool interface {
	Definition() ToolDefinition
	Call(ctx context.Context, args map[string]any) (string, error)
}

// ToolDefinition is the OpenAI-style function schema sent with each request.
type ToolDefinition struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry indexes tools by function name and keeps their definitions in
// registration order.
type Registry struct {
	tools map[string]Tool
	order []ToolDefinition
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.add(t)
	}
	return r
}

func (r *Registry) add(t Tool) {
	def := t.Definition()
	r.tools[def.Function.Name] = t
	r.order = append(r.order, def)
}

func (r *Registry) Definitions() []ToolDefinition {
	return append([]ToolDefinition(nil), r.order...)
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

type Options struct {
	WorkspaceRoot string
	ShellTimeout  time.Duration
	FetchTimeout  time.Duration
}

// DefaultTools builds the standard tool set rooted at the workspace.
func DefaultTools(opts Options) []Tool {
	guard, err := newPathGuard(opts.WorkspaceRoot)
	if err != nil {
		panic(err)
	}
	shellTimeout := opts.ShellTimeout
	if shellTimeout <= 0 {
		shellTimeout = 60 * time.Second
	}
	return []Tool{
		ReadFileTool{guard: guard},
		NewWriteFileTool(guard),
		&ShellTool{guard: guard, timeout: shellTimeout, history: make(map[string]int)},
		NewWebFetchJSONTool(opts.FetchTimeout),
	}
}

// pathGuard confines tool file access to a single root directory. Resolve
// accepts relative and absolute paths but rejects anything whose cleaned
// form lands outside the root.
type pathGuard struct {
	root string
}

func newPathGuard(root string) (pathGuard, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return pathGuard{}, err
	}
	return pathGuard{root: abs}, nil
}

func (p pathGuard) Resolve(path string) (string, error) {
	target := path
	switch {
	case path == "":
		target = p.root
	case !filepath.IsAbs(path):
		target = filepath.Join(p.root, path)
	}
	cleaned, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(p.root, cleaned)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %s escapes workspace root", path)
	}
	return cleaned, nil
}

// Rel renders a resolved path relative to the root for display; on failure
// it falls back to the input unchanged.
func (p pathGuard) Rel(path string) string {
	if rel, err := filepath.Rel(p.root, path); err == nil {
		return rel
	}
	return path
}

const defaultReadLimit = 4096

type ReadFileTool struct {
	guard pathGuard
}

func (ReadFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "read_file",
			Description: "Read a UTF-8 text file and return its contents (optionally truncated). The path must stay within the workspace root.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path to the file to read, relative to the workspace root.",
					},
					"max_bytes": map[string]any{
						"type":        "integer",
						"description": "Maximum number of bytes to return (default 4096).",
					},
				},
				"required": []string{"path"},
			},
		},
	}
}

func (r ReadFileTool) Call(ctx context.Context, args map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, ok := stringArg(args, "path")
	if !ok || path == "" {
		return "", errors.New("path is required")
	}
	abs, err := r.guard.Resolve(path)
	if err != nil {
		return "", err
	}
	limit := intArg(args, "max_bytes", defaultReadLimit)
	if limit <= 0 {
		limit = defaultReadLimit
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	truncated := len(data) > limit
	if truncated {
		data = data[:limit]
	}
	out, err := json.Marshal(map[string]any{
		"path":      r.guard.Rel(abs),
		"bytes":     len(data),
		"truncated": truncated,
		"content":   string(data),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// interactiveCommands never run under the shell tool; they prompt for input
// and would hang with stdin disconnected.
var interactiveCommands = map[string]bool{
	"sudo":   true,
	"su":     true,
	"passwd": true,
}

const maxShellTimeout = 300 * time.Second

type ShellTool struct {
	guard   pathGuard
	timeout time.Duration
	history map[string]int
	hmu     sync.Mutex
}

func (s *ShellTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "shell",
			Description: "Execute a command within the workspace root. All file operations must stay inside the workspace tree.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"description": "Command to execute. Can be either an array of strings ['ls', '-la'] or a shell command string 'ls -la'.",
						"oneOf": []map[string]any{
							{"type": "array", "items": map[string]any{"type": "string"}},
							{"type": "string"},
						},
					},
					"workdir": map[string]any{
						"type":        "string",
						"description": "Working directory relative to the workspace root.",
					},
					"timeout_seconds": map[string]any{
						"type":        "number",
						"description": "Override the default timeout. Maximum 300 seconds (5 minutes).",
					},
				},
				"required": []string{"command"},
			},
		},
	}
}

type shellResult struct {
	Workdir    string `json:"workdir"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Warning    string `json:"warning,omitempty"`
}

func (s *ShellTool) Call(ctx context.Context, args map[string]any) (string, error) {
	argv, err := normalizeCommand(args["command"])
	if err != nil {
		return "", err
	}

	name := filepath.Base(argv[0])
	if interactiveCommands[name] {
		logging.ErrorLog("shell: blocked command '%s' - interactive commands not allowed", name)
		return "", fmt.Errorf("command '%s' requires interactive input and is not allowed", name)
	}

	workdir, _ := stringArg(args, "workdir")
	dir, err := s.guard.Resolve(workdir)
	if err != nil {
		return "", err
	}

	logging.DevLog("shell: executing command %v in %s", argv, workdir)

	warning := ""
	switch count := s.noteRepeat(dir, argv); {
	case count > 5:
		return "", errors.New("this exact command has been repeated too many times; refusing to run it again")
	case count > 3:
		warning = fmt.Sprintf("this exact command has now run %d times in this session", count)
	}

	timeout := overrideTimeout(args, s.timeout)
	if timeout > maxShellTimeout {
		return "", fmt.Errorf("timeout_seconds cannot exceed 300 (5 minutes)")
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdin = nil // anything prompting on stdin fails fast instead of hanging
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := shellResult{
		Workdir:    dir,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: elapsed.Milliseconds(),
		Warning:    warning,
	}
	if ps := cmd.ProcessState; ps != nil {
		result.ExitCode = ps.ExitCode()
	}
	logging.DevLog("shell: command completed in %dms with exit code %d", result.DurationMs, result.ExitCode)

	switch {
	case runErr == nil:
	case errors.Is(runErr, context.DeadlineExceeded):
		secs := int(timeout.Seconds())
		logging.ErrorLog("shell: command timed out after %d seconds", secs)
		result.Error = fmt.Sprintf("Command timed out after %d seconds and was killed. Output may be incomplete.", secs)
		result.TimedOut = true
	default:
		logging.ErrorLog("shell: command failed: %v", runErr)
		result.Error = runErr.Error()
	}
	if warning != "" {
		logging.ErrorLog("shell: %s", warning)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// normalizeCommand accepts the three encodings models produce for the
// command argument and returns a flat argv.
func normalizeCommand(raw any) ([]string, error) {
	if raw == nil {
		return nil, errors.New("command is required")
	}
	var argv []string
	switch v := raw.(type) {
	case []string:
		argv = v
	case []any:
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("command[%d] is not a string", i)
			}
			argv = append(argv, s)
		}
	case string:
		parsed, err := parseShellCommand(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse command string: %w", err)
		}
		argv = parsed
	default:
		return nil, errors.New("command must be an array of strings or a command string")
	}
	if len(argv) == 0 {
		return nil, errors.New("command must not be empty")
	}
	return argv, nil
}

// noteRepeat counts identical invocations (same workdir and argv) so a
// looping model can be cut off.
func (s *ShellTool) noteRepeat(workdir string, argv []string) int {
	key := workdir + "|" + strings.Join(argv, "\x00")
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if s.history == nil {
		s.history = make(map[string]int)
	}
	s.history[key]++
	return s.history[key]
}

func overrideTimeout(args map[string]any, fallback time.Duration) time.Duration {
	switch v := args["timeout_seconds"].(type) {
	case float64:
		if v > 0 {
			return time.Duration(v * float64(time.Second))
		}
	case int:
		if v > 0 {
			return time.Duration(v) * time.Second
		}
	}
	return fallback
}

// parseShellCommand splits a command string on whitespace, honoring single
// and double quotes and backslash escapes. It does not expand variables or
// globs; the command runs without a shell.
func parseShellCommand(cmd string) ([]string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return nil, errors.New("command string is empty")
	}

	var (
		argv    []string
		token   strings.Builder
		quote   rune
		escaped bool
	)
	flush := func() {
		if token.Len() > 0 {
			argv = append(argv, token.String())
			token.Reset()
		}
	}
	for _, ch := range cmd {
		switch {
		case escaped:
			token.WriteRune(ch)
			escaped = false
		case ch == '\\':
			escaped = true
		case quote != 0:
			if ch == quote {
				quote = 0
			} else {
				token.WriteRune(ch)
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == ' ' || ch == '\t':
			flush()
		default:
			token.WriteRune(ch)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unclosed quote in command")
	}
	flush()
	if len(argv) == 0 {
		return nil, errors.New("no arguments parsed from command string")
	}
	return argv, nil
}

func stringArg(args map[string]any, key string) (string, bool) {
	val, ok := args[key]
	if !ok {
		return "", false
	}
	if s, ok := val.(string); ok {
		return s, true
	}
	return fmt.Sprint(val), true
}

func intArg(args map[string]any, key string, fallback int) int {
	switch n := args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return fallback
}

func boolArg(args map[string]any, key string, fallback bool) bool {
	if b, ok := args[key].(bool); ok {
		return b
	}
	return fallback
}

func jsonMarshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
