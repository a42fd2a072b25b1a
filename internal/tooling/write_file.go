package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteFileTool creates and edits files within the workspace. Beyond plain
// overwrite it supports line-oriented edits so the model can patch a file
// without resending the whole body.
type WriteFileTool struct {
	guard pathGuard
}

func NewWriteFileTool(guard pathGuard) *WriteFileTool {
	return &WriteFileTool{guard: guard}
}

func (t *WriteFileTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "write_file",
			Description: "Write text to a file. Modes: overwrite (default, creates parent directories), append, insert at a line, or replace a line range.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path to the file relative to the workspace root.",
					},
					"mode": map[string]any{
						"type":        "string",
						"description": "overwrite (default), append, insert, or replace.",
					},
					"line": map[string]any{
						"type":        "integer",
						"description": "Insert mode: 1-based line to insert before. Omit to insert at the end.",
					},
					"start_line": map[string]any{
						"type":        "integer",
						"description": "Replace mode: first line of the range, 1-based.",
					},
					"end_line": map[string]any{
						"type":        "integer",
						"description": "Replace mode: last line of the range, inclusive.",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "Text to write. Use \\n for new lines.",
					},
				},
				"required": []string{"path", "content"},
			},
		},
	}
}

func (t *WriteFileTool) Call(ctx context.Context, args map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, ok := stringArg(args, "path")
	if !ok || strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	abs, err := t.guard.Resolve(path)
	if err != nil {
		return "", err
	}
	content, ok := stringArg(args, "content")
	if !ok {
		return "", errors.New("content is required")
	}
	mode, _ := stringArg(args, "mode")
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "overwrite"
	}

	var detail map[string]any
	switch mode {
	case "overwrite":
		detail, err = t.overwrite(abs, content)
	case "append":
		detail, err = t.appendTo(abs, content)
	case "insert":
		line := intArg(args, "line", -1)
		if line == 0 {
			return "", errors.New("line numbers are 1-based")
		}
		detail, err = t.insert(abs, line, content)
	case "replace":
		start := intArg(args, "start_line", 0)
		end := intArg(args, "end_line", 0)
		if start <= 0 || end <= 0 {
			return "", errors.New("start_line and end_line must be positive for replace")
		}
		if end < start {
			start, end = end, start
		}
		detail, err = t.replaceRange(abs, start, end, content)
	default:
		return "", fmt.Errorf("unsupported mode %s", mode)
	}
	if err != nil {
		return "", err
	}

	detail["path"] = t.guard.Rel(abs)
	detail["mode"] = mode
	out, err := json.Marshal(detail)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (t *WriteFileTool) overwrite(abs, content string) (map[string]any, error) {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"bytes": len(content)}, nil
}

func (t *WriteFileTool) appendTo(abs, content string) (map[string]any, error) {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return nil, err
	}
	return map[string]any{"bytes": len(content)}, nil
}

func (t *WriteFileTool) insert(abs string, line int, content string) (map[string]any, error) {
	doc, err := loadLineFile(abs)
	if err != nil {
		return nil, err
	}
	at := len(doc.lines)
	if line > 0 && line-1 < len(doc.lines) {
		at = line - 1
	}
	added := splitLines(content)
	doc.splice(at, at, added)
	if err := doc.flush(abs); err != nil {
		return nil, err
	}
	return map[string]any{"line": at + 1, "lines_added": len(added)}, nil
}

func (t *WriteFileTool) replaceRange(abs string, start, end int, content string) (map[string]any, error) {
	doc, err := loadLineFile(abs)
	if err != nil {
		return nil, err
	}
	startIdx := start - 1
	if startIdx > len(doc.lines) {
		startIdx = len(doc.lines)
	}
	endIdx := end
	if endIdx > len(doc.lines) {
		endIdx = len(doc.lines)
	}
	if endIdx < startIdx {
		endIdx = startIdx
	}
	written := splitLines(content)
	doc.splice(startIdx, endIdx, written)
	if err := doc.flush(abs); err != nil {
		return nil, err
	}
	return map[string]any{
		"start_line":    startIdx + 1,
		"end_line":      end,
		"lines_written": len(written),
	}, nil
}

// lineFile holds a file split into lines plus whether the original ended
// with a newline, so edits round-trip the final byte exactly.
type lineFile struct {
	lines    []string
	trailing bool
}

func loadLineFile(path string) (*lineFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &lineFile{}, nil
	}
	if err != nil {
		return nil, err
	}
	doc := &lineFile{trailing: len(data) > 0 && data[len(data)-1] == '\n'}
	if text := strings.TrimRight(string(data), "\n"); text != "" {
		doc.lines = strings.Split(text, "\n")
	}
	return doc, nil
}

// splice replaces lines[from:to] with repl.
func (d *lineFile) splice(from, to int, repl []string) {
	out := make([]string, 0, len(d.lines)-(to-from)+len(repl))
	out = append(out, d.lines[:from]...)
	out = append(out, repl...)
	out = append(out, d.lines[to:]...)
	d.lines = out
}

func (d *lineFile) flush(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	body := strings.Join(d.lines, "\n")
	if d.trailing {
		body += "\n"
	}
	return os.WriteFile(path, []byte(body), 0o644)
}

func splitLines(content string) []string {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.Split(normalized, "\n")
}
