package agent

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// maxHistoryEntries bounds the prompt history kept in memory. The file on
// disk is append-only; loads keep only the newest entries.
const maxHistoryEntries = 500

// inputHistory backs the REPL's up-arrow history with a plain text file,
// one prompt per line. All persistence failures are silent; losing history
// must never block input.
type inputHistory struct {
	mu    sync.Mutex
	file  string
	lines []string
	chars int
}

func loadInputHistory(path string) *inputHistory {
	h := &inputHistory{file: path}
	if path == "" {
		return h
	}
	f, err := os.Open(path)
	if err != nil {
		return h
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			h.lines = append(h.lines, line)
		}
	}
	if n := len(h.lines); n > maxHistoryEntries {
		h.lines = h.lines[n-maxHistoryEntries:]
	}
	for _, line := range h.lines {
		h.chars += len(line)
	}
	return h
}

// Entries returns a copy suitable for go-prompt's history option.
func (h *inputHistory) Entries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.lines...)
}

func (h *inputHistory) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	h.mu.Lock()
	h.lines = append(h.lines, line)
	h.chars += len(line)
	if len(h.lines) > maxHistoryEntries {
		h.chars -= len(h.lines[0])
		h.lines = h.lines[1:]
	}
	h.mu.Unlock()
	h.persist(line)
}

func (h *inputHistory) persist(line string) {
	if h.file == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(h.file), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(h.file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line + "\n")
}

func (h *inputHistory) Stats() (count, chars int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.lines), h.chars
}
