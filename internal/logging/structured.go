package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

// LogEntry is the JSON form of one structured line.
type LogEntry struct {
	Timestamp string         `json:"ts"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Session   string         `json:"session,omitempty"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// StructuredLogger layers level, component, and session context over a
// standard *log.Logger. With jsonMode off it renders a grep-friendly
// "[component] [sess:key] msg | k=v" line instead.
type StructuredLogger struct {
	logger    *log.Logger
	component string
	session   string
	jsonMode  bool
}

func NewStructuredLogger(logger *log.Logger, component string, jsonMode bool) *StructuredLogger {
	return &StructuredLogger{logger: logger, component: component, jsonMode: jsonMode}
}

// WithSession returns a derived logger carrying the conversation key.
func (s *StructuredLogger) WithSession(session string) *StructuredLogger {
	d := *s
	d.session = session
	return &d
}

// WithComponent returns a derived logger for a subsystem.
func (s *StructuredLogger) WithComponent(component string) *StructuredLogger {
	d := *s
	d.component = component
	return &d
}

func (s *StructuredLogger) Info(msg string, fields ...map[string]any) {
	s.emit("INFO", msg, mergeFields(fields...))
}

func (s *StructuredLogger) Warn(msg string, fields ...map[string]any) {
	s.emit("WARN", msg, mergeFields(fields...))
}

func (s *StructuredLogger) Error(msg string, fields ...map[string]any) {
	s.emit("ERROR", msg, mergeFields(fields...))
}

// Debug is dropped unless dev mode is on.
func (s *StructuredLogger) Debug(msg string, fields ...map[string]any) {
	if !devMode {
		return
	}
	s.emit("DEBUG", msg, mergeFields(fields...))
}

// Printf adapts the standard logger signature; everything lands at INFO.
func (s *StructuredLogger) Printf(format string, args ...any) {
	s.Info(fmt.Sprintf(format, args...))
}

func (s *StructuredLogger) emit(level, msg string, fields map[string]any) {
	if s.jsonMode {
		data, _ := json.Marshal(LogEntry{
			Timestamp: time.Now().Format(time.RFC3339),
			Level:     level,
			Component: s.component,
			Session:   s.session,
			Message:   msg,
			Fields:    fields,
		})
		s.logger.Println(string(data))
		return
	}

	var b strings.Builder
	if s.component != "" {
		fmt.Fprintf(&b, "[%s] ", s.component)
	}
	if s.session != "" {
		fmt.Fprintf(&b, "[sess:%s] ", s.session)
	}
	b.WriteString(msg)
	if len(fields) > 0 {
		b.WriteString(" |")
		// Sorted so repeated runs of the same event diff cleanly.
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	s.logger.Println(b.String())
}

func mergeFields(fields ...map[string]any) map[string]any {
	var merged map[string]any
	for _, m := range fields {
		for k, v := range m {
			if merged == nil {
				merged = make(map[string]any, len(m))
			}
			merged[k] = v
		}
	}
	return merged
}
