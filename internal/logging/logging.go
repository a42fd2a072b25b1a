// Package logging owns the process-wide log sink. Setup points it at a
// rotating file; the tagged helpers and the field-structured StructuredLogger
// both write through it.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// devMode gates the developer channels (DevLog, StructuredLogger.Debug).
var devMode = os.Getenv("ENGRAM_DEV_MODE") == "1"

// std is the sink every helper writes to until Setup replaces it.
var std = log.Default()

// Options configures the rotating log destination.
type Options struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Echo mirrors log output to stderr in addition to the file.
	Echo bool
}

// Setup points the shared logger at a rotating file. An empty path keeps the
// logger on stderr.
func Setup(opts Options) *log.Logger {
	w := io.Writer(os.Stderr)
	if opts.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		w = rotator
		if opts.Echo {
			w = io.MultiWriter(rotator, os.Stderr)
		}
	}
	std = log.New(w, "engram ", log.LstdFlags|log.Lmicroseconds)
	return std
}

// DevLog writes a [DEV] line. Silent unless ENGRAM_DEV_MODE=1.
func DevLog(format string, args ...any) {
	if devMode {
		std.Printf("[DEV] "+format, args...)
	}
}

// UserLog writes a [USER] line for events worth surfacing in the log.
func UserLog(format string, args ...any) {
	std.Printf("[USER] "+format, args...)
}

// ErrorLog writes an [ERROR] line.
func ErrorLog(format string, args ...any) {
	std.Printf("[ERROR] "+format, args...)
}
