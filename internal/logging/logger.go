// Package logging provides structured logging for the Chronova agent.
//
// Every invocation logs to a rotating file sink by default so that a
// short-lived CLI process never loses its diagnostic trail between
// runs; stdout/stderr are reserved for the user-visible result.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

var levelOrder = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Format selects the on-disk (or stderr) log line encoding. Text is the
// default; JSON is used when the CLI is invoked with --output json, per
// the rule that structured output must never share a stream with
// human-readable logs.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Logger provides structured logging to a single destination.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel LogLevel
	format   Format
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
)

// Init initializes the global logger. Only the first call takes effect.
func Init(out io.Writer, minLevel LogLevel, format Format) {
	once.Do(func() {
		global = &Logger{out: out, minLevel: minLevel, format: format}
	})
}

// Get returns the global logger instance.
func Get() *Logger {
	if global == nil {
		Init(os.Stderr, LevelInfo, FormatText)
	}
	return global
}

// SetGlobal installs logger as the process-wide logger, replacing
// whatever Init or a previous SetGlobal produced. Used once at startup,
// after the log destination (file path, format) is known from config
// and flags.
func SetGlobal(logger *Logger) {
	global = logger
}

// NewFileLogger opens path for rotating append-only writes via
// lumberjack and returns a Logger writing to it. Zero values for
// maxSizeMB, maxBackups and maxAgeDays fall back to lumberjack's own
// defaults (100MB, unlimited backups, unlimited age).
func NewFileLogger(path string, minLevel LogLevel, format Format, maxSizeMB, maxBackups, maxAgeDays int) *Logger {
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}
	return &Logger{out: sink, minLevel: minLevel, format: format}
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// log writes a log entry at the specified level.
func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     string(level),
		Message:   message,
		Context:   context,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	if l.format == FormatJSON {
		data, jsonErr := json.Marshal(entry)
		if jsonErr != nil {
			log.Printf("Failed to marshal log entry: %v\n", jsonErr)
			return
		}
		fmt.Fprintln(l.out, string(data))
		return
	}

	line := fmt.Sprintf("%s [%s] %s", entry.Timestamp, entry.Level, entry.Message)
	if entry.Error != "" {
		line += ": " + entry.Error
	}
	for k, v := range context {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	fmt.Fprintln(l.out, line)
}

// shouldLog checks if a level should be logged.
func (l *Logger) shouldLog(level LogLevel) bool {
	return levelOrder[level] >= levelOrder[l.minLevel]
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	ctx := l.getContext(context...)
	l.log(LevelDebug, message, nil, ctx)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	ctx := l.getContext(context...)
	l.log(LevelInfo, message, nil, ctx)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	ctx := l.getContext(context...)
	l.log(LevelWarn, message, nil, ctx)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	ctx := l.getContext(context...)
	l.log(LevelError, message, err, ctx)
}

// getContext merges multiple context maps.
func (l *Logger) getContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}
