package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// --- Log Levels ---

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func parseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// --- Log Format ---

type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

func parseFormat(s string) LogFormat {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	default:
		return FormatText
	}
}

// --- Logger ---

// Logger is a structured logger with level filtering. The daemon logs
// to stderr; anything fancier belongs to the init system.
type Logger struct {
	mu     sync.Mutex
	level  LogLevel
	format LogFormat
	out    io.Writer
}

// Global logger instance.
var defaultLogger *Logger

// newLogger creates a Logger writing to the given writer.
func newLogger(level LogLevel, format LogFormat, out io.Writer) *Logger {
	return &Logger{level: level, format: format, out: out}
}

// initLogger creates the global logger from config.
func initLogger(cfg LoggingConfig) *Logger {
	return newLogger(parseLevel(cfg.levelOrDefault()), parseFormat(cfg.formatOrDefault()), os.Stderr)
}

// log is the core logging method.
func (l *Logger) log(level LogLevel, msg string, fields ...any) {
	if level < l.level {
		return
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	fieldMap := buildFieldMap(fields)

	var line string
	if l.format == FormatJSON {
		line = formatJSON(ts, level.String(), msg, fieldMap)
	} else {
		line = formatText(ts, level.String(), msg, fieldMap)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	io.WriteString(l.out, line)
}

// buildFieldMap converts variadic key-value pairs to a map.
func buildFieldMap(fields []any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]any, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", fields[i])
		}
		m[key] = fields[i+1]
	}
	// Handle odd number of fields (last value without key).
	if len(fields)%2 != 0 {
		m["_extra"] = fields[len(fields)-1]
	}
	return m
}

// formatJSON renders a log entry as a single-line JSON string.
func formatJSON(ts, level, msg string, fields map[string]any) string {
	entry := make(map[string]any, 4)
	entry["ts"] = ts
	entry["level"] = level
	entry["msg"] = msg
	if len(fields) > 0 {
		entry["fields"] = fields
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"ts":%q,"level":%q,"msg":%q,"error":"marshal failed"}`, ts, level, msg) + "\n"
	}
	return string(b) + "\n"
}

// formatText renders a log entry in human-readable text.
// Format: 2026-02-22T10:30:00Z INFO  upstream connected addr=10.0.0.5:8123
func formatText(ts, level, msg string, fields map[string]any) string {
	var sb strings.Builder
	sb.WriteString(ts)
	sb.WriteByte(' ')
	// Pad level to 5 chars for alignment.
	sb.WriteString(level)
	for i := len(level); i < 5; i++ {
		sb.WriteByte(' ')
	}
	sb.WriteByte(' ')
	sb.WriteString(msg)
	for k, v := range fields {
		sb.WriteByte(' ')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(fmt.Sprintf("%v", v))
	}
	sb.WriteByte('\n')
	return sb.String()
}

// --- Level convenience methods ---

func (l *Logger) Debug(msg string, fields ...any) { l.log(LevelDebug, msg, fields...) }
func (l *Logger) Info(msg string, fields ...any)  { l.log(LevelInfo, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...any)  { l.log(LevelWarn, msg, fields...) }
func (l *Logger) Error(msg string, fields ...any) { l.log(LevelError, msg, fields...) }

// --- Package-level shortcuts (use defaultLogger) ---

func logDebug(msg string, fields ...any) {
	if defaultLogger != nil {
		defaultLogger.Debug(msg, fields...)
	}
}
func logInfo(msg string, fields ...any) {
	if defaultLogger != nil {
		defaultLogger.Info(msg, fields...)
	}
}
func logWarn(msg string, fields ...any) {
	if defaultLogger != nil {
		defaultLogger.Warn(msg, fields...)
	}
}
func logError(msg string, fields ...any) {
	if defaultLogger != nil {
		defaultLogger.Error(msg, fields...)
	}
}
