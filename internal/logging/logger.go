// Package logging provides the printf-style component logger used across the
// dispatch plane. Lines carry a timestamp, level, and component tag, and are
// sanitized so bearer tokens and shared secrets never reach the log stream.
package logging

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a minimal printf-style logging contract. Components depend on
// this interface so tests can swap in a no-op.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type componentLogger struct {
	mu        *sync.Mutex
	out       io.Writer
	level     Level
	component string
}

var (
	defaultMu    sync.Mutex
	defaultOut   io.Writer = os.Stdout
	defaultLevel           = LevelInfo
)

// SetDefaultLevel sets the minimum level for loggers created afterwards.
func SetDefaultLevel(level Level) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLevel = level
}

// NewComponentLogger returns a logger scoped to a component, writing to the
// process-wide output at the process-wide level.
func NewComponentLogger(component string) Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return &componentLogger{
		mu:        &defaultMu,
		out:       defaultOut,
		level:     defaultLevel,
		component: component,
	}
}

// NewTestLogger returns a logger writing to w at debug level. Intended for
// tests that want to assert on output.
func NewTestLogger(w io.Writer) Logger {
	return &componentLogger{mu: &sync.Mutex{}, out: w, level: LevelDebug, component: "test"}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger { return nopLogger{} }

func (l *componentLogger) log(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	// Format: 2025-09-30 12:34:56 [INFO] [Store] - message
	line := fmt.Sprintf("%s [%s] [%s] - %s\n",
		time.Now().Format("2006-01-02 15:04:05"),
		levelToString(level),
		l.component,
		fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprint(l.out, sanitizeLine(line))
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

func levelToString(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

const redactedPlaceholder = "[REDACTED]"

var (
	accessTokenPattern = regexp.MustCompile(
		`(?i)((?:"|')?x-access-token(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	sensitiveKeyValuePattern = regexp.MustCompile(
		`(?i)((?:"|')?(?:access[_-]?token|worker[_-]?token|secret[_-]?key|password|secret)(?:"|')?\s*(?:=|:)\s*)(?:"|')?([^"'\s,;]+)((?:"|')?)`,
	)
	bearerTokenPattern = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
)

func sanitizeLine(line string) string {
	sanitized := accessTokenPattern.ReplaceAllString(line, "${1}"+redactedPlaceholder+"${3}")
	sanitized = sensitiveKeyValuePattern.ReplaceAllString(sanitized, "${1}"+redactedPlaceholder+"${3}")
	sanitized = bearerTokenPattern.ReplaceAllString(sanitized, "${1}"+redactedPlaceholder)
	return sanitized
}
