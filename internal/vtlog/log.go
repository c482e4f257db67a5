// Package vtlog provides the leveled logger used throughout vtrunkd.
package vtlog

import (
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	LevelDebug = 10
	LevelInfo  = 20
	LevelWarn  = 25
	LevelError = 30
)

// Logger is a small leveled wrapper around the standard logger.
type Logger struct {
	level  int
	prefix string
}

// New returns a Logger gated at level, which must be one of the LevelX
// constants. Unrecognized levels fall back to LevelInfo.
func New(level int, prefix string) *Logger {
	if level != LevelDebug && level != LevelInfo && level != LevelWarn && level != LevelError {
		level = LevelInfo
	}
	return &Logger{level: level, prefix: prefix}
}

// NewFromName parses "debug", "info", "warn" or "error" (case handled by
// caller) into a Logger, defaulting to info for anything else.
func NewFromName(name, prefix string) *Logger {
	switch name {
	case "debug":
		return New(LevelDebug, prefix)
	case "warn":
		return New(LevelWarn, prefix)
	case "error":
		return New(LevelError, prefix)
	default:
		return New(LevelInfo, prefix)
	}
}

func (l *Logger) log(level int, tag, format string, args ...any) {
	if l.level > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		log.Printf("%s %s %s", tag, l.prefix, msg)
		return
	}
	log.Printf("%s %s", tag, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.log(LevelDebug, "DEBUG", format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.log(LevelInfo, "INFO", format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.log(LevelWarn, "WARN", format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.log(LevelError, "ERROR", format, args...) }

// With returns a Logger sharing the same level but a new prefix, used to
// tag per-link log lines without threading a string through every call.
func (l *Logger) With(prefix string) *Logger {
	return &Logger{level: l.level, prefix: prefix}
}

// Throttle suppresses repeated Warnf/Errorf calls for the same key within
// a window, so a link stuck in a send-error loop doesn't flood the log.
type Throttle struct {
	window time.Duration

	mu   sync.Mutex
	next map[string]time.Time
}

func NewThrottle(window time.Duration) *Throttle {
	return &Throttle{window: window, next: make(map[string]time.Time)}
}

// Allow reports whether a log line for key may be emitted now, and if so
// advances the key's cooldown.
func (t *Throttle) Allow(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if until, ok := t.next[key]; ok && now.Before(until) {
		return false
	}
	t.next[key] = now.Add(t.window)
	return true
}
