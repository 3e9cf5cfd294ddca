// Package logging provides the gateway's categorized in-memory logger,
// crash file handling and optional Sentry reporting.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// MarshalJSON encodes the level by name so /v1/logs stays readable.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// ParseLevel converts a level name ("debug", "info", "warn", "error").
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// Category groups entries by subsystem.
type Category string

const (
	CatSystem       Category = "system"
	CatHTTP         Category = "http"
	CatCard         Category = "card"
	CatRelay        Category = "relay"
	CatLock         Category = "lock"
	CatRegistry     Category = "registry"
	CatProvisioning Category = "provisioning"
	CatWebSocket    Category = "websocket"
)

// Entry is a single log record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Logger keeps the most recent entries in a fixed-size ring.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	minLevel Level
	counts   map[Level]int
	stderr   bool
}

// New creates a logger holding at most maxEntries records.
func New(maxEntries int, minLevel Level) *Logger {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Logger{
		entries:  make([]Entry, maxEntries),
		minLevel: minLevel,
		counts:   make(map[Level]int),
		stderr:   true,
	}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(1000, LevelInfo)
)

// Init replaces the process-wide logger.
func Init(maxEntries int, minLevel Level) {
	l := New(maxEntries, minLevel)
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Get returns the process-wide logger.
func Get() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetStderr toggles mirroring entries to the standard logger.
func (l *Logger) SetStderr(enabled bool) {
	l.mu.Lock()
	l.stderr = enabled
	l.mu.Unlock()
}

// Log records an entry if it meets the minimum level.
func (l *Logger) Log(level Level, category Category, msg string, data map[string]any) {
	l.mu.Lock()
	if level < l.minLevel {
		l.mu.Unlock()
		return
	}
	l.entries[l.next] = Entry{
		Timestamp: time.Now(),
		Level:     level,
		Category:  category,
		Message:   msg,
		Data:      data,
	}
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.counts[level]++
	mirror := l.stderr
	l.mu.Unlock()

	if mirror {
		if len(data) > 0 {
			log.Printf("[%s] [%s] %s %v", strings.ToUpper(level.String()), category, msg, data)
		} else {
			log.Printf("[%s] [%s] %s", strings.ToUpper(level.String()), category, msg)
		}
	}
}

// GetEntries returns up to limit entries, newest first, optionally filtered.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.next
	if l.full {
		size = len(l.entries)
	}

	result := make([]Entry, 0, min(limit, size))
	for i := 0; i < size && len(result) < limit; i++ {
		idx := (l.next - 1 - i + len(l.entries)) % len(l.entries)
		e := l.entries[idx]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Stats reports buffer usage and per-level counts since the last Clear.
func (l *Logger) Stats() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.next
	if l.full {
		size = len(l.entries)
	}
	byLevel := make(map[string]int, len(l.counts))
	for lvl, n := range l.counts {
		byLevel[lvl.String()] = n
	}
	return map[string]any{
		"entries":  size,
		"capacity": len(l.entries),
		"byLevel":  byLevel,
	}
}

// Clear drops all entries.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, len(l.entries))
	l.next = 0
	l.full = false
	l.counts = make(map[Level]int)
}

func Debug(category Category, msg string, data map[string]any) {
	Get().Log(LevelDebug, category, msg, data)
}

func Info(category Category, msg string, data map[string]any) {
	Get().Log(LevelInfo, category, msg, data)
}

func Warn(category Category, msg string, data map[string]any) {
	Get().Log(LevelWarn, category, msg, data)
}

// Error logs at error level and forwards the message to Sentry when enabled.
func Error(category Category, msg string, data map[string]any) {
	Get().Log(LevelError, category, msg, data)
	if errText, ok := data["error"].(string); ok && errText != "" {
		CaptureError(fmt.Errorf("%s: %s", msg, errText), string(category), data)
	}
}
