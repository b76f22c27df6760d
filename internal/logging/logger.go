package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/austindbirch/harbor_beacon/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

func init() {
	zerolog.MessageFieldName = "msg"
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Time     time.Time
	Level    LogLevel
	Message  string
	Service  string
	TraceID  string
	BeaconID string
	URL      string
	Fields   map[string]any

	zl zerolog.Logger
}

// Logger provides structured logging with trace correlation
type Logger struct {
	mu      sync.RWMutex
	service string
	zl      zerolog.Logger
}

// New creates a new structured logger for the given service writing JSON to stdout
func New(service string) *Logger {
	return NewWithWriter(service, os.Stdout, "info")
}

// NewWithWriter creates a logger writing JSON lines to w at the given minimum level
func NewWithWriter(service string, w io.Writer, level string) *Logger {
	return &Logger{
		service: service,
		zl:      zerolog.New(w).Level(ParseLevel(level)),
	}
}

// Nop returns a logger that never writes anything
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	case "DISABLED", "OFF":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func (l *Logger) entry() *LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
		zl:      l.zl,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

// SetOutput redirects the logger to w at the given level
func (l *Logger) SetOutput(w io.Writer, level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.zl = zerolog.New(w).Level(ParseLevel(level))
}

// Fluent interface methods for LogEntry

// WithBeacon sets the beacon request ID for the log entry
func (e *LogEntry) WithBeacon(id string) *LogEntry {
	e.BeaconID = id
	return e
}

// WithURL sets the beacon target for the log entry
func (e *LogEntry) WithURL(url string) *LogEntry {
	e.URL = url
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields["error"] = err.Error()
	}
	return e
}

// Log methods

// Debug logs at debug level
func (e *LogEntry) Debug(message string) { e.log(LevelDebug, message) }

// Info logs at info level
func (e *LogEntry) Info(message string) { e.log(LevelInfo, message) }

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.log(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) { e.log(LevelWarn, message) }

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.log(LevelWarn, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) { e.log(LevelError, message) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

func (e *LogEntry) log(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	e.output()
}

// output writes the log entry as a single JSON line
func (e *LogEntry) output() {
	// WithLevel never exits or panics, Fatal handles that itself
	ev := e.zl.WithLevel(ParseLevel(string(e.Level)))
	if ev == nil {
		return
	}
	ev = ev.Time(zerolog.TimestampFieldName, e.Time)
	if e.Service != "" {
		ev = ev.Str("service", e.Service)
	}
	if e.TraceID != "" {
		ev = ev.Str("trace_id", e.TraceID)
	}
	if e.BeaconID != "" {
		ev = ev.Str("beacon_id", e.BeaconID)
	}
	if e.URL != "" {
		ev = ev.Str("url", e.URL)
	}
	if len(e.Fields) > 0 {
		ev = ev.Interface("fields", e.Fields)
	}
	ev.Msg(e.Message)
}

// Global convenience functions

var defaultLogger = New("harborbeacon")

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.service = service
}

// SetDefaultOutput redirects the default logger, used by the worker whose stdio is detached
func SetDefaultOutput(w io.Writer, level string) {
	defaultLogger.SetOutput(w, level)
}

// Default returns the process-wide logger
func Default() *Logger {
	return defaultLogger
}
