// Package logging emits JSON log lines shaped like OTEL log records, so the
// relay's stdout can be shipped to an OTLP backend without reformatting. A
// registered hook can mirror every entry into a second sink.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Level is the log severity text.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// SeverityNumber maps a level to its OTEL severity number.
// https://opentelemetry.io/docs/specs/otel/logs/data-model/#severity-fields
func SeverityNumber(level Level) int {
	switch level {
	case LevelDebug:
		return 5
	case LevelInfo:
		return 9
	case LevelWarn:
		return 13
	case LevelError:
		return 17
	case LevelFatal:
		return 21
	default:
		return 0
	}
}

// LogHook receives every emitted entry. It lets the telemetry package forward
// logs over OTLP without this package importing the SDK.
type LogHook func(level Level, msg string, attrs map[string]interface{})

// Logger writes OTEL-shaped JSON log entries to a single writer.
type Logger struct {
	mu       sync.Mutex
	output   io.Writer
	resource map[string]string
	hook     LogHook
	minLevel int
}

// LogEntry is the wire shape of one log line.
type LogEntry struct {
	Timestamp      string                 `json:"Timestamp"`
	SeverityText   string                 `json:"SeverityText"`
	SeverityNumber int                    `json:"SeverityNumber"`
	Body           string                 `json:"Body"`
	Attributes     map[string]interface{} `json:"Attributes,omitempty"`
	Resource       map[string]string      `json:"Resource,omitempty"`
}

var defaultLogger = &Logger{output: os.Stdout, minLevel: SeverityNumber(LevelInfo)}

// SetOutput redirects the default logger.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.output = w
}

// SetLevel sets the minimum severity emitted. Lower entries are dropped
// before serialization.
func SetLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.minLevel = SeverityNumber(level)
}

// SetResource attaches OTEL resource attributes (service.name etc.) to every
// entry. Call once at startup.
func SetResource(resource map[string]string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.resource = resource
}

// SetHook registers the secondary sink hook.
func SetHook(hook LogHook) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.hook = hook
}

func (l *Logger) log(level Level, msg string, attrs map[string]interface{}) {
	sev := SeverityNumber(level)

	l.mu.Lock()
	if sev < l.minLevel {
		l.mu.Unlock()
		return
	}
	entry := LogEntry{
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		SeverityText:   string(level),
		SeverityNumber: sev,
		Body:           msg,
		Attributes:     attrs,
		Resource:       l.resource,
	}
	hook := l.hook
	data, _ := json.Marshal(entry)
	_, _ = l.output.Write(append(data, '\n'))
	l.mu.Unlock()

	// The hook runs outside the lock so it may log itself.
	if hook != nil {
		hook(level, msg, attrs)
	}
}

// first unwraps the optional variadic fields map.
func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs at DEBUG level.
func Debug(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelDebug, msg, first(fields))
}

// Info logs at INFO level.
func Info(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelInfo, msg, first(fields))
}

// Warn logs at WARN level.
func Warn(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelWarn, msg, first(fields))
}

// Error logs at ERROR level.
func Error(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelError, msg, first(fields))
}

// Fatal logs at FATAL level and exits.
func Fatal(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelFatal, msg, first(fields))
	os.Exit(1)
}

// F builds an attributes map from alternating key/value pairs. Non-string
// keys are skipped.
func F(keyvals ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		if key, ok := keyvals[i].(string); ok {
			fields[key] = keyvals[i+1]
		}
	}
	return fields
}
