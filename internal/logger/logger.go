package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents a log level
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %s", s)
	}
}

// Fields is a map of log fields
type Fields map[string]interface{}

// Logger writes leveled, structured entries as JSON lines or text.
type Logger struct {
	mu               sync.RWMutex
	level            Level
	format           string // json or text
	output           io.Writer
	componentLevels  map[string]Level
	sanitizePatterns []*regexp.Regexp
}

// Entry represents a single log entry
type Entry struct {
	Timestamp     string                 `json:"timestamp"`
	Level         string                 `json:"level"`
	Component     string                 `json:"component,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Message       string                 `json:"message"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
}

var (
	globalLogger = New(InfoLevel, "json", os.Stderr)
	loggerMu     sync.RWMutex
)

// New creates a new logger instance
func New(level Level, format string, output io.Writer) *Logger {
	return &Logger{
		level:           level,
		format:          format,
		output:          output,
		componentLevels: make(map[string]Level),
	}
}

// Init replaces the global logger.
func Init(level Level, format string, output io.Writer) {
	SetGlobal(New(level, format, output))
}

// SetGlobal installs l as the global logger.
func SetGlobal(l *Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	globalLogger = l
}

// Get returns the global logger. Before Init it logs JSON at info level to stderr.
func Get() *Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return globalLogger
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetComponentLevel overrides the log level for one component
func (l *Logger) SetComponentLevel(component string, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.componentLevels[component] = level
}

// SetSanitizePatterns sets the regex patterns of field names whose values are redacted
func (l *Logger) SetSanitizePatterns(patterns []string) error {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid sanitize pattern %s: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sanitizePatterns = compiled
	return nil
}

func (l *Logger) enabled(level Level, component string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if componentLevel, ok := l.componentLevels[component]; ok {
		return level >= componentLevel
	}
	return level >= l.level
}

func (l *Logger) sanitize(fields Fields) Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.sanitizePatterns) == 0 || len(fields) == 0 {
		return fields
	}

	out := make(Fields, len(fields))
	for k, v := range fields {
		out[k] = v
		for _, pattern := range l.sanitizePatterns {
			if !pattern.MatchString(k) {
				continue
			}
			if str, ok := v.(string); ok && len(str) > 4 {
				out[k] = "***" + str[len(str)-4:]
			} else {
				out[k] = "***"
			}
			break
		}
	}
	return out
}

func (l *Logger) write(level Level, component, correlationID, message string, fields Fields) {
	if !l.enabled(level, component) {
		return
	}

	entry := Entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Level:         level.String(),
		Component:     component,
		CorrelationID: correlationID,
		Message:       message,
		Fields:        l.sanitize(fields),
	}

	var line []byte
	if l.format == "json" {
		data, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to marshal log entry: %v\n", err)
			return
		}
		line = append(data, '\n')
	} else {
		line = []byte(formatText(entry))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.output.Write(line)
}

// formatText renders an entry as a single line with sorted fields
func formatText(entry Entry) string {
	var b strings.Builder
	b.WriteString(entry.Timestamp)
	b.WriteByte(' ')
	b.WriteString(entry.Level)

	if entry.Component != "" {
		fmt.Fprintf(&b, " [%s]", entry.Component)
	}
	if entry.CorrelationID != "" {
		fmt.Fprintf(&b, " [%s]", entry.CorrelationID)
	}
	b.WriteByte(' ')
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
	}

	b.WriteByte('\n')
	return b.String()
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...Fields) {
	l.write(DebugLevel, "", "", message, mergeFields(fields...))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...Fields) {
	l.write(InfoLevel, "", "", message, mergeFields(fields...))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...Fields) {
	l.write(WarnLevel, "", "", message, mergeFields(fields...))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...Fields) {
	l.write(ErrorLevel, "", "", message, mergeFields(fields...))
}

// WithComponent creates a component logger
func (l *Logger) WithComponent(component string) *ComponentLogger {
	return &ComponentLogger{logger: l, component: component}
}

// ComponentLogger is a logger for one component, optionally bound to a
// correlation ID.
type ComponentLogger struct {
	logger        *Logger
	component     string
	correlationID string
}

// WithCorrelationID returns a copy of the logger bound to correlationID
func (cl *ComponentLogger) WithCorrelationID(correlationID string) *ComponentLogger {
	return &ComponentLogger{
		logger:        cl.logger,
		component:     cl.component,
		correlationID: correlationID,
	}
}

// Debug logs a debug message for the component
func (cl *ComponentLogger) Debug(message string, fields ...Fields) {
	cl.logger.write(DebugLevel, cl.component, cl.correlationID, message, mergeFields(fields...))
}

// Info logs an info message for the component
func (cl *ComponentLogger) Info(message string, fields ...Fields) {
	cl.logger.write(InfoLevel, cl.component, cl.correlationID, message, mergeFields(fields...))
}

// Warn logs a warning message for the component
func (cl *ComponentLogger) Warn(message string, fields ...Fields) {
	cl.logger.write(WarnLevel, cl.component, cl.correlationID, message, mergeFields(fields...))
}

// Error logs an error message for the component
func (cl *ComponentLogger) Error(message string, fields ...Fields) {
	cl.logger.write(ErrorLevel, cl.component, cl.correlationID, message, mergeFields(fields...))
}

// mergeFields merges multiple Fields maps; later maps win
func mergeFields(fields ...Fields) Fields {
	switch len(fields) {
	case 0:
		return nil
	case 1:
		return fields[0]
	}

	result := make(Fields)
	for _, f := range fields {
		for k, v := range f {
			result[k] = v
		}
	}
	return result
}

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}

// FromContext returns a component logger bound to the context's correlation ID
func FromContext(ctx context.Context, component string) *ComponentLogger {
	return Get().WithComponent(component).WithCorrelationID(GetCorrelationID(ctx))
}
