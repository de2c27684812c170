package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	TRACE LogLevel = iota // Raw PDU bytes, scheduler steps
	DEBUG                 // Decoded PDUs, handshake transitions
	INFO                  // Connections, disconnections
	WARN                  // Dropped or malformed traffic
	ERROR                 // Errors
)

var (
	currentLevel LogLevel = INFO
	mu           sync.RWMutex

	base = newBase(os.Stdout)
)

func newBase(out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(logrus.TraceLevel) // gating happens in log()
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: false,
		FullTimestamp:    true,
		TimestampFormat:  "15:04:05.000",
	})
	return l
}

func init() {
	if env := os.Getenv("ATT_LOG_LEVEL"); env != "" {
		currentLevel = ParseLevel(env)
	}
}

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetOutput redirects all log output
func SetOutput(out io.Writer) {
	base.SetOutput(out)
}

// ParseLevel converts a string to a LogLevel
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case TRACE:
		return logrus.TraceLevel
	case DEBUG:
		return logrus.DebugLevel
	case INFO:
		return logrus.InfoLevel
	case WARN:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

// Entry is a prefixed logger carrying structured fields. The engine keeps one
// per connection so every line carries the handle and session id.
type Entry struct {
	prefix string
	fields logrus.Fields
}

// WithFields returns an Entry that attaches fields to every line it logs
func WithFields(prefix string, fields logrus.Fields) *Entry {
	return &Entry{prefix: prefix, fields: fields}
}

// WithField returns a copy of e with one more field
func (e *Entry) WithField(key string, value interface{}) *Entry {
	fields := make(logrus.Fields, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Entry{prefix: e.prefix, fields: fields}
}

func (e *Entry) Trace(format string, args ...interface{}) { logFields(TRACE, e.prefix, e.fields, format, args...) }
func (e *Entry) Debug(format string, args ...interface{}) { logFields(DEBUG, e.prefix, e.fields, format, args...) }
func (e *Entry) Info(format string, args ...interface{})  { logFields(INFO, e.prefix, e.fields, format, args...) }
func (e *Entry) Warn(format string, args ...interface{})  { logFields(WARN, e.prefix, e.fields, format, args...) }
func (e *Entry) Error(format string, args ...interface{}) { logFields(ERROR, e.prefix, e.fields, format, args...) }

func logFields(level LogLevel, prefix string, fields logrus.Fields, format string, args ...interface{}) {
	if level < GetLevel() {
		return
	}

	entry := logrus.NewEntry(base)
	if prefix != "" {
		entry = entry.WithField("component", prefix)
	}
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Log(level.logrusLevel(), fmt.Sprintf(format, args...))
}

func log(level LogLevel, prefix, format string, args ...interface{}) {
	logFields(level, prefix, nil, format, args...)
}

// Trace logs a trace message (raw bytes, scheduler steps)
func Trace(prefix, format string, args ...interface{}) {
	log(TRACE, prefix, format, args...)
}

// Debug logs a debug message (decoded PDUs, handshake transitions)
func Debug(prefix, format string, args ...interface{}) {
	log(DEBUG, prefix, format, args...)
}

// Info logs an info message (high-level events)
func Info(prefix, format string, args ...interface{}) {
	log(INFO, prefix, format, args...)
}

// Warn logs a warning message
func Warn(prefix, format string, args ...interface{}) {
	log(WARN, prefix, format, args...)
}

// Error logs an error message
func Error(prefix, format string, args ...interface{}) {
	log(ERROR, prefix, format, args...)
}

// ToJSON converts any value to a pretty-printed JSON string for logging
func ToJSON(v interface{}) string {
	if msg, ok := v.(proto.Message); ok {
		marshaler := protojson.MarshalOptions{
			Multiline:       true,
			Indent:          "  ",
			EmitUnpopulated: false,
		}
		jsonBytes, err := marshaler.Marshal(msg)
		if err != nil {
			return fmt.Sprintf("<error: %v>", err)
		}
		return string(jsonBytes)
	}

	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(jsonBytes)
}

// TraceJSON logs a trace message with a JSON representation
func TraceJSON(prefix, label string, v interface{}) {
	if GetLevel() > TRACE {
		return
	}
	log(TRACE, prefix, "%s:\n%s", label, ToJSON(v))
}

// DebugJSON logs a debug message with a JSON representation
func DebugJSON(prefix, label string, v interface{}) {
	if GetLevel() > DEBUG {
		return
	}
	log(DEBUG, prefix, "%s:\n%s", label, ToJSON(v))
}
