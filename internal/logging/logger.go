package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"
)

// Level controls which messages a logger emits
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

// Logger provides structured logging
type Logger struct {
	prefix string
	level  Level
	out    *log.Logger
}

// NewLogger creates a new logger with prefix, emitting Info and above
func NewLogger(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		level:  LevelInfo,
		out:    log.New(os.Stderr, "", 0),
	}
}

// NewLoggerWithOutput creates a logger writing to w (used by tests)
func NewLoggerWithOutput(prefix string, level Level, w io.Writer) *Logger {
	return &Logger{
		prefix: prefix,
		level:  level,
		out:    log.New(w, "", 0),
	}
}

// SetLevel sets the minimum level the logger emits
func (l *Logger) SetLevel(level Level) {
	l.level = level
}

// Debug logs debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.log(LevelDebug, msg, keysAndValues...)
}

// Info logs informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.log(LevelInfo, msg, keysAndValues...)
}

// Warn logs warning message
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.log(LevelWarn, msg, keysAndValues...)
}

// Error logs error message
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.log(LevelError, msg, keysAndValues...)
}

// log formats and outputs log message
func (l *Logger) log(level Level, msg string, keysAndValues ...interface{}) {
	if level < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02T15:04:05.000Z07:00")

	output := fmt.Sprintf("%s [%s] %s: %s", timestamp, level, l.prefix, msg)

	// Append key-value pairs
	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 < len(keysAndValues) {
			key := keysAndValues[i]
			value := keysAndValues[i+1]
			output += fmt.Sprintf(" %v=%v", key, value)
		}
	}

	l.out.Println(output)
}
