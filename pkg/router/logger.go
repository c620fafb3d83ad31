package router

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// LogLevel represents logging severity.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelOff
)

// Logger is the minimal logging interface the router writes to. Fields are
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// stdLogger writes key=value formatted lines through the standard log package.
type stdLogger struct {
	level  LogLevel
	logger *log.Logger
}

// NewLogger creates a Logger writing to stderr at the given level.
func NewLogger(level LogLevel) Logger {
	return &stdLogger{
		level:  level,
		logger: log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *stdLogger) log(level LogLevel, prefix, msg string, fields ...interface{}) {
	if level < l.level {
		return
	}
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(" ")
	b.WriteString(msg)
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	l.logger.Print(b.String())
}

func (l *stdLogger) Debug(msg string, fields ...interface{}) {
	l.log(LogLevelDebug, "DEBUG", msg, fields...)
}

func (l *stdLogger) Info(msg string, fields ...interface{}) {
	l.log(LogLevelInfo, "INFO", msg, fields...)
}

func (l *stdLogger) Warn(msg string, fields ...interface{}) {
	l.log(LogLevelWarn, "WARN", msg, fields...)
}

func (l *stdLogger) Error(msg string, fields ...interface{}) {
	l.log(LogLevelError, "ERROR", msg, fields...)
}

// nopLogger discards everything.
type nopLogger struct{}

// NopLogger returns a Logger that discards all output.
func NopLogger() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
