package logging

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/fatih/color"
)

// Logger is the main logger type. It has the novel property that it still
// functions if nil, but it doesn't log anything. It is safe for concurrent
// usage.
type Logger struct {
	// level is the maximum level at which messages will be logged.
	level Level
	// logger is the underlying log.Logger.
	logger *log.Logger
	// prefix is any prefix specified for the logger.
	prefix string
}

// NewLogger creates a new logger that logs messages at or below the specified
// level to the specified writer.
func NewLogger(level Level, writer io.Writer) *Logger {
	return &Logger{
		level:  level,
		logger: log.New(writer, "", log.LstdFlags),
	}
}

// RootLogger is the default logger from which components may derive subloggers
// if no explicit logger is provided. It logs warnings and errors to standard
// error.
var RootLogger = NewLogger(LevelWarn, os.Stderr)

// Sublogger creates a new sublogger with the specified name.
func (l *Logger) Sublogger(name string) *Logger {
	// If the logger is nil, then the sublogger will be as well.
	if l == nil {
		return nil
	}

	// Compute the new prefix.
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}

	// Create the new logger.
	return &Logger{
		level:  l.level,
		logger: l.logger,
		prefix: prefix,
	}
}

// output is the internal logging method.
func (l *Logger) output(level Level, line string) {
	// Filter by level.
	if level > l.level {
		return
	}

	// Add a prefix if necessary.
	if l.prefix != "" {
		line = fmt.Sprintf("[%s] %s", l.prefix, line)
	}

	// Log.
	l.logger.Output(4, line)
}

// Trace logs low-level execution information with semantics equivalent to
// fmt.Sprint.
func (l *Logger) Trace(v ...interface{}) {
	if l != nil {
		l.output(LevelTrace, fmt.Sprint(v...))
	}
}

// Tracef logs low-level execution information with semantics equivalent to
// fmt.Sprintf.
func (l *Logger) Tracef(format string, v ...interface{}) {
	if l != nil {
		l.output(LevelTrace, fmt.Sprintf(format, v...))
	}
}

// Debug logs advanced execution information with semantics equivalent to
// fmt.Sprint.
func (l *Logger) Debug(v ...interface{}) {
	if l != nil {
		l.output(LevelDebug, fmt.Sprint(v...))
	}
}

// Debugf logs advanced execution information with semantics equivalent to
// fmt.Sprintf.
func (l *Logger) Debugf(format string, v ...interface{}) {
	if l != nil {
		l.output(LevelDebug, fmt.Sprintf(format, v...))
	}
}

// Info logs basic execution information with semantics equivalent to
// fmt.Sprint.
func (l *Logger) Info(v ...interface{}) {
	if l != nil {
		l.output(LevelInfo, fmt.Sprint(v...))
	}
}

// Infof logs basic execution information with semantics equivalent to
// fmt.Sprintf.
func (l *Logger) Infof(format string, v ...interface{}) {
	if l != nil {
		l.output(LevelInfo, fmt.Sprintf(format, v...))
	}
}

// Warn logs non-fatal error information with a warning prefix and yellow
// color.
func (l *Logger) Warn(v ...interface{}) {
	if l != nil {
		l.output(LevelWarn, color.YellowString("Warning: %s", fmt.Sprint(v...)))
	}
}

// Warnf logs non-fatal error information with a warning prefix and yellow
// color, with semantics equivalent to fmt.Sprintf.
func (l *Logger) Warnf(format string, v ...interface{}) {
	if l != nil {
		l.output(LevelWarn, color.YellowString("Warning: %s", fmt.Sprintf(format, v...)))
	}
}

// Error logs fatal error information with an error prefix and red color.
func (l *Logger) Error(v ...interface{}) {
	if l != nil {
		l.output(LevelError, color.RedString("Error: %s", fmt.Sprint(v...)))
	}
}

// Errorf logs fatal error information with an error prefix and red color,
// with semantics equivalent to fmt.Sprintf.
func (l *Logger) Errorf(format string, v ...interface{}) {
	if l != nil {
		l.output(LevelError, color.RedString("Error: %s", fmt.Sprintf(format, v...)))
	}
}
