// Package log provides the category-scoped logger the scheduler reports
// task and queue transitions through.
package log

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus logger with per-call categories and an optional
// category filter.
type Logger struct {
	*logrus.Logger

	debugOverride  bool
	categoryFilter *regexp.Regexp
}

// NullLogger returns a logger that discards everything.
func NullLogger() *Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(log, false, nil)
}

// New returns a logger wrapping the given logrus logger. With debugOverride
// set, debug messages the underlying level hides are emitted at info level;
// a level that also hides info still drops them.
// A non-nil categoryFilter suppresses every category it does not match.
func New(logger *logrus.Logger, debugOverride bool, categoryFilter *regexp.Regexp) *Logger {
	if logger == nil {
		logger = logrus.New()
	}
	return &Logger{
		Logger:         logger,
		debugOverride:  debugOverride,
		categoryFilter: categoryFilter,
	}
}

// Debugf logs a debug message with the given category.
func (l *Logger) Debugf(category, msg string, args ...any) {
	l.logf(logrus.DebugLevel, category, msg, args...)
}

// Infof logs an info message with the given category.
func (l *Logger) Infof(category, msg string, args ...any) {
	l.logf(logrus.InfoLevel, category, msg, args...)
}

// Warnf logs a warning message with the given category.
func (l *Logger) Warnf(category, msg string, args ...any) {
	l.logf(logrus.WarnLevel, category, msg, args...)
}

// Errorf logs an error message with the given category.
func (l *Logger) Errorf(category, msg string, args ...any) {
	l.logf(logrus.ErrorLevel, category, msg, args...)
}

func (l *Logger) logf(level logrus.Level, category, msg string, args ...any) {
	if l.categoryFilter != nil && !l.categoryFilter.MatchString(category) {
		return
	}
	entry := l.Logger.WithField("category", category)
	if l.Logger.GetLevel() < level && l.debugOverride && level == logrus.DebugLevel {
		entry.Printf(msg, args...)
		return
	}
	entry.Logf(level, msg, args...)
}

// DebugMode returns true if the logger level is set to Debug or higher.
func (l *Logger) DebugMode() bool {
	return l.Logger.GetLevel() >= logrus.DebugLevel || l.debugOverride
}

// ConsoleFormatter colors the level and category of each entry for
// interactive use.
type ConsoleFormatter struct {
	logrus.TextFormatter
}

// Format implements logrus.Formatter.
func (f *ConsoleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var c *color.Color
	switch entry.Level {
	case logrus.DebugLevel, logrus.TraceLevel:
		c = color.New(color.FgCyan)
	case logrus.WarnLevel:
		c = color.New(color.FgYellow)
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		c = color.New(color.FgRed)
	default:
		c = color.New(color.FgWhite)
	}

	level := c.Sprintf("%-5s", strings.ToUpper(entry.Level.String()))
	category, _ := entry.Data["category"].(string)
	if category != "" {
		category = color.New(color.FgMagenta).Sprint(category) + " "
	}

	return []byte(fmt.Sprintf("%s %s%s\n", level, category, entry.Message)), nil
}
