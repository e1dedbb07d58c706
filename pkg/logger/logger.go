// Package logger provides the structured logging facade used across the
// platform. It wraps logrus behind a small chainable API so services can
// attach fields and errors without importing the backend directly.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LoggingConfig controls level, encoding, and destination of a Logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Unknown values fall back
	// to info.
	Level string
	// Format is "json" or "text".
	Format string
	// Output is "stdout", "stderr", or "file".
	Output string
	// FilePrefix is the path prefix for file output; the current date and
	// a .log suffix are appended.
	FilePrefix string
}

// Logger is a leveled, field-structured logger. The zero value is not
// usable; construct with New or NewDefault.
type Logger struct {
	entry *logrus.Entry
}

// New builds a Logger from the given configuration.
func New(cfg LoggingConfig) *Logger {
	backend := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	backend.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		backend.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		backend.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	}

	switch strings.ToLower(cfg.Output) {
	case "stderr":
		backend.SetOutput(os.Stderr)
	case "file":
		name := fmt.Sprintf("%s-%s.log", cfg.FilePrefix, time.Now().UTC().Format("20060102"))
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			backend.SetOutput(os.Stdout)
			backend.WithError(err).Warn("log file unavailable, using stdout")
		} else {
			backend.SetOutput(f)
		}
	default:
		backend.SetOutput(os.Stdout)
	}

	return &Logger{entry: logrus.NewEntry(backend)}
}

// NewDefault returns an info-level text logger tagged with a component name.
// Services use it when no logger is injected.
func NewDefault(component string) *Logger {
	l := New(LoggingConfig{Level: "info", Format: "text", Output: "stdout"})
	return l.WithField("component", component)
}

// WithField returns a Logger that includes key=value on every record.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a Logger that includes all given fields on every record.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// WithError returns a Logger that includes the error under the "error" key.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// SetLevel changes the backend level at runtime.
func (l *Logger) SetLevel(level string) {
	parsed, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return
	}
	l.entry.Logger.SetLevel(parsed)
}

// SetOutput redirects the backend destination; tests use it to silence
// output.
func (l *Logger) SetOutput(w io.Writer) {
	l.entry.Logger.SetOutput(w)
}

// Debug logs at debug level.
func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }

// Debugf logs a formatted message at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

// Info logs at info level.
func (l *Logger) Info(args ...interface{}) { l.entry.Info(args...) }

// Infof logs a formatted message at info level.
func (l *Logger) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

// Warn logs at warn level.
func (l *Logger) Warn(args ...interface{}) { l.entry.Warn(args...) }

// Warnf logs a formatted message at warn level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

// Error logs at error level.
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }

// Errorf logs a formatted message at error level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// Fatal logs at fatal level and exits.
func (l *Logger) Fatal(args ...interface{}) { l.entry.Fatal(args...) }

// Fatalf logs a formatted message at fatal level and exits.
func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }
