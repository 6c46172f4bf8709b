// Package logx is the substrate's Logger leaf: it routes leveled messages
// through pkg/redact to a configurable sink and never emits raw values.
// Callers hold a *Logger by reference from construction; there is no
// package-level default logger.
package logx

import (
	"github.com/sirupsen/logrus"

	"github.com/hollowware/substrate/pkg/redact"
)

// Logger wraps a logrus.Logger, redacting every field before it reaches the
// underlying sink.
type Logger struct {
	entry    *logrus.Logger
	redactor *redact.Redactor
}

// New constructs a production Logger: JSON formatting, level Info by default.
func New(redactor *redact.Redactor) *Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	l.SetLevel(logrus.InfoLevel)
	return &Logger{entry: l, redactor: redactor}
}

// NewDevelopment constructs a Logger with human-readable text output and
// Debug level, for tests and CLI contexts.
func NewDevelopment(redactor *redact.Redactor) *Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.DebugLevel)
	return &Logger{entry: l, redactor: redactor}
}

// Fields is a redacted-before-emission key/value map attached to a log line.
type Fields map[string]interface{}

func (l *Logger) fields(f Fields) logrus.Fields {
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		out[k] = l.redactor.RedactAny(v)
	}
	return out
}

// Debug logs suspension-point tracing detail.
func (l *Logger) Debug(msg string, f Fields) {
	l.entry.WithFields(l.fields(f)).Debug(l.redactor.Redact(msg))
}

// Info logs rotation, recovery, and circuit-state transitions.
func (l *Logger) Info(msg string, f Fields) {
	l.entry.WithFields(l.fields(f)).Info(l.redactor.Redact(msg))
}

// Warn logs skipped/truncated records and quarantine events.
func (l *Logger) Warn(msg string, f Fields) {
	l.entry.WithFields(l.fields(f)).Warn(l.redactor.Redact(msg))
}

// Error logs I/O failures on critical paths.
func (l *Logger) Error(msg string, f Fields) {
	l.entry.WithFields(l.fields(f)).Error(l.redactor.Redact(msg))
}

// SetOutput redirects the underlying sink, primarily for tests that capture
// output into a buffer.
func (l *Logger) SetOutput(w interface{ Write([]byte) (int, error) }) {
	l.entry.SetOutput(w)
}
