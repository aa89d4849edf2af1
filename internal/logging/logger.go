// Package logging provides the structured-logging interface the emulator
// core logs through: an interface wrapping a concrete library, plus
// null/buffer constructors for tests.
package logging

import (
	"bytes"
	"io"

	log "github.com/sirupsen/logrus"
)

// Logger is the interface the dispatcher and its collaborators log through.
// Never log tpmProof, sharedSecret, usageAuth, migrationAuth, or plaintext
// sealed payloads through it — only handles, ordinals, and return codes.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
}

// Fields is a structured set of key/value pairs attached to a log line.
type Fields map[string]interface{}

type logrusLogger struct {
	entry *log.Entry
}

// New returns a Logger backed by a fresh logrus.Logger writing to stderr at
// info level.
func New() Logger {
	l := log.New()
	return &logrusLogger{entry: log.NewEntry(l)}
}

// NewNullLogger returns a Logger that discards all output, for tests.
func NewNullLogger() Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return &logrusLogger{entry: log.NewEntry(l)}
}

// NewBufferLogger returns a Logger that writes to b, for tests asserting on
// log content.
func NewBufferLogger(b *bytes.Buffer) Logger {
	l := log.New()
	l.SetOutput(b)
	return &logrusLogger{entry: log.NewEntry(l)}
}

func (l *logrusLogger) Debug(args ...interface{}) { l.entry.Debug(args...) }
func (l *logrusLogger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *logrusLogger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *logrusLogger) Error(args ...interface{}) { l.entry.Error(args...) }

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{entry: l.entry.WithFields(log.Fields(fields))}
}
