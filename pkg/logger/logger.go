// Package logger provides the leveled logging interface shared by all
// engine components. Implementations may log to console, files, or mirror
// messages onto the event bus as log events.
package logger

import (
	"fmt"
	"log"
)

// Logger is the logging contract used across the engine. Success exists as
// its own level because completed downloads are surfaced to clients as
// log_success events, distinct from plain informational output.
type Logger interface {
	// Info logs an informational message (e.g., "queue resumed").
	Info(format string, args ...interface{})

	// Success logs a positive outcome (e.g., "download finished").
	Success(format string, args ...interface{})

	// Warning logs a recoverable problem (e.g., "store write retry 2/3").
	Warning(format string, args ...interface{})

	// Error logs a failure (e.g., "yt-dlp exited with code 1").
	Error(format string, args ...interface{})
}

// StandardLogger wraps the stdlib *log.Logger for console/file output.
type StandardLogger struct {
	logger *log.Logger
}

// NewStandardLogger creates a logger that wraps the given *log.Logger.
func NewStandardLogger(l *log.Logger) *StandardLogger {
	return &StandardLogger{logger: l}
}

// Info logs an informational message with [INFO] prefix.
func (s *StandardLogger) Info(format string, args ...interface{}) {
	s.logger.Printf("[INFO] "+format, args...)
}

// Success logs a positive outcome with [OK] prefix.
func (s *StandardLogger) Success(format string, args ...interface{}) {
	s.logger.Printf("[OK] "+format, args...)
}

// Warning logs a warning message with [WARNING] prefix.
func (s *StandardLogger) Warning(format string, args ...interface{}) {
	s.logger.Printf("[WARNING] "+format, args...)
}

// Error logs an error message with [ERROR] prefix.
func (s *StandardLogger) Error(format string, args ...interface{}) {
	s.logger.Printf("[ERROR] "+format, args...)
}

// NopLogger discards all messages. Useful for tests.
type NopLogger struct{}

// NewNopLogger creates a logger that discards all messages.
func NewNopLogger() *NopLogger { return &NopLogger{} }

// Info discards the message.
func (n *NopLogger) Info(format string, args ...interface{}) {}

// Success discards the message.
func (n *NopLogger) Success(format string, args ...interface{}) {}

// Warning discards the message.
func (n *NopLogger) Warning(format string, args ...interface{}) {}

// Error discards the message.
func (n *NopLogger) Error(format string, args ...interface{}) {}

var (
	_ Logger = (*StandardLogger)(nil)
	_ Logger = (*NopLogger)(nil)
	_ Logger = (*RecordingLogger)(nil)
)

// RecordingLogger implements Logger for testing purposes. It records all
// formatted messages for later verification.
type RecordingLogger struct {
	InfoCalls    []string
	SuccessCalls []string
	WarningCalls []string
	ErrorCalls   []string
}

// NewRecordingLogger creates a new RecordingLogger.
func NewRecordingLogger() *RecordingLogger {
	return &RecordingLogger{}
}

// Info records the formatted message.
func (m *RecordingLogger) Info(format string, args ...interface{}) {
	m.InfoCalls = append(m.InfoCalls, fmt.Sprintf(format, args...))
}

// Success records the formatted message.
func (m *RecordingLogger) Success(format string, args ...interface{}) {
	m.SuccessCalls = append(m.SuccessCalls, fmt.Sprintf(format, args...))
}

// Warning records the formatted message.
func (m *RecordingLogger) Warning(format string, args ...interface{}) {
	m.WarningCalls = append(m.WarningCalls, fmt.Sprintf(format, args...))
}

// Error records the formatted message.
func (m *RecordingLogger) Error(format string, args ...interface{}) {
	m.ErrorCalls = append(m.ErrorCalls, fmt.Sprintf(format, args...))
}
