package engine

import (
	"fmt"
	"io"
	"log"
)

// Logger receives leveled log lines from the engine and its background
// workers. Implementations should not block the caller for long: a slow
// sink delays the workers' next tick, and the compactor logs failed
// segment removals while holding the segment-table lock.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// stdLogger is the default Logger, a thin wrapper around the standard
// library logger: one line per event, no structured fields, a level
// tag and nothing else.
type stdLogger struct {
	l *log.Logger
}

// NewStdLogger returns a Logger that writes leveled lines to w.
func NewStdLogger(w io.Writer) Logger {
	return &stdLogger{l: log.New(w, "", log.LstdFlags)}
}

func (s *stdLogger) Infof(format string, args ...interface{}) {
	s.l.Output(2, "INFO "+fmt.Sprintf(format, args...))
}

func (s *stdLogger) Warnf(format string, args ...interface{}) {
	s.l.Output(2, "WARN "+fmt.Sprintf(format, args...))
}

func (s *stdLogger) Errorf(format string, args ...interface{}) {
	s.l.Output(2, "ERROR "+fmt.Sprintf(format, args...))
}

// noopLogger discards everything; used by tests that don't want log spam.
type noopLogger struct{}

func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}

// NewNoopLogger returns a Logger that discards all output.
func NewNoopLogger() Logger { return noopLogger{} }
