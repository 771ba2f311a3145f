package main

import (
	"io"
	"log/slog"
)

// stdLogger implements engine.Logger on top of log/slog. Warnings and
// errors are always printed, debug and info only with --verbose.
type stdLogger struct {
	l *slog.Logger
}

func newLogger(w io.Writer, verbose bool) *stdLogger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return &stdLogger{l: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))}
}

func (s *stdLogger) Debug(msg string, kv ...interface{}) { s.l.Debug(msg, kv...) }
func (s *stdLogger) Info(msg string, kv ...interface{})  { s.l.Info(msg, kv...) }
func (s *stdLogger) Warn(msg string, kv ...interface{})  { s.l.Warn(msg, kv...) }
func (s *stdLogger) Error(msg string, kv ...interface{}) { s.l.Error(msg, kv...) }
