package engine

import "time"

// Progress phases.
const (
	PhaseValidating  = "validating"
	PhasePlanning    = "planning"
	PhaseWriting     = "writing"
	PhaseBootControl = "boot-control"
	PhaseReading     = "reading"
	PhaseComplete    = "complete"
)

// Progress contains information about a running save or load.
// Passed to ProgressCallback.
type Progress struct {
	// Phase is one of the Phase constants
	Phase string

	// Region is the label of the region being accessed, if any
	Region string

	// Copy is the region copy being accessed
	Copy int

	// Percentage is the completion percentage (0.0 to 100.0)
	Percentage float64

	// BytesWritten is the total number of bytes written so far
	BytesWritten int64

	// ElapsedTime is the time elapsed since the operation started
	ElapsedTime time.Duration
}

// ProgressCallback is called during save and load to report progress.
// Implementations should return quickly.
type ProgressCallback func(Progress)

// Logger is an optional logging interface that can be provided to the engine.
// This allows integration with any logging framework. It also satisfies
// flash.Logger and stream.Logger, so one logger can serve every layer.
//
// Example with standard log package:
//
//	type StdLogger struct{}
//	func (l *StdLogger) Debug(msg string, kv ...interface{}) { log.Println(msg, kv) }
//	func (l *StdLogger) Info(msg string, kv ...interface{})  { log.Println(msg, kv) }
//	func (l *StdLogger) Warn(msg string, kv ...interface{})  { log.Println(msg, kv) }
//	func (l *StdLogger) Error(msg string, kv ...interface{}) { log.Println(msg, kv) }
type Logger interface {
	// Debug logs a debug message with optional key-value pairs
	Debug(msg string, keysAndValues ...interface{})

	// Info logs an info message with optional key-value pairs
	Info(msg string, keysAndValues ...interface{})

	// Warn logs a warning with optional key-value pairs
	Warn(msg string, keysAndValues ...interface{})

	// Error logs an error message with optional key-value pairs
	Error(msg string, keysAndValues ...interface{})
}
