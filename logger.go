package wire

import "log/slog"

// Logger is the interface for structured logging.
// It is designed to be compatible with *slog.Logger from the standard library.
// The transport never decides where logs go; it only emits messages with
// the identity of the reader, processor or channel attached.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// safely runs fn and logs a panic instead of propagating it. Probe loops use
// it around every consumer callback.
func safely(logger Logger, what string, fn func(), args ...any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(what+" panicked", append(args, "panic", r)...)
		}
	}()
	fn()
}
