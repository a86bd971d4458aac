package pkg

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// Transfer engine component identifiers.
const (
	ComponentPool       Component = "pool"
	ComponentDescriptor Component = "descriptor"
	ComponentSchedule   Component = "schedule"
	ComponentAsync      Component = "async"
	ComponentController Component = "controller"
	ComponentHAL        Component = "hal"
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Text format (default)
	LogFormatJSON                  // JSON format
)

// Attribute keys shared by every engine log record.
const (
	KeyComponent  = "component"
	KeyController = "controller"
)

var (
	// DefaultLogger is the default logger used by the transfer engine.
	DefaultLogger *slog.Logger

	// logLevel controls the minimum log level.
	logLevel = new(slog.LevelVar)

	// logMutex protects logger configuration.
	logMutex sync.RWMutex
)

func init() {
	logLevel.Set(slog.LevelWarn)
	DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// SetLogLevel sets the minimum log level for all transfer engine logging.
func SetLogLevel(level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logLevel.Set(level)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() slog.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logLevel.Level()
}

// SetLogger replaces the default logger with a custom logger.
func SetLogger(logger *slog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogFormat configures the default logger to use the specified format.
// The logger writes to os.Stderr and uses the current log level.
func SetLogFormat(format LogFormat) {
	SetLogger(newLogger(format, os.Stderr, nil))
}

// NewLogger creates a new text logger writing to the given writer.
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return newLogger(LogFormatText, w, opts)
}

// NewJSONLogger creates a new JSON logger writing to the given writer.
func NewJSONLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return newLogger(LogFormatJSON, w, opts)
}

func newLogger(format LogFormat, w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: logLevel}
	}
	if format == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Logger tags records with a component and, for code that belongs to one
// controller instance, the controller's name. The zero value logs untagged
// records to DefaultLogger.
//
// Records go to whatever DefaultLogger is current when they are emitted, so
// a Logger built before SetLogger follows the replacement.
type Logger struct {
	attrs []any
}

// For returns a Logger tagging records with component.
func For(component Component) Logger {
	return Logger{attrs: []any{KeyComponent, string(component)}}
}

// ForController returns a Logger for the controller instance named name.
func ForController(name string) Logger {
	return For(ComponentController).With(KeyController, name)
}

// With returns a Logger that adds args to every record.
func (l Logger) With(args ...any) Logger {
	attrs := make([]any, 0, len(l.attrs)+len(args))
	return Logger{attrs: append(append(attrs, l.attrs...), args...)}
}

// Enabled reports whether a record at level would be emitted.
func (l Logger) Enabled(level slog.Level) bool {
	return current().Enabled(context.Background(), level)
}

func (l Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args) }
func (l Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args) }
func (l Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args) }
func (l Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args) }

// log builds the attribute list only for records the handler keeps; debug
// records on the tick path are usually dropped.
func (l Logger) log(level slog.Level, msg string, args []any) {
	logger := current()
	ctx := context.Background()
	if !logger.Enabled(ctx, level) {
		return
	}
	all := make([]any, 0, len(l.attrs)+len(args))
	logger.Log(ctx, level, msg, append(append(all, l.attrs...), args...)...)
}

func current() *slog.Logger {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return DefaultLogger
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	For(component).Debug(msg, args...)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	For(component).Info(msg, args...)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	For(component).Warn(msg, args...)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	For(component).Error(msg, args...)
}
