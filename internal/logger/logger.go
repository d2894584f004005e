// Package logger provides the process-wide structured logger.
//
// The logger follows the same shape as the server's other runtime cells:
// the active slog.Logger sits in an atomic pointer and the minimum level in
// a slog.LevelVar, so sessions log through a single load with no locking
// and the level can be flipped at runtime without rebuilding handlers.
// Output is colored key=value text on terminals (JSON when configured);
// NO_COLOR and non-tty outputs disable color.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Config holds logger configuration
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	active   atomic.Pointer[slog.Logger]
	minLevel slog.LevelVar
)

func init() {
	swap(os.Stdout, "text", colorFor(os.Stdout))
}

// swap installs a new logger over the given writer. The level cell is
// shared by every handler ever installed, so SetLevel keeps working across
// reconfigurations.
func swap(w io.Writer, format string, color bool) {
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: &minLevel})
	} else {
		handler = newTextHandler(w, &minLevel, color)
	}
	active.Store(slog.New(handler))
}

// colorFor reports whether output to w should be colored: only terminals,
// and never when NO_COLOR is set.
func colorFor(w io.Writer) bool {
	if _, noColor := os.LookupEnv("NO_COLOR"); noColor {
		return false
	}
	f, ok := w.(*os.File)
	return ok && isTerminal(f.Fd())
}

// Init configures the logger. Output can be "stdout", "stderr", or a file
// path; an empty output means stdout, an empty or unknown format means
// text, and an empty level leaves the level cell alone.
func Init(cfg Config) error {
	w := io.Writer(os.Stdout)
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
		}
		w = f
	}

	format := strings.ToLower(cfg.Format)
	if format != "json" {
		format = "text"
	}

	if cfg.Level != "" {
		SetLevel(cfg.Level)
	}

	swap(w, format, colorFor(w))
	return nil
}

// SetLevel adjusts the minimum level at runtime. Unknown names are ignored.
func SetLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		minLevel.Set(slog.LevelDebug)
	case "INFO":
		minLevel.Set(slog.LevelInfo)
	case "WARN":
		minLevel.Set(slog.LevelWarn)
	case "ERROR":
		minLevel.Set(slog.LevelError)
	}
}

// Debug logs at debug level with structured fields.
// Usage: Debug("message", "key1", value1, "key2", value2)
func Debug(msg string, args ...any) {
	active.Load().Debug(msg, args...)
}

// Info logs at info level with structured fields.
func Info(msg string, args ...any) {
	active.Load().Info(msg, args...)
}

// Warn logs at warn level with structured fields.
func Warn(msg string, args ...any) {
	active.Load().Warn(msg, args...)
}

// Error logs at error level with structured fields.
func Error(msg string, args ...any) {
	active.Load().Error(msg, args...)
}

// With returns a slog.Logger carrying pre-bound attributes, for components
// that tag every line with the same session fields.
func With(args ...any) *slog.Logger {
	return active.Load().With(args...)
}
