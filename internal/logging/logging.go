// Package logging centralizes slog construction and the attribute
// keys shared across the tool.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Attribute keys used by the typed helpers below.
const (
	KeyPlatform  = "platform"
	KeyDirection = "direction"
	KeyPostID    = "post_id"
	KeyRunID     = "run_id"
	KeyCount     = "count"
	KeyPath      = "path"
	KeyError     = "error"
)

// Options configures logger construction.
type Options struct {
	Level     slog.Level
	Output    io.Writer // defaults to os.Stderr
	JSON      bool
	AddSource bool
}

// New creates a logger with the given options.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     opts.Level,
		AddSource: opts.AddSource,
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	return slog.New(handler)
}

var (
	defaultMu     sync.Mutex
	defaultLogger *slog.Logger
)

// Default returns the shared logger. Until SetDefault is called it is
// a warn-level text logger on stderr, so diagnostics stay quiet unless
// the CLI raises the level.
func Default() *slog.Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(Options{Level: slog.LevelWarn})
	}
	return defaultLogger
}

// SetDefault replaces the shared logger.
func SetDefault(l *slog.Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Platform tags a log record with a platform name.
func Platform(name string) slog.Attr { return slog.String(KeyPlatform, name) }

// Direction tags a log record with a sync direction.
func Direction(dir string) slog.Attr { return slog.String(KeyDirection, dir) }

// PostID tags a log record with a platform post id.
func PostID(id string) slog.Attr { return slog.String(KeyPostID, id) }

// RunID tags a log record with the run identifier.
func RunID(id string) slog.Attr { return slog.String(KeyRunID, id) }

// Count tags a log record with an item count.
func Count(n int) slog.Attr { return slog.Int(KeyCount, n) }

// Path tags a log record with a file path.
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }

// Err tags a log record with an error.
func Err(err error) slog.Attr { return slog.Any(KeyError, err) }
