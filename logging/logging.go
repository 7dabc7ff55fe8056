// Package logging builds the process-wide slog logger: a console handler plus a
// rotating JSON file sink. Setup runs once per process.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Setup.
type Options struct {
	Module  string
	Verbose bool
	Dir     string // empty disables the file sink
	MaxAge  int    // days
	Console io.Writer
}

var (
	once   sync.Once
	logger *slog.Logger
	level  = &slog.LevelVar{}
	sink   *lumberjack.Logger
)

// Setup initialises the default logger on first call and returns it. Later calls
// return the same logger and only adjust console verbosity.
func Setup(opts Options) *slog.Logger {
	once.Do(func() {
		logger = build(opts)
		slog.SetDefault(logger)
		logger.Debug("logging initialised", slog.String("module", opts.Module))
	})
	SetVerbose(opts.Verbose)
	return logger
}

// SetVerbose toggles debug output on the console handler.
func SetVerbose(verbose bool) {
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
}

// Close flushes and closes the file sink.
func Close() error {
	if sink == nil {
		return nil
	}
	return sink.Close()
}

func build(opts Options) *slog.Logger {
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	consoleOpts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if f, ok := console.(*os.File); ok && isTerminal(f) {
		handlers = append(handlers, slog.NewTextHandler(console, consoleOpts))
	} else {
		handlers = append(handlers, slog.NewJSONHandler(console, consoleOpts))
	}

	if opts.Dir != "" {
		module := opts.Module
		if module == "" {
			module = "app"
		}
		maxAge := opts.MaxAge
		if maxAge <= 0 {
			maxAge = 7
		}
		sink = &lumberjack.Logger{
			Filename:  filepath.Join(opts.Dir, module+".log"),
			MaxSize:   50,
			MaxAge:    maxAge,
			LocalTime: true,
		}
		handlers = append(handlers, slog.NewJSONHandler(sink, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		}))
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0])
	}
	return slog.New(fanout(handlers))
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
