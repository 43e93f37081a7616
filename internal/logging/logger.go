// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Options selects the log threshold and sink.
type Options struct {
	Level slog.Level

	// Path, when set, receives JSON lines instead of Stderr receiving text.
	Path string

	Stderr io.Writer
}

// Runtime bundles the configured logger and its open file handle lifecycle.
type Runtime struct {
	Logger *slog.Logger
	Path   string
	closer io.Closer
}

// Close flushes and closes the logger output sink.
func (r Runtime) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// New builds a text logger on stderr, or a JSONL logger appending to opts.Path.
func New(opts Options) (Runtime, error) {
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	if opts.Path == "" {
		stderr := opts.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		return Runtime{Logger: slog.New(slog.NewTextHandler(stderr, handlerOpts))}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return Runtime{}, err
	}
	f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return Runtime{}, err
	}

	logger := slog.New(slog.NewJSONHandler(f, handlerOpts))
	return Runtime{Logger: logger, Path: opts.Path, closer: f}, nil
}
