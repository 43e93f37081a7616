// Package app wires argument parsing, logging, and the supervised backend server.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/rbright/vhost-device-sound/internal/cli"
	"github.com/rbright/vhost-device-sound/internal/config"
	"github.com/rbright/vhost-device-sound/internal/doctor"
	"github.com/rbright/vhost-device-sound/internal/logging"
	"github.com/rbright/vhost-device-sound/internal/server"
	"github.com/rbright/vhost-device-sound/internal/supervisor"
	"github.com/rbright/vhost-device-sound/internal/version"
)

// Runner executes one process invocation.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger

	// Supervise takes over once the configuration is built. The default never returns.
	Supervise func(config.SoundConfig, *slog.Logger)
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args, r.Stdout, r.Stderr)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		fmt.Fprintf(r.Stderr, "run '%s --help' for usage\n", cli.Name)
		return 2
	}
	if parsed.Exited {
		return parsed.ExitCode
	}

	logRuntime, err := logging.New(logging.Options{
		Level:  parsed.LogLevel,
		Path:   parsed.LogFile,
		Stderr: r.Stderr,
	})
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}
	slog.SetDefault(logger)

	cfg, err := config.Build(parsed.Args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("build config failed", "error", err.Error())
		return 1
	}

	logger.Info("vhost-device-sound start",
		"version", version.Version,
		"config", cfg,
		"log", logRuntime.Path,
	)

	if parsed.Check {
		report := doctor.Run(ctx, cfg)
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	}

	supervise := r.Supervise
	if supervise == nil {
		supervise = superviseForever
	}
	supervise(cfg, logger)
	return 0
}

func superviseForever(cfg config.SoundConfig, logger *slog.Logger) {
	supervisor.New(server.New(logger).Run, logger).Forever(cfg)
}
