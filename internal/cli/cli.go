// Package cli parses the vhost-device-sound command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/alecthomas/kong"
	"github.com/rbright/vhost-device-sound/internal/audio"
	"github.com/rbright/vhost-device-sound/internal/config"
	"github.com/rbright/vhost-device-sound/internal/version"
)

// Name is the program name shown in usage and version output.
const Name = "vhost-device-sound"

// flags is the kong grammar. Every field maps to one command-line flag.
type flags struct {
	Socket   string            `required:"" placeholder:"PATH" help:"vhost-user Unix socket path."`
	Backend  audio.BackendType `required:"" placeholder:"NAME" help:"Audio backend (${backends})."`
	LogLevel slog.Level        `name:"log-level" default:"info" env:"VHOST_SOUND_LOG" placeholder:"LEVEL" help:"Log level (debug, info, warn, error)."`
	LogFile  string            `name:"log-file" placeholder:"PATH" help:"Append JSON logs to this file instead of stderr."`
	Check    bool              `help:"Run readiness checks and exit."`
	Version  kong.VersionFlag  `help:"Show version information."`
}

// Parsed is the outcome of one command line.
type Parsed struct {
	Args     config.Args
	LogLevel slog.Level
	LogFile  string
	Check    bool

	// Exited is set when kong already handled the invocation (help or version).
	Exited   bool
	ExitCode int
}

type exitRequest struct {
	code int
}

// Parse resolves args. Help and version text go to stdout and are reported through Exited;
// nothing here terminates the process.
func Parse(args []string, stdout, stderr io.Writer) (parsed Parsed, err error) {
	var f flags
	parser, err := kong.New(&f,
		kong.Name(Name),
		kong.Description("vhost-user backend for a virtio sound device."),
		kong.Writers(stdout, stderr),
		kong.Vars{
			"backends": audio.AvailableNames(),
			"version":  version.String(),
		},
		kong.Exit(func(code int) { panic(exitRequest{code: code}) }),
	)
	if err != nil {
		return Parsed{}, fmt.Errorf("build command line parser: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			req, ok := r.(exitRequest)
			if !ok {
				panic(r)
			}
			parsed, err = Parsed{Exited: true, ExitCode: req.code}, nil
		}
	}()

	if _, err := parser.Parse(args); err != nil {
		return Parsed{}, err
	}

	return Parsed{
		Args:     config.Args{Socket: f.Socket, Backend: f.Backend},
		LogLevel: f.LogLevel,
		LogFile:  f.LogFile,
		Check:    f.Check,
	}, nil
}
