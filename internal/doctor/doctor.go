// Package doctor runs readiness diagnostics for the socket path and the audio backend.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rbright/vhost-device-sound/internal/audio"
	"github.com/rbright/vhost-device-sound/internal/config"
	"github.com/rbright/vhost-device-sound/internal/vhostuser"
	"golang.org/x/sys/unix"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

var newBackend = audio.New

// Run checks that cfg could be served right now without starting a server.
func Run(ctx context.Context, cfg config.SoundConfig) Report {
	checks := []Check{
		checkSocketDir(cfg.SocketPath()),
		checkSocketPath(cfg.SocketPath()),
	}
	checks = append(checks, checkBackend(ctx, cfg.AudioBackend())...)
	return Report{Checks: checks}
}

// checkSocketDir verifies the nearest existing ancestor of the socket is writable, since
// missing directories are created on startup.
func checkSocketDir(path string) Check {
	const name = "socket.dir"
	if path == "" {
		return Check{Name: name, Pass: false, Message: "socket path is empty"}
	}

	dir := filepath.Dir(filepath.Clean(path))
	for {
		info, err := os.Stat(dir)
		switch {
		case err == nil && !info.IsDir():
			return Check{Name: name, Pass: false, Message: fmt.Sprintf("%s is not a directory", dir)}
		case err == nil:
			if err := unix.Access(dir, unix.W_OK|unix.X_OK); err != nil {
				return Check{Name: name, Pass: false, Message: fmt.Sprintf("%s is not writable: %v", dir, err)}
			}
			return Check{Name: name, Pass: true, Message: fmt.Sprintf("%s is writable", dir)}
		case !errors.Is(err, fs.ErrNotExist):
			return Check{Name: name, Pass: false, Message: err.Error()}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Check{Name: name, Pass: false, Message: "no existing ancestor directory"}
		}
		dir = parent
	}
}

// checkSocketPath reports whether the socket path is free, stale, or held by a live backend.
func checkSocketPath(path string) Check {
	const name = "socket.path"
	if path == "" {
		return Check{Name: name, Pass: false, Message: "socket path is empty"}
	}

	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Check{Name: name, Pass: true, Message: fmt.Sprintf("%s is free", path)}
		}
		return Check{Name: name, Pass: false, Message: err.Error()}
	}

	live, err := vhostuser.Listening(path)
	if err != nil {
		return Check{Name: name, Pass: false, Message: fmt.Sprintf("probe %s: %v", path, err)}
	}
	if live {
		return Check{Name: name, Pass: false, Message: fmt.Sprintf("%s is held by a running backend", path)}
	}
	return Check{Name: name, Pass: true, Message: fmt.Sprintf("%s is stale and will be replaced", path)}
}

// checkBackend opens and closes the backend, and lists host devices when it can.
func checkBackend(ctx context.Context, kind audio.BackendType) []Check {
	const name = "audio.backend"

	backend, err := newBackend(kind, slog.New(slog.DiscardHandler))
	if err != nil {
		return []Check{{Name: name, Pass: false, Message: err.Error()}}
	}
	if err := backend.Open(ctx); err != nil {
		return []Check{{Name: name, Pass: false, Message: fmt.Sprintf("open %s: %v", kind, err)}}
	}
	streams := backend.Streams()
	closeErr := backend.Close()

	parts := make([]string, 0, len(streams))
	for _, stream := range streams {
		parts = append(parts, fmt.Sprintf("%s %dch %dHz on %s", stream.Direction, stream.Channels, stream.SampleRate, stream.Device))
	}
	checks := []Check{{
		Name:    name,
		Pass:    closeErr == nil,
		Message: fmt.Sprintf("%s: %d streams (%s)", kind, len(streams), strings.Join(parts, ", ")),
	}}
	if closeErr != nil {
		checks[0].Message = fmt.Sprintf("close %s: %v", kind, closeErr)
	}

	if lister, ok := backend.(audio.DeviceLister); ok {
		checks = append(checks, checkDevices(ctx, lister))
	}
	return checks
}

func checkDevices(ctx context.Context, lister audio.DeviceLister) Check {
	const name = "audio.devices"

	devices, err := lister.Devices(ctx)
	if err != nil {
		return Check{Name: name, Pass: false, Message: err.Error()}
	}
	if len(devices) == 0 {
		return Check{Name: name, Pass: false, Message: "no audio devices found"}
	}

	var defaults []string
	unavailable := 0
	for _, device := range devices {
		if device.Default {
			defaults = append(defaults, fmt.Sprintf("%s=%s", device.Direction, device.ID))
		}
		if !device.Available {
			unavailable++
		}
	}
	message := fmt.Sprintf("%d devices, default %s", len(devices), strings.Join(defaults, " "))
	if unavailable > 0 {
		message += fmt.Sprintf(" (%d unavailable)", unavailable)
	}
	return Check{Name: name, Pass: true, Message: message}
}
