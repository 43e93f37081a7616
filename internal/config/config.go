// Package config turns resolved command-line arguments into the immutable sound device configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rbright/vhost-device-sound/internal/audio"
)

// ErrConfig reports arguments that cannot form a device configuration.
var ErrConfig = errors.New("invalid configuration")

// Args is the raw, per-invocation input produced by the argument parser.
type Args struct {
	Socket  string
	Backend audio.BackendType
}

// SoundConfig is the validated device configuration. The zero value is not a valid config;
// build one with Build or New.
type SoundConfig struct {
	socket      string
	multiClient bool
	backend     audio.BackendType
}

// Build validates raw arguments. The socket path is trimmed and multi-client is always off;
// the path itself is not checked here, socket acquisition reports what is wrong with it.
func Build(args Args) (SoundConfig, error) {
	if !args.Backend.Valid() {
		return SoundConfig{}, fmt.Errorf("%w: audio backend %q is not compiled in (available: %s)",
			ErrConfig, args.Backend, audio.AvailableNames())
	}
	return New(strings.TrimSpace(args.Socket), false, args.Backend), nil
}

// New assembles a config from already-normalized values.
func New(socket string, multiClient bool, backend audio.BackendType) SoundConfig {
	return SoundConfig{socket: socket, multiClient: multiClient, backend: backend}
}

// SocketPath is the vhost-user Unix domain socket path.
func (c SoundConfig) SocketPath() string {
	return c.socket
}

// MultiClient reports whether the server keeps accepting connections after the first one.
func (c SoundConfig) MultiClient() bool {
	return c.multiClient
}

// AudioBackend is the host audio stack the device is backed by.
func (c SoundConfig) AudioBackend() audio.BackendType {
	return c.backend
}

// Clone returns an independent copy for one server run.
func (c SoundConfig) Clone() SoundConfig {
	return c
}

// LogValue implements slog.LogValuer.
func (c SoundConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("socket", c.socket),
		slog.Bool("multi_client", c.multiClient),
		slog.String("backend", string(c.backend)),
	)
}
