// Package audio resolves and opens the host audio stacks a sound device can be backed by.
//
// The set of backends is closed and fixed at build time: each implementation registers
// itself from a file guarded by a build tag, so a binary only accepts the names it was
// compiled with.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// BackendType names one compiled-in audio backend.
type BackendType string

const (
	BackendNull  BackendType = "null"
	BackendPulse BackendType = "pulse"
)

// ErrUnknownBackend reports a backend name that is not compiled into this binary.
var ErrUnknownBackend = errors.New("unknown audio backend")

// Direction is the data flow of one PCM stream as seen by the guest.
type Direction string

const (
	DirectionOutput Direction = "output"
	DirectionInput  Direction = "input"
)

// Stream describes one PCM stream the backend exposes to the guest.
type Stream struct {
	ID         uint32
	Direction  Direction
	Channels   int
	SampleRate int
	Device     string
}

// Backend is one host audio stack bound to a device lifetime.
type Backend interface {
	Type() BackendType
	Open(context.Context) error
	Streams() []Stream
	Close() error
}

// Device is one host sink or source reported by backends that can enumerate them.
type Device struct {
	ID          string
	Description string
	Direction   Direction
	State       string
	Available   bool
	Muted       bool
	Default     bool
}

// DeviceLister is implemented by backends that can enumerate host devices.
type DeviceLister interface {
	Devices(context.Context) ([]Device, error)
}

type factory func(*slog.Logger) Backend

var registry = map[BackendType]factory{}

// register is called from the init function of each compiled-in backend file.
func register(kind BackendType, f factory) {
	if _, exists := registry[kind]; exists {
		panic(fmt.Sprintf("audio backend %q registered twice", kind))
	}
	registry[kind] = f
}

// Available returns the compiled-in backend names in sorted order.
func Available() []BackendType {
	kinds := make([]BackendType, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}

// AvailableNames joins Available for help and error text.
func AvailableNames() string {
	names := make([]string, 0, len(registry))
	for _, kind := range Available() {
		names = append(names, string(kind))
	}
	return strings.Join(names, ", ")
}

// ParseBackendType resolves a backend name against the compiled-in set. Names match exactly.
func ParseBackendType(text string) (BackendType, error) {
	kind := BackendType(text)
	if !kind.Valid() {
		return "", fmt.Errorf("%w %q (available: %s)", ErrUnknownBackend, text, AvailableNames())
	}
	return kind, nil
}

// Valid reports whether the backend is compiled into this binary.
func (b BackendType) Valid() bool {
	_, ok := registry[b]
	return ok
}

func (b BackendType) String() string {
	return string(b)
}

// UnmarshalText lets flag parsers resolve the name while parsing.
func (b *BackendType) UnmarshalText(text []byte) error {
	kind, err := ParseBackendType(string(text))
	if err != nil {
		return err
	}
	*b = kind
	return nil
}

// New constructs an unopened backend of the given type.
func New(kind BackendType, logger *slog.Logger) (Backend, error) {
	f, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %s)", ErrUnknownBackend, kind, AvailableNames())
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return f(logger.With("backend", string(kind))), nil
}
