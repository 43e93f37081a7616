package audio

import (
	"context"
	"log/slog"
)

const (
	nullChannels   = 2
	nullSampleRate = 48000
)

func init() {
	register(BackendNull, func(logger *slog.Logger) Backend {
		return &nullBackend{logger: logger}
	})
}

// nullBackend accepts a device lifetime without touching any host audio resource.
type nullBackend struct {
	logger *slog.Logger
}

func (n *nullBackend) Type() BackendType {
	return BackendNull
}

func (n *nullBackend) Open(context.Context) error {
	n.logger.Debug("null audio backend opened")
	return nil
}

func (n *nullBackend) Streams() []Stream {
	return []Stream{
		{ID: 0, Direction: DirectionOutput, Channels: nullChannels, SampleRate: nullSampleRate, Device: "null"},
		{ID: 1, Direction: DirectionInput, Channels: nullChannels, SampleRate: nullSampleRate, Device: "null"},
	}
}

func (n *nullBackend) Close() error {
	return nil
}
