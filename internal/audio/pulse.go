//go:build !nopulse

package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

const clientName = "vhost-device-sound"

func init() {
	register(BackendPulse, func(logger *slog.Logger) Backend {
		return &pulseBackend{logger: logger}
	})
}

// pulseBackend binds the device to the default PulseAudio (or pipewire-pulse) sink and source.
type pulseBackend struct {
	logger *slog.Logger

	mu      sync.Mutex
	client  *pulse.Client
	streams []Stream
}

func newPulseClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(clientName),
		pulse.ClientApplicationIconName("audio-card"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	return client, nil
}

func (p *pulseBackend) Type() BackendType {
	return BackendPulse
}

// Open connects to the server and resolves the default sink and source into streams.
func (p *pulseBackend) Open(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return errors.New("pulse backend already open")
	}

	client, err := newPulseClient()
	if err != nil {
		return err
	}

	sink, err := client.DefaultSink()
	if err != nil {
		client.Close()
		return fmt.Errorf("read default sink: %w", err)
	}
	source, err := client.DefaultSource()
	if err != nil {
		client.Close()
		return fmt.Errorf("read default source: %w", err)
	}

	p.client = client
	p.streams = deviceStreams(sink, source)

	p.logger.Info("pulse audio backend opened", "sink", sink.ID(), "source", source.ID())
	return nil
}

// pulseDevice is the part of a pulse sink or source a stream is described from.
type pulseDevice interface {
	ID() string
	Channels() pulseproto.ChannelMap
	SampleRate() int
}

// deviceStreams describes the output stream on sink and the input stream on source.
func deviceStreams(sink, source pulseDevice) []Stream {
	return []Stream{
		{ID: 0, Direction: DirectionOutput, Channels: len(sink.Channels()), SampleRate: sink.SampleRate(), Device: sink.ID()},
		{ID: 1, Direction: DirectionInput, Channels: len(source.Channels()), SampleRate: source.SampleRate(), Device: source.ID()},
	}
}

func (p *pulseBackend) Streams() []Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Stream(nil), p.streams...)
}

func (p *pulseBackend) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	p.streams = nil
	return nil
}

// Devices lists sinks and sources with default/availability metadata.
func (p *pulseBackend) Devices(ctx context.Context) ([]Device, error) {
	return ListDevices(ctx)
}

// ListDevices returns the server's sinks followed by its sources.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := newPulseClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	defaultSink, err := client.DefaultSink()
	if err != nil {
		return nil, fmt.Errorf("read default sink: %w", err)
	}
	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("read default source: %w", err)
	}

	var sinkInfos pulseproto.GetSinkInfoListReply
	if err := client.RawRequest(&pulseproto.GetSinkInfoList{}, &sinkInfos); err != nil {
		return nil, fmt.Errorf("list sinks: %w", err)
	}
	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	devices := make([]Device, 0, len(sinkInfos)+len(sourceInfos))
	for _, sink := range sinkInfos {
		if sink == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          sink.SinkName,
			Description: sink.Device,
			Direction:   DirectionOutput,
			State:       stateString(sink.State),
			Available:   sinkAvailable(sink),
			Muted:       sink.Mute,
			Default:     sink.SinkName == defaultSink.ID(),
		})
	}
	for _, source := range sourceInfos {
		if source == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          source.SourceName,
			Description: source.Device,
			Direction:   DirectionInput,
			State:       stateString(source.State),
			Available:   sourceAvailable(source),
			Muted:       source.Mute,
			Default:     source.SourceName == defaultSource.ID(),
		})
	}
	return devices, nil
}

// stateString maps Pulse sink/source state constants to human-readable values.
func stateString(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

// sinkAvailable maps the active port availability of a sink to a simple boolean.
func sinkAvailable(sink *pulseproto.GetSinkInfoReply) bool {
	if sink == nil {
		return false
	}
	for _, port := range sink.Ports {
		if port.Name != sink.ActivePortName {
			continue
		}
		// PulseAudio values: unknown=0, no=1, yes=2.
		return port.Available != 1
	}
	return true
}

// sourceAvailable maps the active port availability of a source to a simple boolean.
func sourceAvailable(source *pulseproto.GetSourceInfoReply) bool {
	if source == nil {
		return false
	}
	for _, port := range source.Ports {
		if port.Name != source.ActivePortName {
			continue
		}
		return port.Available != 1
	}
	return true
}
