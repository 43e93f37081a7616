// Package sound is the virtio-snd device model served over vhost-user.
package sound

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rbright/vhost-device-sound/internal/audio"
	"github.com/rbright/vhost-device-sound/internal/vhostuser"
)

// Virtqueue indices of a virtio-snd device.
const (
	QueueControl = iota
	QueueEvent
	QueueTX
	QueueRX

	numQueues = 4
)

const maxQueueSize = 1024

// Virtio feature bits.
const (
	featureNotifyOnEmpty = 1 << 24
	featureIndirectDesc  = 1 << 28
	featureEventIdx      = 1 << 29
	featureVersion1      = 1 << 32
)

// ErrReadOnlyConfig reports a frontend write to the read-only config space.
var ErrReadOnlyConfig = errors.New("virtio-snd config space is read-only")

// Config mirrors struct virtio_snd_config.
type Config struct {
	Jacks   uint32
	Streams uint32
	Chmaps  uint32
}

const configSize = 12

// Bytes encodes the config space in virtio (little-endian) layout.
func (c Config) Bytes() []byte {
	out := make([]byte, configSize)
	binary.LittleEndian.PutUint32(out[0:4], c.Jacks)
	binary.LittleEndian.PutUint32(out[4:8], c.Streams)
	binary.LittleEndian.PutUint32(out[8:12], c.Chmaps)
	return out
}

// Device exposes an opened audio backend as a virtio-snd device.
type Device struct {
	backend audio.Backend
	config  Config
	logger  *slog.Logger

	mu     sync.Mutex
	active map[int]bool
}

var _ vhostuser.Device = (*Device)(nil)

// NewDevice describes the streams of an opened backend to the guest.
func NewDevice(backend audio.Backend, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	streams := uint32(len(backend.Streams()))
	return &Device{
		backend: backend,
		config:  Config{Jacks: 0, Streams: streams, Chmaps: streams},
		logger:  logger,
		active:  make(map[int]bool, numQueues),
	}
}

// Config returns the config space contents.
func (d *Device) Config() Config {
	return d.config
}

func (d *Device) Features() uint64 {
	return featureVersion1 | featureNotifyOnEmpty | featureIndirectDesc | featureEventIdx
}

func (d *Device) ProtocolFeatures() uint64 {
	return vhostuser.ProtocolMQ | vhostuser.ProtocolReplyAck | vhostuser.ProtocolConfig
}

func (d *Device) NumQueues() int {
	return numQueues
}

func (d *Device) MaxQueueSize() int {
	return maxQueueSize
}

func (d *Device) ReadConfig(offset, size uint32) ([]byte, error) {
	if uint64(offset)+uint64(size) > configSize {
		return nil, fmt.Errorf("config read of %d bytes at offset %d exceeds %d-byte config space", size, offset, configSize)
	}
	return d.config.Bytes()[offset : offset+size], nil
}

func (d *Device) WriteConfig(uint32, []byte) error {
	return ErrReadOnlyConfig
}

func (d *Device) QueueStarted(index int) {
	d.mu.Lock()
	d.active[index] = true
	d.mu.Unlock()
	d.logger.Info("virtqueue started", "queue", QueueName(index))
}

func (d *Device) QueueStopped(index int) {
	d.mu.Lock()
	delete(d.active, index)
	d.mu.Unlock()
	d.logger.Info("virtqueue stopped", "queue", QueueName(index))
}

// Reset forgets started queues. Queues still running at reset are logged.
func (d *Device) Reset() {
	d.mu.Lock()
	var running []string
	for index := range numQueues {
		if d.active[index] {
			running = append(running, QueueName(index))
		}
	}
	clear(d.active)
	d.mu.Unlock()

	if len(running) > 0 {
		d.logger.Info("virtio-snd device reset", "running_queues", running)
	}
}

// QueueName names a virtio-snd queue index for logs.
func QueueName(index int) string {
	switch index {
	case QueueControl:
		return "control"
	case QueueEvent:
		return "event"
	case QueueTX:
		return "tx"
	case QueueRX:
		return "rx"
	default:
		return fmt.Sprintf("queue(%d)", index)
	}
}
