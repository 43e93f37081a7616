// Package vhostuser implements the backend side of the vhost-user control plane.
//
// A frontend (the virtual-machine monitor) connects over a Unix domain socket and drives
// the device through request messages: feature negotiation, guest memory sharing, vring
// setup, and device config space access. File descriptors travel alongside messages as
// SCM_RIGHTS ancillary data. Virtqueue descriptor processing is left to the device.
package vhostuser

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Request is a frontend-to-backend message type.
type Request uint32

const (
	GetFeatures         Request = 1
	SetFeatures         Request = 2
	SetOwner            Request = 3
	ResetOwner          Request = 4
	SetMemTable         Request = 5
	SetLogBase          Request = 6
	SetLogFd            Request = 7
	SetVringNum         Request = 8
	SetVringAddr        Request = 9
	SetVringBase        Request = 10
	GetVringBase        Request = 11
	SetVringKick        Request = 12
	SetVringCall        Request = 13
	SetVringErr         Request = 14
	GetProtocolFeatures Request = 15
	SetProtocolFeatures Request = 16
	GetQueueNum         Request = 17
	SetVringEnable      Request = 18
	GetConfig           Request = 24
	SetConfig           Request = 25
)

var requestNames = map[Request]string{
	GetFeatures:         "GET_FEATURES",
	SetFeatures:         "SET_FEATURES",
	SetOwner:            "SET_OWNER",
	ResetOwner:          "RESET_OWNER",
	SetMemTable:         "SET_MEM_TABLE",
	SetLogBase:          "SET_LOG_BASE",
	SetLogFd:            "SET_LOG_FD",
	SetVringNum:         "SET_VRING_NUM",
	SetVringAddr:        "SET_VRING_ADDR",
	SetVringBase:        "SET_VRING_BASE",
	GetVringBase:        "GET_VRING_BASE",
	SetVringKick:        "SET_VRING_KICK",
	SetVringCall:        "SET_VRING_CALL",
	SetVringErr:         "SET_VRING_ERR",
	GetProtocolFeatures: "GET_PROTOCOL_FEATURES",
	SetProtocolFeatures: "SET_PROTOCOL_FEATURES",
	GetQueueNum:         "GET_QUEUE_NUM",
	SetVringEnable:      "SET_VRING_ENABLE",
	GetConfig:           "GET_CONFIG",
	SetConfig:           "SET_CONFIG",
}

func (r Request) String() string {
	if name, ok := requestNames[r]; ok {
		return name
	}
	return fmt.Sprintf("REQUEST(%d)", uint32(r))
}

// Virtio feature bit owned by vhost-user itself.
const FeatureProtocolFeatures = 1 << 30

// Protocol feature bits.
const (
	ProtocolMQ       = 1 << 0
	ProtocolLogShmfd = 1 << 1
	ProtocolReplyAck = 1 << 3
	ProtocolConfig   = 1 << 9
)

const (
	headerSize = 12

	flagVersionMask = 0x3
	flagVersion     = 0x1
	flagReply       = 0x4
	flagNeedReply   = 0x8

	maxPayloadSize = 4096
	maxFiles       = 8
	maxMemRegions  = 8
	maxConfigSize  = 256

	// SET_VRING_KICK/CALL/ERR payload layout.
	vringIndexMask = 0xff
	vringInvalidFd = 0x100
)

// Message is one framed request or reply with its attached descriptors.
type Message struct {
	Request Request
	Flags   uint32
	Payload []byte
	Files   []int
}

// NeedReply reports whether the frontend asked for an explicit acknowledgement.
func (m Message) NeedReply() bool {
	return m.Flags&flagNeedReply != 0
}

// IsReply reports whether the message is a backend reply.
func (m Message) IsReply() bool {
	return m.Flags&flagReply != 0
}

// VringState carries SET_VRING_NUM, SET_VRING_BASE, GET_VRING_BASE and SET_VRING_ENABLE.
type VringState struct {
	Index uint32
	Num   uint32
}

// VringAddr carries SET_VRING_ADDR. Ring addresses are frontend virtual addresses.
type VringAddr struct {
	Index uint32
	Flags uint32
	Desc  uint64
	Used  uint64
	Avail uint64
	Log   uint64
}

// MemoryRegion describes one guest memory region shared through SET_MEM_TABLE.
type MemoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
	MmapOffset    uint64
}

// ConfigSpace carries GET_CONFIG and SET_CONFIG.
type ConfigSpace struct {
	Offset  uint32
	Size    uint32
	Flags   uint32
	Payload []byte
}

type memTableHeader struct {
	NumRegions uint32
	Padding    uint32
}

type configHeader struct {
	Offset uint32
	Size   uint32
	Flags  uint32
}

func encode(v any) []byte {
	var buf bytes.Buffer
	// Writing fixed-size values into a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, binary.NativeEndian, v)
	return buf.Bytes()
}

func decodeExact(payload []byte, v any) error {
	size := binary.Size(v)
	if len(payload) != size {
		return fmt.Errorf("payload is %d bytes, want %d", len(payload), size)
	}
	return binary.Read(bytes.NewReader(payload), binary.NativeEndian, v)
}

// EncodeU64 builds a u64 payload.
func EncodeU64(v uint64) []byte {
	return encode(v)
}

// DecodeU64 parses a u64 payload.
func DecodeU64(payload []byte) (uint64, error) {
	var v uint64
	if err := decodeExact(payload, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// EncodeVringState builds a vring state payload.
func EncodeVringState(s VringState) []byte {
	return encode(s)
}

// DecodeVringState parses a vring state payload.
func DecodeVringState(payload []byte) (VringState, error) {
	var s VringState
	err := decodeExact(payload, &s)
	return s, err
}

// EncodeVringAddr builds a SET_VRING_ADDR payload.
func EncodeVringAddr(a VringAddr) []byte {
	return encode(a)
}

// DecodeVringAddr parses a SET_VRING_ADDR payload.
func DecodeVringAddr(payload []byte) (VringAddr, error) {
	var a VringAddr
	err := decodeExact(payload, &a)
	return a, err
}

// EncodeMemTable builds a SET_MEM_TABLE payload.
func EncodeMemTable(regions []MemoryRegion) []byte {
	out := encode(memTableHeader{NumRegions: uint32(len(regions))})
	for _, r := range regions {
		out = append(out, encode(r)...)
	}
	return out
}

// DecodeMemTable parses a SET_MEM_TABLE payload.
func DecodeMemTable(payload []byte) ([]MemoryRegion, error) {
	var hdr memTableHeader
	hdrSize := binary.Size(hdr)
	if len(payload) < hdrSize {
		return nil, fmt.Errorf("memory table payload is %d bytes, want at least %d", len(payload), hdrSize)
	}
	if err := decodeExact(payload[:hdrSize], &hdr); err != nil {
		return nil, err
	}
	if hdr.NumRegions == 0 || hdr.NumRegions > maxMemRegions {
		return nil, fmt.Errorf("memory table has %d regions, want 1..%d", hdr.NumRegions, maxMemRegions)
	}

	regionSize := binary.Size(MemoryRegion{})
	body := payload[hdrSize:]
	if len(body) < int(hdr.NumRegions)*regionSize {
		return nil, fmt.Errorf("memory table truncated: %d regions in %d bytes", hdr.NumRegions, len(body))
	}

	regions := make([]MemoryRegion, hdr.NumRegions)
	for i := range regions {
		chunk := body[i*regionSize : (i+1)*regionSize]
		if err := decodeExact(chunk, &regions[i]); err != nil {
			return nil, err
		}
	}
	return regions, nil
}

// EncodeConfigSpace builds a GET_CONFIG/SET_CONFIG payload.
func EncodeConfigSpace(c ConfigSpace) []byte {
	out := encode(configHeader{Offset: c.Offset, Size: c.Size, Flags: c.Flags})
	return append(out, c.Payload...)
}

// DecodeConfigSpace parses a GET_CONFIG/SET_CONFIG payload.
func DecodeConfigSpace(payload []byte) (ConfigSpace, error) {
	var hdr configHeader
	hdrSize := binary.Size(hdr)
	if len(payload) < hdrSize {
		return ConfigSpace{}, fmt.Errorf("config payload is %d bytes, want at least %d", len(payload), hdrSize)
	}
	if err := decodeExact(payload[:hdrSize], &hdr); err != nil {
		return ConfigSpace{}, err
	}
	if hdr.Size > maxConfigSize {
		return ConfigSpace{}, fmt.Errorf("config size %d exceeds %d", hdr.Size, maxConfigSize)
	}
	body := payload[hdrSize:]
	if uint32(len(body)) != hdr.Size {
		return ConfigSpace{}, fmt.Errorf("config payload carries %d bytes, header says %d", len(body), hdr.Size)
	}
	return ConfigSpace{
		Offset:  hdr.Offset,
		Size:    hdr.Size,
		Flags:   hdr.Flags,
		Payload: append([]byte(nil), body...),
	}, nil
}
