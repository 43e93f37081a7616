package vhostuser

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/rbright/vhost-device-sound/internal/fsm"
)

// ErrUnsupportedRequest reports a request this backend does not implement.
var ErrUnsupportedRequest = errors.New("unsupported vhost-user request")

// Device is the device model served over a vhost-user connection.
type Device interface {
	// Features returns the virtio feature bits offered to the frontend.
	Features() uint64
	// ProtocolFeatures returns the vhost-user protocol feature bits offered to the frontend.
	ProtocolFeatures() uint64
	NumQueues() int
	MaxQueueSize() int
	ReadConfig(offset, size uint32) ([]byte, error)
	WriteConfig(offset uint32, data []byte) error
	QueueStarted(index int)
	QueueStopped(index int)
	Reset()
}

// Session is the backend state for one frontend connection.
type Session struct {
	device Device
	logger *slog.Logger

	state            fsm.State
	features         uint64
	protocolFeatures uint64
	memory           *MemoryTable
	vrings           []vring
}

type vring struct {
	size    uint32
	base    uint32
	addr    VringAddr
	hasAddr bool
	kick    int
	call    int
	err     int
	enabled bool
	started bool
}

// NewSession prepares the per-connection state for device.
func NewSession(device Device, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Session{
		device: device,
		logger: logger,
		state:  fsm.StateIdle,
		vrings: make([]vring, device.NumQueues()),
	}
	for i := range s.vrings {
		s.vrings[i] = newVring()
	}
	return s
}

func newVring() vring {
	return vring{kick: -1, call: -1, err: -1}
}

// State returns the session lifecycle state.
func (s *Session) State() fsm.State {
	return s.state
}

// AckedFeatures returns the virtio features the frontend accepted.
func (s *Session) AckedFeatures() uint64 {
	return s.features
}

// Memory returns the current memory table, nil before SET_MEM_TABLE.
func (s *Session) Memory() *MemoryTable {
	return s.memory
}

// replyAckEnabled reports whether msg asked for an ack the frontend may rely on.
func (s *Session) replyAckEnabled(msg Message) bool {
	return msg.NeedReply() && s.protocolFeatures&ProtocolReplyAck != 0
}

// Handle applies one request. A non-nil reply is sent back as the request's reply payload.
// Handle takes ownership of msg.Files.
func (s *Session) Handle(msg Message) ([]byte, error) {
	switch msg.Request {
	case SetMemTable, SetVringKick, SetVringCall, SetVringErr:
	default:
		if len(msg.Files) > 0 {
			closeFiles(msg.Files)
			return nil, fmt.Errorf("%s does not take descriptors, got %d", msg.Request, len(msg.Files))
		}
	}

	switch msg.Request {
	case GetFeatures:
		return EncodeU64(s.device.Features() | FeatureProtocolFeatures), nil
	case SetFeatures:
		return nil, s.setFeatures(msg.Payload)
	case GetProtocolFeatures:
		return EncodeU64(s.device.ProtocolFeatures()), nil
	case SetProtocolFeatures:
		return nil, s.setProtocolFeatures(msg.Payload)
	case SetOwner:
		return nil, s.transition(fsm.EventOwner)
	case ResetOwner:
		s.reset()
		return nil, nil
	case GetQueueNum:
		return EncodeU64(uint64(s.device.NumQueues())), nil
	case SetMemTable:
		return nil, s.setMemTable(msg.Payload, msg.Files)
	case SetVringNum:
		return nil, s.setVringNum(msg.Payload)
	case SetVringAddr:
		return nil, s.setVringAddr(msg.Payload)
	case SetVringBase:
		return nil, s.setVringBase(msg.Payload)
	case GetVringBase:
		return s.getVringBase(msg.Payload)
	case SetVringKick, SetVringCall, SetVringErr:
		return nil, s.setVringFd(msg.Request, msg.Payload, msg.Files)
	case SetVringEnable:
		return nil, s.setVringEnable(msg.Payload)
	case GetConfig:
		return s.getConfig(msg.Payload)
	case SetConfig:
		return nil, s.setConfig(msg.Payload)
	default:
		closeFiles(msg.Files)
		return nil, fmt.Errorf("%w %s", ErrUnsupportedRequest, msg.Request)
	}
}

func (s *Session) transition(event fsm.Event) error {
	next, err := fsm.Transition(s.state, event)
	if err != nil {
		return err
	}
	if next != s.state {
		s.logger.Debug("session state changed", "from", s.state, "to", next, "event", event)
	}
	s.state = next
	return nil
}

func (s *Session) protocolFeaturesNegotiated() bool {
	return s.features&FeatureProtocolFeatures != 0
}

func (s *Session) setFeatures(payload []byte) error {
	features, err := DecodeU64(payload)
	if err != nil {
		return err
	}
	offered := s.device.Features() | FeatureProtocolFeatures
	if unknown := features &^ offered; unknown != 0 {
		return fmt.Errorf("frontend acked features %#x that were not offered", unknown)
	}
	s.features = features
	s.logger.Debug("features acked", "features", fmt.Sprintf("%#x", features))
	return nil
}

func (s *Session) setProtocolFeatures(payload []byte) error {
	features, err := DecodeU64(payload)
	if err != nil {
		return err
	}
	if unknown := features &^ s.device.ProtocolFeatures(); unknown != 0 {
		return fmt.Errorf("frontend acked protocol features %#x that were not offered", unknown)
	}
	s.protocolFeatures = features
	return nil
}

func (s *Session) setMemTable(payload []byte, files []int) error {
	regions, err := DecodeMemTable(payload)
	if err != nil {
		closeFiles(files)
		return err
	}
	if _, err := fsm.Transition(s.state, fsm.EventMemTable); err != nil {
		closeFiles(files)
		return err
	}

	table, err := MapMemoryTable(regions, files)
	if err != nil {
		return err
	}
	if err := s.memory.Close(); err != nil {
		s.logger.Warn("unmap previous memory table failed", "error", err)
	}
	s.memory = table
	s.logger.Debug("memory table mapped", "regions", len(regions))
	return s.transition(fsm.EventMemTable)
}

func (s *Session) ring(index uint32) (*vring, error) {
	if int(index) >= len(s.vrings) {
		return nil, fmt.Errorf("vring index %d out of range (queues: %d)", index, len(s.vrings))
	}
	return &s.vrings[index], nil
}

func (s *Session) setVringNum(payload []byte) error {
	state, err := DecodeVringState(payload)
	if err != nil {
		return err
	}
	r, err := s.ring(state.Index)
	if err != nil {
		return err
	}
	if state.Num == 0 || state.Num > uint32(s.device.MaxQueueSize()) || bits.OnesCount32(state.Num) != 1 {
		return fmt.Errorf("vring %d size %d must be a power of two up to %d", state.Index, state.Num, s.device.MaxQueueSize())
	}
	r.size = state.Num
	return nil
}

func (s *Session) setVringAddr(payload []byte) error {
	addr, err := DecodeVringAddr(payload)
	if err != nil {
		return err
	}
	r, err := s.ring(addr.Index)
	if err != nil {
		return err
	}
	if s.memory == nil {
		return fmt.Errorf("vring %d address set before the memory table", addr.Index)
	}

	size := uint64(r.size)
	areas := []struct {
		name   string
		addr   uint64
		length uint64
	}{
		{name: "descriptor table", addr: addr.Desc, length: 16 * size},
		{name: "available ring", addr: addr.Avail, length: 6 + 2*size},
		{name: "used ring", addr: addr.Used, length: 6 + 8*size},
	}
	for _, area := range areas {
		if _, err := s.memory.Translate(area.addr, max(area.length, 1)); err != nil {
			return fmt.Errorf("vring %d %s: %w", addr.Index, area.name, err)
		}
	}

	r.addr = addr
	r.hasAddr = true
	return nil
}

func (s *Session) setVringBase(payload []byte) error {
	state, err := DecodeVringState(payload)
	if err != nil {
		return err
	}
	r, err := s.ring(state.Index)
	if err != nil {
		return err
	}
	r.base = state.Num
	return nil
}

// getVringBase stops the ring and reports where processing would resume.
func (s *Session) getVringBase(payload []byte) ([]byte, error) {
	state, err := DecodeVringState(payload)
	if err != nil {
		return nil, err
	}
	r, err := s.ring(state.Index)
	if err != nil {
		return nil, err
	}

	if r.kick >= 0 {
		closeFiles([]int{r.kick})
		r.kick = -1
	}
	if err := s.updateRing(int(state.Index)); err != nil {
		return nil, err
	}
	return EncodeVringState(VringState{Index: state.Index, Num: r.base}), nil
}

func (s *Session) setVringFd(req Request, payload []byte, files []int) error {
	value, err := DecodeU64(payload)
	if err != nil {
		closeFiles(files)
		return err
	}
	index := uint32(value & vringIndexMask)
	invalid := value&vringInvalidFd != 0

	fd := -1
	switch {
	case invalid && len(files) == 0:
	case !invalid && len(files) == 1:
		fd = files[0]
	default:
		closeFiles(files)
		return fmt.Errorf("%s for vring %d: invalid flag %t with %d descriptors", req, index, invalid, len(files))
	}

	r, err := s.ring(index)
	if err != nil {
		closeFiles(files)
		return err
	}

	slot := &r.kick
	switch req {
	case SetVringCall:
		slot = &r.call
	case SetVringErr:
		slot = &r.err
	}
	if *slot >= 0 {
		closeFiles([]int{*slot})
	}
	*slot = fd

	if req != SetVringKick {
		return nil
	}
	if !s.protocolFeaturesNegotiated() {
		r.enabled = true
	}
	return s.updateRing(int(index))
}

func (s *Session) setVringEnable(payload []byte) error {
	state, err := DecodeVringState(payload)
	if err != nil {
		return err
	}
	if !s.protocolFeaturesNegotiated() {
		return errors.New("SET_VRING_ENABLE without negotiated protocol features")
	}
	r, err := s.ring(state.Index)
	if err != nil {
		return err
	}
	if state.Num > 1 {
		return fmt.Errorf("vring %d enable value %d must be 0 or 1", state.Index, state.Num)
	}
	r.enabled = state.Num == 1
	return s.updateRing(int(state.Index))
}

// updateRing starts or stops a ring once it has a kick descriptor and is enabled.
func (s *Session) updateRing(index int) error {
	r := &s.vrings[index]
	should := r.kick >= 0 && r.enabled

	switch {
	case should && !r.started:
		if !r.hasAddr || r.size == 0 {
			return fmt.Errorf("vring %d started before its size and addresses were set", index)
		}
		if err := s.transition(fsm.EventRingStart); err != nil {
			return err
		}
		r.started = true
		s.device.QueueStarted(index)
	case !should && r.started:
		r.started = false
		s.device.QueueStopped(index)
		if !s.anyStarted() {
			return s.transition(fsm.EventRingsStopped)
		}
	}
	return nil
}

func (s *Session) anyStarted() bool {
	for i := range s.vrings {
		if s.vrings[i].started {
			return true
		}
	}
	return false
}

func (s *Session) getConfig(payload []byte) ([]byte, error) {
	req, err := DecodeConfigSpace(payload)
	if err != nil {
		return nil, err
	}
	data, err := s.device.ReadConfig(req.Offset, req.Size)
	if err != nil {
		return nil, err
	}
	return EncodeConfigSpace(ConfigSpace{Offset: req.Offset, Size: uint32(len(data)), Flags: req.Flags, Payload: data}), nil
}

func (s *Session) setConfig(payload []byte) error {
	req, err := DecodeConfigSpace(payload)
	if err != nil {
		return err
	}
	return s.device.WriteConfig(req.Offset, req.Payload)
}

// reset stops every ring and drops negotiated state, keeping the connection.
func (s *Session) reset() {
	s.release()
	s.features = 0
	s.protocolFeatures = 0
	s.state = fsm.StateIdle
	s.device.Reset()
}

// release stops rings, closes ring descriptors and unmaps guest memory.
func (s *Session) release() {
	for i := range s.vrings {
		r := &s.vrings[i]
		if r.started {
			s.device.QueueStopped(i)
		}
		closeFiles([]int{r.kick, r.call, r.err})
		s.vrings[i] = newVring()
	}
	if err := s.memory.Close(); err != nil {
		s.logger.Warn("unmap memory table failed", "error", err)
	}
	s.memory = nil
}

// Close releases everything the session holds.
func (s *Session) Close() {
	s.release()
	s.device.Reset()
}
