package vhostuser

import (
	"errors"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const (
	testFeatureVersion1 = 1 << 32
	testQueues          = 4
	testMaxQueueSize    = 256
)

type fakeDevice struct {
	mu      sync.Mutex
	config  []byte
	started []int
	stopped []int
	resets  int
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{config: []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}}
}

func (d *fakeDevice) Features() uint64 { return testFeatureVersion1 }

func (d *fakeDevice) ProtocolFeatures() uint64 {
	return ProtocolMQ | ProtocolReplyAck | ProtocolConfig
}

func (d *fakeDevice) NumQueues() int    { return testQueues }
func (d *fakeDevice) MaxQueueSize() int { return testMaxQueueSize }

func (d *fakeDevice) ReadConfig(offset, size uint32) ([]byte, error) {
	if uint64(offset)+uint64(size) > uint64(len(d.config)) {
		return nil, errors.New("config read out of range")
	}
	return append([]byte(nil), d.config[offset:offset+size]...), nil
}

func (d *fakeDevice) WriteConfig(uint32, []byte) error {
	return errors.New("config space is read-only")
}

func (d *fakeDevice) QueueStarted(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = append(d.started, index)
}

func (d *fakeDevice) QueueStopped(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, index)
}

func (d *fakeDevice) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
}

func (d *fakeDevice) snapshot() (started, stopped []int, resets int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.started...), append([]int(nil), d.stopped...), d.resets
}

// frontend plays the virtual-machine monitor side of one connection.
type frontend struct {
	t    *testing.T
	conn *Conn
	done chan error
}

func startSession(t *testing.T, device Device) *frontend {
	t.Helper()
	return startLoggedSession(t, device, nil)
}

func startLoggedSession(t *testing.T, device Device, logger *slog.Logger) *frontend {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vhost.sock")
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		conn, acceptErr := listener.AcceptUnix()
		_ = listener.Close()
		if acceptErr != nil {
			done <- acceptErr
			return
		}
		defer conn.Close()
		done <- Serve(conn, device, logger)
	}()

	uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)

	f := &frontend{t: t, conn: NewConn(uc), done: done}
	t.Cleanup(func() { _ = f.conn.Close() })
	return f
}

func (f *frontend) send(req Request, flags uint32, payload []byte, files ...int) {
	f.t.Helper()
	require.NoError(f.t, f.conn.WriteMessage(Message{Request: req, Flags: flags, Payload: payload, Files: files}))
}

func (f *frontend) recv(req Request) Message {
	f.t.Helper()
	msg, err := f.conn.ReadMessage()
	require.NoError(f.t, err)
	require.Equal(f.t, req, msg.Request)
	require.True(f.t, msg.IsReply())
	return msg
}

func (f *frontend) getU64(req Request) uint64 {
	f.t.Helper()
	f.send(req, 0, nil)
	v, err := DecodeU64(f.recv(req).Payload)
	require.NoError(f.t, err)
	return v
}

// finish closes the frontend side and returns what Serve returned.
func (f *frontend) finish() error {
	f.t.Helper()
	_ = f.conn.Close()
	return f.wait()
}

func (f *frontend) wait() error {
	f.t.Helper()
	select {
	case err := <-f.done:
		return err
	case <-time.After(2 * time.Second):
		f.t.Fatal("Serve did not return")
		return nil
	}
}

// memfd returns a sized anonymous memory file standing in for guest RAM.
func memfd(t *testing.T, size int64) int {
	t.Helper()
	fd, err := unix.MemfdCreate("guest-ram", unix.MFD_CLOEXEC)
	require.NoError(t, err)
	require.NoError(t, unix.Ftruncate(fd, size))
	return fd
}

func eventfd(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	require.NoError(t, err)
	return fd
}

// fdOpen reports whether fd is still an open descriptor in this process.
func fdOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}
