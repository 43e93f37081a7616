package doctor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/rbright/vhost-device-sound/internal/audio"
	"github.com/rbright/vhost-device-sound/internal/config"
	"github.com/stretchr/testify/require"
)

func TestReportOKAndString(t *testing.T) {
	report := Report{Checks: []Check{
		{Name: "one", Pass: true, Message: "good"},
		{Name: "two", Pass: false, Message: "bad"},
	}}

	require.False(t, report.OK())
	text := report.String()
	require.Contains(t, text, "[OK] one: good")
	require.Contains(t, text, "[FAIL] two: bad")
}

func TestReportOKAllPassing(t *testing.T) {
	report := Report{Checks: []Check{{Name: "one", Pass: true}, {Name: "two", Pass: true}}}
	require.True(t, report.OK())
}

func TestRunNullBackendOnFreshPath(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "run", "vhost-sound.sock")

	report := Run(context.Background(), config.New(socketPath, false, audio.BackendNull))
	require.True(t, report.OK(), report.String())

	text := report.String()
	require.Contains(t, text, "[OK] socket.dir:")
	require.Contains(t, text, "[OK] socket.path: "+socketPath+" is free")
	require.Contains(t, text, "[OK] audio.backend: null: 2 streams (output 2ch 48000Hz on null, input 2ch 48000Hz on null)")
}

func TestCheckSocketDirWalksToExistingAncestor(t *testing.T) {
	root := t.TempDir()

	check := checkSocketDir(filepath.Join(root, "a", "b", "c.sock"))
	require.True(t, check.Pass)
	require.Equal(t, root+" is writable", check.Message)
}

func TestCheckSocketDirRejectsFileAncestor(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	check := checkSocketDir(filepath.Join(file, "s.sock"))
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "is not a directory")
}

func TestCheckSocketDirReadOnly(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses directory permissions")
	}
	dir := filepath.Join(t.TempDir(), "ro")
	require.NoError(t, os.Mkdir(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	check := checkSocketDir(filepath.Join(dir, "s.sock"))
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "is not writable")
}

func TestCheckSocketPathEmpty(t *testing.T) {
	require.False(t, checkSocketPath("").Pass)
	require.False(t, checkSocketDir("").Pass)
}

func TestCheckSocketPathStaleFile(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "vhost-sound.sock")
	require.NoError(t, os.WriteFile(socketPath, []byte("stale"), 0o600))

	check := checkSocketPath(socketPath)
	require.True(t, check.Pass)
	require.Contains(t, check.Message, "stale")
}

func TestCheckSocketPathLiveListener(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "vhost-sound.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer listener.Close()

	check := checkSocketPath(socketPath)
	require.False(t, check.Pass)
	require.Contains(t, check.Message, "held by a running backend")
}

type stubBackend struct {
	openErr  error
	closeErr error
	devices  []audio.Device
	listErr  error
}

func (stubBackend) Type() audio.BackendType { return audio.BackendNull }

func (s stubBackend) Open(context.Context) error { return s.openErr }

func (stubBackend) Streams() []audio.Stream {
	return []audio.Stream{{ID: 0, Direction: audio.DirectionOutput, Channels: 2, SampleRate: 44100, Device: "hw"}}
}

func (s stubBackend) Close() error { return s.closeErr }

func (s stubBackend) Devices(context.Context) ([]audio.Device, error) { return s.devices, s.listErr }

func withBackend(t *testing.T, backend audio.Backend) {
	t.Helper()
	original := newBackend
	t.Cleanup(func() { newBackend = original })
	newBackend = func(audio.BackendType, *slog.Logger) (audio.Backend, error) { return backend, nil }
}

func TestCheckBackendOpenFailure(t *testing.T) {
	withBackend(t, stubBackend{openErr: errors.New("connection refused")})

	checks := checkBackend(context.Background(), audio.BackendNull)
	require.Len(t, checks, 1)
	require.False(t, checks[0].Pass)
	require.Equal(t, "open null: connection refused", checks[0].Message)
}

func TestCheckBackendCloseFailure(t *testing.T) {
	withBackend(t, stubBackend{closeErr: errors.New("busy")})

	checks := checkBackend(context.Background(), audio.BackendNull)
	require.False(t, checks[0].Pass)
	require.Contains(t, checks[0].Message, "close null: busy")
}

func TestCheckBackendListsDevices(t *testing.T) {
	withBackend(t, stubBackend{devices: []audio.Device{
		{ID: "alsa_output.usb", Direction: audio.DirectionOutput, Available: true, Default: true},
		{ID: "alsa_input.usb", Direction: audio.DirectionInput, Available: true, Default: true},
		{ID: "alsa_output.hdmi", Direction: audio.DirectionOutput},
	}})

	checks := checkBackend(context.Background(), audio.BackendNull)
	require.Len(t, checks, 2)
	require.True(t, checks[0].Pass)
	require.Equal(t, "null: 1 streams (output 2ch 44100Hz on hw)", checks[0].Message)
	require.Equal(t, Check{
		Name:    "audio.devices",
		Pass:    true,
		Message: "3 devices, default output=alsa_output.usb input=alsa_input.usb (1 unavailable)",
	}, checks[1])
}

func TestCheckBackendDeviceListingFailures(t *testing.T) {
	withBackend(t, stubBackend{listErr: errors.New("server gone")})
	checks := checkBackend(context.Background(), audio.BackendNull)
	require.False(t, checks[1].Pass)
	require.Equal(t, "server gone", checks[1].Message)

	withBackend(t, stubBackend{})
	checks = checkBackend(context.Background(), audio.BackendNull)
	require.False(t, checks[1].Pass)
	require.Equal(t, "no audio devices found", checks[1].Message)
}

func TestCheckBackendUnknownType(t *testing.T) {
	checks := checkBackend(context.Background(), audio.BackendType("mystery"))
	require.Len(t, checks, 1)
	require.False(t, checks[0].Pass)
	require.Contains(t, checks[0].Message, "unknown audio backend")
}
