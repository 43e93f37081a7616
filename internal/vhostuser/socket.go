package vhostuser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// ErrAlreadyRunning reports a socket path another process is listening on.
var ErrAlreadyRunning = errors.New("vhost-user socket already in use")

// procNetUnix lists the Unix sockets of the current network namespace.
var procNetUnix = "/proc/net/unix"

// Acquire listens on path, replacing a stale socket file left by a previous run. A path with
// a live listener is never taken over; liveness is checked without connecting so a
// single-client backend holding the path is not disturbed.
func Acquire(ctx context.Context, path string, retries int) (*net.UnixListener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("ensure socket dir: %w", err)
	}

	addr := &net.UnixAddr{Name: path, Net: "unix"}
	for attempt := 0; attempt <= retries; attempt++ {
		listener, err := net.ListenUnix("unix", addr)
		if err == nil {
			_ = os.Chmod(path, 0o600)
			return listener, nil
		}

		if !isAddrInUse(err) {
			return nil, fmt.Errorf("listen unix %s: %w", path, err)
		}

		alive, probeErr := Listening(path)
		if probeErr != nil {
			return nil, fmt.Errorf("probe existing socket %s: %w", path, probeErr)
		}
		if alive {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, path)
		}

		if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, removeErr)
		}

		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(25*(attempt+1)) * time.Millisecond):
			}
		}
	}

	return nil, fmt.Errorf("failed to acquire socket %s after %d retries", path, retries)
}

// Listening reports whether a listening Unix socket is bound to path.
func Listening(path string) (bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}

	f, err := os.Open(procNetUnix)
	if err != nil {
		return false, err
	}
	defer f.Close()

	// Num RefCount Protocol Flags Type St Inode Path
	const acceptCon = 0x10000
	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 {
			continue
		}
		bound := strings.Join(fields[7:], " ")
		if bound != path && bound != abs {
			continue
		}
		var flags uint64
		if _, err := fmt.Sscanf(fields[3], "%x", &flags); err != nil {
			continue
		}
		if flags&acceptCon != 0 {
			return true, nil
		}
	}
	return false, scanner.Err()
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
