package vhostuser

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// Conn frames vhost-user messages over a Unix stream connection.
type Conn struct {
	uc *net.UnixConn
}

// NewConn wraps an accepted or dialed Unix connection.
func NewConn(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.uc.Close()
}

// ReadMessage reads one message and the descriptors attached to its header. It returns
// io.EOF when the peer closed the connection between messages. The caller owns the
// returned descriptors.
func (c *Conn) ReadMessage() (Message, error) {
	hdr := make([]byte, headerSize)
	oob := make([]byte, unix.CmsgSpace(maxFiles*4))

	n, oobn, _, _, err := c.uc.ReadMsgUnix(hdr, oob)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("read header: %w", err)
	}
	if n == 0 && oobn == 0 {
		return Message{}, io.EOF
	}

	files, err := parseRights(oob[:oobn])
	if err != nil {
		return Message{}, err
	}

	if n < headerSize {
		if _, err := io.ReadFull(c.uc, hdr[n:]); err != nil {
			closeFiles(files)
			return Message{}, fmt.Errorf("read header: %w", err)
		}
	}

	msg := Message{
		Request: Request(binary.NativeEndian.Uint32(hdr[0:4])),
		Flags:   binary.NativeEndian.Uint32(hdr[4:8]),
		Files:   files,
	}
	size := binary.NativeEndian.Uint32(hdr[8:12])

	if msg.Flags&flagVersionMask != flagVersion {
		closeFiles(files)
		return Message{}, fmt.Errorf("unsupported protocol version %d", msg.Flags&flagVersionMask)
	}
	if size > maxPayloadSize {
		closeFiles(files)
		return Message{}, fmt.Errorf("%s payload of %d bytes exceeds %d", msg.Request, size, maxPayloadSize)
	}

	if size > 0 {
		msg.Payload = make([]byte, size)
		if _, err := io.ReadFull(c.uc, msg.Payload); err != nil {
			closeFiles(files)
			return Message{}, fmt.Errorf("read %s payload: %w", msg.Request, err)
		}
	}

	return msg, nil
}

// WriteMessage sends one message with its descriptors. The descriptors stay owned by the caller.
func (c *Conn) WriteMessage(msg Message) error {
	if len(msg.Payload) > maxPayloadSize {
		return fmt.Errorf("%s payload of %d bytes exceeds %d", msg.Request, len(msg.Payload), maxPayloadSize)
	}
	if len(msg.Files) > maxFiles {
		return fmt.Errorf("%s carries %d descriptors, limit is %d", msg.Request, len(msg.Files), maxFiles)
	}

	buf := make([]byte, headerSize, headerSize+len(msg.Payload))
	binary.NativeEndian.PutUint32(buf[0:4], uint32(msg.Request))
	binary.NativeEndian.PutUint32(buf[4:8], msg.Flags|flagVersion)
	binary.NativeEndian.PutUint32(buf[8:12], uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)

	var oob []byte
	if len(msg.Files) > 0 {
		oob = unix.UnixRights(msg.Files...)
	}

	n, _, err := c.uc.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return fmt.Errorf("write %s: %w", msg.Request, err)
	}
	if n != len(buf) {
		return fmt.Errorf("write %s: short write of %d/%d bytes", msg.Request, n, len(buf))
	}
	return nil
}

// reply answers req with the reply flag set.
func (c *Conn) reply(req Request, payload []byte) error {
	return c.WriteMessage(Message{Request: req, Flags: flagReply, Payload: payload})
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}

	var files []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			closeFiles(files)
			return nil, fmt.Errorf("parse descriptors: %w", err)
		}
		files = append(files, fds...)
	}
	return files, nil
}

func closeFiles(files []int) {
	for _, fd := range files {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
}
