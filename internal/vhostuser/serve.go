package vhostuser

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
)

// Serve runs one vhost-user session on conn until the frontend disconnects, which returns
// nil. A failed request ends the session with its error unless the frontend asked for a
// REPLY_ACK, in which case the failure is reported in the ack and the session goes on.
func Serve(conn *net.UnixConn, device Device, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := NewConn(conn)
	session := NewSession(device, logger)
	defer session.Close()

	for {
		msg, err := c.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("frontend disconnected",
					"state", session.State(),
					"features", fmt.Sprintf("%#x", session.AckedFeatures()),
					"memory_regions", len(session.Memory().Regions()),
				)
				return nil
			}
			return fmt.Errorf("read vhost-user message: %w", err)
		}
		if msg.IsReply() {
			closeFiles(msg.Files)
			return fmt.Errorf("unexpected reply %s from frontend", msg.Request)
		}

		logger.Debug("vhost-user request", "request", msg.Request, "size", len(msg.Payload), "files", len(msg.Files))

		reply, handleErr := session.Handle(msg)
		ack := session.replyAckEnabled(msg)

		if handleErr != nil {
			logger.Warn("vhost-user request failed", "request", msg.Request, "error", handleErr)
			if !ack {
				return fmt.Errorf("%s: %w", msg.Request, handleErr)
			}
			if err := c.reply(msg.Request, EncodeU64(1)); err != nil {
				return err
			}
			continue
		}

		switch {
		case reply != nil:
			err = c.reply(msg.Request, reply)
		case ack:
			err = c.reply(msg.Request, EncodeU64(0))
		}
		if err != nil {
			return err
		}
	}
}
