package server

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"hostbridge/message"
	"hostbridge/protocol"
)

// session owns one accepted connection: a single read loop that decodes
// frames and enqueues commands, and a write path shared (under writeMu) by
// the drain worker and the ping probe reply.
type session struct {
	d      *Dispatcher
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex // responses from the drain worker must not interleave

	closeOnce sync.Once
}

func newSession(d *Dispatcher, conn net.Conn) *session {
	return &session{
		d:      d,
		conn:   conn,
		logger: d.logger.With(slog.String("remote", conn.RemoteAddr().String())),
	}
}

// readLoop pulls bytes, hands complete frames to the codec, and enqueues
// parsed commands. It exits — closing the connection — on read EOF, a read
// error, or an oversized frame. Commands already queued on this session's
// behalf still execute; their responses are dropped if the write fails.
func (s *session) readLoop() {
	defer s.close()
	s.logger.Debug("session opened")

	decoder := protocol.NewDecoder(s.d.opts.MaxFrameSize)
	buf := make([]byte, 64*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]

			// Legacy liveness probe: bare "ping" outside any frame. Only
			// meaningful when no partial frame is buffered. The probe may
			// arrive coalesced with a framed command in one read; the
			// remainder after the probe feeds the decoder as usual.
			if decoder.Buffered() == 0 {
				if protocol.IsPingProbe(chunk) {
					if werr := s.writeResponse(pongResponse()); werr != nil {
						return
					}
					continue
				}
				if rest, ok := protocol.TrimPingPrefix(chunk); ok {
					if werr := s.writeResponse(pongResponse()); werr != nil {
						return
					}
					chunk = rest
					if len(chunk) == 0 {
						continue
					}
				}
			}

			frames, ferr := decoder.Feed(chunk)
			for _, frame := range frames {
				s.handleFrame(frame)
			}
			if ferr != nil {
				// FrameTooLarge is fatal to the connection: the stream can
				// never resynchronize.
				s.logger.Warn("closing session", slog.String("error", ferr.Error()))
				return
			}
		}
		if err != nil {
			s.logger.Debug("session read ended", slog.String("error", err.Error()))
			return
		}
	}
}

// handleFrame parses one decoded payload as a Command. A parse failure is
// per-message: the session replies with a framed PARSE_ERROR (no id
// correlation is possible, but framing the reply keeps the client's read
// loop fed) and stays open.
func (s *session) handleFrame(frame []byte) {
	cmd, err := message.ParseCommand(frame)
	if err != nil {
		if s.d.metrics != nil {
			s.d.metrics.ParseErrors.Inc()
		}
		resp := message.NewError("", message.CodeParseError, err.Error(), nil)
		if werr := s.writeResponse(resp); werr != nil {
			s.logger.Debug("parse error reply dropped", slog.String("error", werr.Error()))
		}
		return
	}
	s.d.enqueue(cmd, s)
}

// writeResponse frames and writes one response under the session write lock.
func (s *session) writeResponse(resp *message.Response) error {
	payload, err := resp.Encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.WriteFrame(s.conn, payload)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
		s.logger.Debug("session closed")
	})
}

// pongResponse is the framed, id-less reply to the raw liveness probe.
func pongResponse() *message.Response {
	return message.NewSuccess("", map[string]any{
		"message":   "pong",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
