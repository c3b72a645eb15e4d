// Package protocol implements the length-prefixed frame codec for hostbridge.
//
// It solves TCP's sticky packet problem with a 4-byte length prefix: the
// receiver learns the payload length before decoding a single payload byte,
// so a handler never sees a partial message.
//
// Frame format:
//
//	0         4
//	┌─────────┬───────────────┐
//	│ length  │    payload    │
//	│ uint32  │ length bytes  │
//	│ big-end │   UTF-8 JSON  │
//	└─────────┴───────────────┘
//
// One bypass exists: the literal unframed text "ping" (case-insensitive,
// trimmed) is a legacy liveness probe and is recognized before framing.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the fixed length prefix: 4 bytes, big-endian, unsigned.
const HeaderSize = 4

// DefaultMaxFrameSize caps a declared payload length at 16 MiB, protecting
// against a corrupted or malicious length field wedging the buffer open.
const DefaultMaxFrameSize = 16 << 20

// ErrFrameTooLarge reports a declared length exceeding the decoder's maximum.
// It is fatal to the connection: the caller must close the socket.
type ErrFrameTooLarge struct {
	Length uint32
	Max    uint32
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("protocol: declared frame length %d exceeds maximum %d", e.Length, e.Max)
}

// EncodeFrame returns payload prefixed with its 4-byte big-endian length.
// A zero-length payload yields a bare header.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// WriteFrame writes one complete frame to w. The caller must hold a write
// lock if multiple goroutines share the same writer, otherwise frames from
// different requests will interleave and corrupt the stream.
func WriteFrame(w io.Writer, payload []byte) error {
	if _, err := w.Write(EncodeFrame(payload)); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// Decoder accumulates bytes from a stream and extracts complete frames.
// It carries no state beyond the accumulation buffer, so a fresh Decoder
// is created per connection. Not safe for concurrent use; a connection's
// single read loop is the only caller.
type Decoder struct {
	buf      bytes.Buffer
	maxFrame uint32
	poisoned error // sticky after ErrFrameTooLarge
}

// NewDecoder returns a Decoder enforcing the given maximum payload length.
// maxFrame <= 0 selects DefaultMaxFrameSize. The wire length field is 32
// bits, so maxFrame is clamped to math.MaxUint32.
func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	limit := uint64(maxFrame)
	if limit > math.MaxUint32 {
		limit = math.MaxUint32
	}
	return &Decoder{maxFrame: uint32(limit)}
}

// Feed appends p to the accumulation buffer and returns every complete frame
// now available, in arrival order. Partial bytes (a split header or a split
// payload) are retained for the next call. A zero-length frame decodes to an
// empty payload.
//
// Once a declared length exceeds the maximum the stream is unrecoverable:
// Feed returns ErrFrameTooLarge then and on every later call, and the
// connection must be closed.
func (d *Decoder) Feed(p []byte) ([][]byte, error) {
	if d.poisoned != nil {
		return nil, d.poisoned
	}
	d.buf.Write(p)

	var frames [][]byte
	for {
		if d.buf.Len() < HeaderSize {
			return frames, nil
		}
		length := binary.BigEndian.Uint32(d.buf.Bytes()[:HeaderSize])
		if length > d.maxFrame {
			d.poisoned = &ErrFrameTooLarge{Length: length, Max: d.maxFrame}
			return frames, d.poisoned
		}
		if uint32(d.buf.Len()-HeaderSize) < length {
			return frames, nil
		}
		d.buf.Next(HeaderSize)
		payload := make([]byte, length)
		d.buf.Read(payload)
		frames = append(frames, payload)
	}
}

// Buffered reports how many undecoded bytes the Decoder is holding.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// pingProbe is the legacy liveness probe, matched case-insensitively after
// trimming whitespace.
var pingProbe = []byte("ping")

// IsPingProbe reports whether raw is the bare liveness probe. A conforming
// client cannot frame this text, so the host checks each read chunk before
// feeding the Decoder — but only while the accumulation buffer is empty;
// mid-frame bytes that happen to spell "ping" are payload, not a probe.
func IsPingProbe(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) != len(pingProbe) {
		return false
	}
	return bytes.EqualFold(trimmed, pingProbe)
}

// TrimPingPrefix reports whether raw begins with the 4-byte probe text and
// returns the bytes that follow it. TCP may coalesce the probe with a framed
// command into a single read; a length header within the frame maximum never
// starts with an ASCII 'p' (0x70 as the leading length byte would declare
// ~1.8 GiB), so while the accumulation buffer is empty the prefix is
// unambiguous.
func TrimPingPrefix(raw []byte) ([]byte, bool) {
	if len(raw) < len(pingProbe) || !bytes.EqualFold(raw[:len(pingProbe)], pingProbe) {
		return nil, false
	}
	return raw[len(pingProbe):], true
}
