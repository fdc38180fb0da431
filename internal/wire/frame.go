// Package wire implements the proxy's wire codec (component A): framing and
// typed encode/decode of PostgreSQL v3 frontend and backend messages. The
// codec never interprets payloads beyond recognizing which concrete
// pgproto3 message type a tag byte names; SQL parsing lives in internal/ddl
// and internal/ddlx.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/electric-sql/pg-proxy/internal/pgerror"
)

// DefaultMaxMessageSize bounds a single frame's declared length. Frames
// claiming to be larger are rejected with a protocol error rather than
// handed to the allocator.
const DefaultMaxMessageSize = 1 << 30 // 1 GiB

// headerSize is the length of a Postgres wire message header once the
// 1-byte tag has been consumed: a big-endian uint32 length, inclusive of
// itself.
const headerSize = 4

// FrameReader reads length-prefixed, tag-framed messages from an underlying
// byte stream, policing message size and keeping a residual read buffer so
// callers can feed partial reads without losing their place. It is
// direction-agnostic: the same type reads frontend frames off the client
// socket and backend frames off the server socket, depending only on which
// tag-to-message table the caller decodes the payload with.
type FrameReader struct {
	src            *bufio.Reader
	MaxMessageSize int
	header         [headerSize]byte
}

// NewFrameReader constructs a FrameReader over the given stream. A
// maxMessageSize <= 0 selects DefaultMaxMessageSize.
func NewFrameReader(r io.Reader, maxMessageSize int) *FrameReader {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}

	return &FrameReader{
		src:            bufio.NewReaderSize(r, 1<<16),
		MaxMessageSize: maxMessageSize,
	}
}

// ReadTag reads a single tag byte, identifying the kind of frame that
// follows. Used for the "typed message" framing (every message after
// startup); the untyped startup/SSL-negotiation frames are read with
// ReadUntyped instead.
func (r *FrameReader) ReadTag() (byte, error) {
	return r.src.ReadByte()
}

// ReadFrame reads the length-prefixed body following a tag byte already
// consumed via ReadTag, and returns the raw payload (not including the tag
// or the length itself). The returned slice is freshly allocated for each
// frame.
func (r *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(r.src, r.header[:]); err != nil {
		return nil, err
	}

	size := int(binary.BigEndian.Uint32(r.header[:])) - headerSize
	if size < 0 {
		return nil, pgerror.NewProtocolError("declared message length shorter than the header itself")
	}
	if size > r.MaxMessageSize {
		return nil, pgerror.NewProtocolError("declared message length exceeds the maximum allowed frame size")
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r.src, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// ReadUntyped reads a length-prefixed message with no leading tag byte, the
// shape used by the startup packet, SSLRequest, and CancelRequest before the
// protocol version has been negotiated.
func (r *FrameReader) ReadUntyped() ([]byte, error) {
	return r.ReadFrame()
}

// Slurp discards exactly size bytes, used to drain a frame whose declared
// length exceeded the configured maximum after an error has already been
// reported for it.
func (r *FrameReader) Slurp(size int) error {
	_, err := io.CopyN(io.Discard, r.src, int64(size))
	return err
}

// FrameWriter accumulates a single outgoing message into an internal
// buffer and writes it out on End, backfilling the length prefix.
type FrameWriter struct {
	dst    io.Writer
	buf    []byte
	tag    byte
	hasTag bool
}

// NewFrameWriter constructs a FrameWriter over the given stream.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{dst: w}
}

// Start resets the writer and begins a new tagged message.
func (w *FrameWriter) Start(tag byte) {
	w.tag = tag
	w.hasTag = true
	w.buf = w.buf[:0]
}

// StartUntyped begins a new message with no leading tag byte (startup-phase
// messages).
func (w *FrameWriter) StartUntyped() {
	w.hasTag = false
	w.buf = w.buf[:0]
}

// Write appends raw bytes to the message body under construction.
func (w *FrameWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// End writes the framed message (tag byte if any, big-endian length
// prefix, then body) to the underlying stream.
func (w *FrameWriter) End() error {
	length := make([]byte, headerSize)
	binary.BigEndian.PutUint32(length, uint32(len(w.buf)+headerSize))

	if w.hasTag {
		if _, err := w.dst.Write([]byte{w.tag}); err != nil {
			return err
		}
	}
	if _, err := w.dst.Write(length); err != nil {
		return err
	}
	_, err := w.dst.Write(w.buf)
	return err
}
