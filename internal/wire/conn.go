package wire

import "io"

// Frame is one tagged, length-prefixed message as read off the wire, before
// any attempt to decode its payload into a typed pgproto3 message. It is
// the unit of byte-transparent forwarding: a Frame read from one side and
// not acted on by the injector reaches the other side identical, byte for
// byte.
type Frame struct {
	Tag     byte
	Payload []byte
}

// ReadFrame reads the next tagged frame from r.
func ReadFrame(r *FrameReader) (Frame, error) {
	tag, err := r.ReadTag()
	if err != nil {
		return Frame{}, err
	}

	payload, err := r.ReadFrame()
	if err != nil {
		return Frame{}, err
	}

	// Copy the payload so the Frame owns its bytes.
	cp := make([]byte, len(payload))
	copy(cp, payload)

	return Frame{Tag: tag, Payload: cp}, nil
}

// WriteTo writes the frame verbatim: tag byte, big-endian length prefix
// (inclusive of itself), then payload, unchanged from how it was read.
func (f Frame) WriteTo(w io.Writer) error {
	fw := NewFrameWriter(w)
	fw.Start(f.Tag)
	_, _ = fw.Write(f.Payload)
	return fw.End()
}
