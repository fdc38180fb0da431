package injector

import (
	"context"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Conn is one direction of framed traffic (client or server). Both
// directions satisfy the same shape: read the next tagged frame, write a
// typed message, or forward a tag/payload pair byte-for-byte.
// internal/proxy supplies the concrete implementation over internal/wire;
// tests supply a scripted fake.
type Conn interface {
	// Next blocks for the next frame and returns its tag and raw payload.
	Next(ctx context.Context) (tag byte, payload []byte, err error)
	// Send encodes and writes a typed message.
	Send(ctx context.Context, msg pgproto3.Message) error
	// Forward writes a tag/payload frame exactly as read, with no
	// re-encoding, so forwarded traffic stays byte-identical.
	Forward(ctx context.Context, tag byte, payload []byte) error
}
