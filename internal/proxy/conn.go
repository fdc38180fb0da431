// Package proxy implements the socket plumbing around the injector core:
// accepting client connections, dialing the upstream server, and adapting
// net.Conn to the injector.Conn interface over internal/wire's framing.
package proxy

import (
	"context"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/electric-sql/pg-proxy/internal/wire"
)

// frameConn adapts a net.Conn to injector.Conn using the size-policing
// framing from internal/wire. It is direction-agnostic: the same type
// drives both the client-facing and server-facing sockets.
type frameConn struct {
	conn   net.Conn
	reader *wire.FrameReader
	writer *wire.FrameWriter
}

func newFrameConn(conn net.Conn, maxMessageSize int) *frameConn {
	return &frameConn{
		conn:   conn,
		reader: wire.NewFrameReader(conn, maxMessageSize),
		writer: wire.NewFrameWriter(conn),
	}
}

// Next reads the next frame. A context deadline, when present, is mapped
// onto the socket's read deadline so a bounded synthetic round trip cannot
// block past its budget.
func (c *frameConn) Next(ctx context.Context) (byte, []byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return 0, nil, err
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}

	frame, err := wire.ReadFrame(c.reader)
	if err != nil {
		return 0, nil, err
	}
	return frame.Tag, frame.Payload, nil
}

func (c *frameConn) Send(ctx context.Context, msg pgproto3.Message) error {
	return wire.WriteMessage(c.conn, msg)
}

func (c *frameConn) Forward(ctx context.Context, tag byte, payload []byte) error {
	return (wire.Frame{Tag: tag, Payload: payload}).WriteTo(c.conn)
}
