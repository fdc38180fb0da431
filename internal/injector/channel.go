package injector

import (
	"context"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/electric-sql/pg-proxy/internal/wire"
)

// SendQuery implements schema.ServerChannel: synthesize a simple-protocol
// Query against the server connection.
func (m *Machine) SendQuery(ctx context.Context, sql string) error {
	return m.server.Send(ctx, &pgproto3.Query{String: sql})
}

// RecvBackend implements schema.ServerChannel: read and decode the next
// frame from the server. Tags the injector's codec does not recognize are
// returned as an error, since the schema loader's reply stream is
// exhaustively one of RowDescription/DataRow/CommandComplete/
// ReadyForQuery/ErrorResponse by construction of the introspection query.
func (m *Machine) RecvBackend(ctx context.Context) (pgproto3.BackendMessage, error) {
	ctx, cancel := m.syntheticCtx(ctx)
	defer cancel()

	tag, payload, err := m.serverNext(ctx)
	if err != nil {
		return nil, err
	}

	msg, ok, err := wire.DecodeBackend(tag, payload)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, wireUnexpectedTagError(tag)
	}

	return msg, nil
}
