package proxy

import (
	"context"
	"encoding/binary"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/electric-sql/pg-proxy/internal/permissions"
	"github.com/electric-sql/pg-proxy/internal/pgerror"
	"github.com/electric-sql/pg-proxy/internal/pgerror/codes"
	"github.com/electric-sql/pg-proxy/internal/wire"
)

// sslRequestCode is the special "protocol version" a client sends in place
// of a real startup message to ask whether the server supports TLS.
const sslRequestCode = 80877103

// relayStartup reads the client's startup packet, answers an SSLRequest
// with 'N' (TLS termination belongs to whatever sits in front of the
// proxy), forwards the real startup message to the upstream server
// verbatim, and then relays the authentication exchange until the server
// reports ReadyForQuery.
//
// The relay is deliberately byte-transparent rather than protocol-aware:
// it never inspects a password or computes an MD5/SASL response itself,
// it only forwards whatever the client already sent in response to an
// Authentication request. This keeps the proxy out of the business of
// knowing the upstream's auth method.
func relayStartup(ctx context.Context, client, server *frameConn) error {
	payload, err := client.reader.ReadUntyped()
	if err != nil {
		return err
	}

	if len(payload) >= 4 && binary.BigEndian.Uint32(payload[:4]) == sslRequestCode {
		if _, err := client.conn.Write([]byte{'N'}); err != nil {
			return err
		}
		payload, err = client.reader.ReadUntyped()
		if err != nil {
			return err
		}
	}

	server.writer.StartUntyped()
	if _, err := server.writer.Write(payload); err != nil {
		return err
	}
	if err := server.writer.End(); err != nil {
		return err
	}

	return relayAuthentication(ctx, client, server)
}

func relayAuthentication(ctx context.Context, client, server *frameConn) error {
	for {
		tag, payload, err := server.Next(ctx)
		if err != nil {
			return err
		}
		if err := client.Forward(ctx, tag, payload); err != nil {
			return err
		}

		switch tag {
		case wire.TagReadyForQuery:
			return nil
		case 'R': // AuthenticationXXX
			// AuthenticationOk (0) and AuthenticationSASLFinal (12) expect
			// no reply from the client; every other request does.
			if len(payload) >= 4 && binary.BigEndian.Uint32(payload[:4]) != 0 && binary.BigEndian.Uint32(payload[:4]) != 12 {
				ctag, cpayload, err := client.Next(ctx)
				if err != nil {
					return err
				}
				if err := server.Forward(ctx, ctag, cpayload); err != nil {
					return err
				}
			}
		}
	}
}

// loadElectrifiedTables runs a best-effort query against the already
// authenticated server connection to seed the injector's view of which
// tables are electrified. A freshly provisioned database that has never
// run ELECTRIC ENABLE has no electric.electrified_tables relation yet;
// that is reported as an error by the server and surfaces to the caller,
// which logs it and starts the session with an empty registry rather than
// failing the connection outright.
func loadElectrifiedTables(ctx context.Context, server *frameConn) (map[string]bool, error) {
	if err := server.Send(ctx, &pgproto3.Query{String: "SELECT table_name FROM electric.electrified_tables"}); err != nil {
		return nil, err
	}

	tables := make(map[string]bool)
	var queryErr error

	for {
		tag, payload, err := server.Next(ctx)
		if err != nil {
			return nil, err
		}

		msg, ok, err := wire.DecodeBackend(tag, payload)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		switch m := msg.(type) {
		case *pgproto3.DataRow:
			if len(m.Values) > 0 {
				tables[string(m.Values[0])] = true
			}
		case *pgproto3.ErrorResponse:
			queryErr = errorResponseErr(m)
		case *pgproto3.ReadyForQuery:
			return tables, queryErr
		}
	}
}

// loadGlobalRules reads the persisted electric.rules row from the already
// authenticated server connection, restoring the authorization state the
// last permission-changing commit wrote. Like loadElectrifiedTables it is
// best-effort at the connection level: a database that has never seen a
// permission-changing commit has no row (or no table) yet, which surfaces
// as an error or an empty result the caller treats as "start from the
// rules already in memory".
func loadGlobalRules(ctx context.Context, server *frameConn) (permissions.Rules, bool, error) {
	if err := server.Send(ctx, &pgproto3.Query{String: "SELECT encoded FROM electric.rules WHERE id = 1"}); err != nil {
		return permissions.Rules{}, false, err
	}

	var encoded string
	var found bool
	var queryErr error

	for {
		tag, payload, err := server.Next(ctx)
		if err != nil {
			return permissions.Rules{}, false, err
		}

		msg, ok, err := wire.DecodeBackend(tag, payload)
		if err != nil {
			return permissions.Rules{}, false, err
		}
		if !ok {
			continue
		}

		switch m := msg.(type) {
		case *pgproto3.DataRow:
			if len(m.Values) > 0 {
				encoded = string(m.Values[0])
				found = true
			}
		case *pgproto3.ErrorResponse:
			queryErr = errorResponseErr(m)
		case *pgproto3.ReadyForQuery:
			if queryErr != nil {
				return permissions.Rules{}, false, queryErr
			}
			if !found {
				return permissions.Rules{}, false, nil
			}
			rules, err := permissions.Decode(encoded)
			if err != nil {
				return permissions.Rules{}, false, err
			}
			return rules, true, nil
		}
	}
}

func errorResponseErr(e *pgproto3.ErrorResponse) error {
	return pgerror.NewUpstreamError(e.Message, codes.Code(e.Code))
}
