package wire

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Tag bytes for the message variants the injector inspects. Everything
// else passes through as an opaque frame; the codec never interprets a
// payload beyond tag and length for anything the injector does not act on.
const (
	TagSimpleQuery          = 'Q'
	TagParse                = 'P'
	TagBind                 = 'B'
	TagDescribe             = 'D' // frontend Describe / backend DataRow share 'D'
	TagExecute              = 'E' // frontend Execute / backend ErrorResponse share 'E'
	TagSync                 = 'S' // frontend Sync / backend ParameterStatus share 'S'
	TagTerminate            = 'X'
	TagParseComplete        = '1'
	TagBindComplete         = '2'
	TagParameterDescription = 't'
	TagRowDescription       = 'T'
	TagCommandComplete      = 'C'
	TagReadyForQuery        = 'Z'
	TagErrorResponse        = 'E'
	TagNoticeResponse       = 'N'
)

// DecodeFrontend decodes a tag/payload pair read from the client into a typed
// pgproto3.FrontendMessage. ok is false for any tag the injector passes
// through unexamined (Close, Flush, CopyData/Done/Fail, PasswordMessage,
// and the pre-startup frames, none of which the injector's state machine
// needs to inspect).
func DecodeFrontend(tag byte, payload []byte) (msg pgproto3.FrontendMessage, ok bool, err error) {
	switch tag {
	case TagSimpleQuery:
		msg = &pgproto3.Query{}
	case TagParse:
		msg = &pgproto3.Parse{}
	case TagBind:
		msg = &pgproto3.Bind{}
	case TagDescribe:
		msg = &pgproto3.Describe{}
	case TagExecute:
		msg = &pgproto3.Execute{}
	case TagSync:
		msg = &pgproto3.Sync{}
	case TagTerminate:
		msg = &pgproto3.Terminate{}
	default:
		return nil, false, nil
	}

	if err := msg.Decode(payload); err != nil {
		return nil, true, fmt.Errorf("decode frontend message %q: %w", string(tag), err)
	}

	return msg, true, nil
}

// DecodeBackend decodes a tag/payload pair read from the server into a typed
// pgproto3.BackendMessage. ok is false for any tag the injector passes
// through unexamined.
func DecodeBackend(tag byte, payload []byte) (msg pgproto3.BackendMessage, ok bool, err error) {
	switch tag {
	case TagCommandComplete:
		msg = &pgproto3.CommandComplete{}
	case TagErrorResponse:
		msg = &pgproto3.ErrorResponse{}
	case TagReadyForQuery:
		msg = &pgproto3.ReadyForQuery{}
	case TagRowDescription:
		msg = &pgproto3.RowDescription{}
	case TagDescribe: // 'D' as a backend tag means DataRow
		msg = &pgproto3.DataRow{}
	case TagNoticeResponse:
		msg = &pgproto3.NoticeResponse{}
	case TagParseComplete:
		msg = &pgproto3.ParseComplete{}
	case TagBindComplete:
		msg = &pgproto3.BindComplete{}
	case TagParameterDescription:
		msg = &pgproto3.ParameterDescription{}
	default:
		return nil, false, nil
	}

	if err := msg.Decode(payload); err != nil {
		return nil, true, fmt.Errorf("decode backend message %q: %w", string(tag), err)
	}

	return msg, true, nil
}

// ReadyForQuery.TxStatus values, per
// https://www.postgresql.org/docs/current/protocol-message-formats.html
const (
	TxIdle    byte = 'I'
	TxInBlock byte = 'T'
	TxFailed  byte = 'E'
)

// WriteMessage encodes a pgproto3 message (frontend or backend, both
// satisfy pgproto3.Message) and writes its full wire representation,
// including tag and length prefix, to w.
func WriteMessage(w interface{ Write([]byte) (int, error) }, msg pgproto3.Message) error {
	_, err := w.Write(msg.Encode(nil))
	return err
}
