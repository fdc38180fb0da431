package pgerror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/electric-sql/pg-proxy/internal/pgerror/codes"
)

func TestFlattenCarriesCodeAndSeverity(t *testing.T) {
	t.Parallel()

	err := WithSeverity(WithCode(errors.New("nope"), codes.Syntax), LevelError)
	flat := Flatten(err)

	require.Equal(t, codes.Syntax, flat.Code)
	require.Equal(t, LevelError, flat.Severity)
	require.Equal(t, "nope", flat.Message)
}

func TestFlattenNilErrorIsInternal(t *testing.T) {
	t.Parallel()

	flat := Flatten(nil)
	require.Equal(t, codes.Internal, flat.Code)
	require.Equal(t, LevelFatal, flat.Severity)
}

func TestFlattenDefaultsSeverityToError(t *testing.T) {
	t.Parallel()

	flat := Flatten(WithCode(errors.New("plain"), codes.Syntax))
	require.Equal(t, LevelError, flat.Severity)
}

func TestParseErrorCarriesPosition(t *testing.T) {
	t.Parallel()

	err := NewParseError(3, 14, "expected TO")
	flat := Flatten(err)
	require.Equal(t, codes.Syntax, flat.Code)
	require.Contains(t, flat.Message, "3:14")

	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
	require.Equal(t, 3, parseErr.Line)
	require.Equal(t, 14, parseErr.Col)
}

func TestProtocolErrorIsFatalAndMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := NewProtocolError("impossible message length")
	require.ErrorIs(t, err, ErrProtocol)

	flat := Flatten(err)
	require.Equal(t, codes.ProtocolViolation, flat.Code)
	require.Equal(t, LevelFatal, flat.Severity)
}

func TestDecoratorsComposeThroughTheChain(t *testing.T) {
	t.Parallel()

	err := WithHint(WithDetail(WithCode(errors.New("base"), codes.UndefinedTable), "the detail"), "the hint")
	flat := Flatten(err)

	require.Equal(t, codes.UndefinedTable, flat.Code)
	require.Equal(t, "the detail", flat.Detail)
	require.Equal(t, "the hint", flat.Hint)
}
