package schema

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

// scriptedChannel is a fake ServerChannel: queries are recorded, and
// replies are drained from a scripted queue of already-typed backend
// messages.
type scriptedChannel struct {
	queries []string
	replies []pgproto3.BackendMessage
}

func (c *scriptedChannel) SendQuery(ctx context.Context, sql string) error {
	c.queries = append(c.queries, sql)
	return nil
}

func (c *scriptedChannel) RecvBackend(ctx context.Context) (pgproto3.BackendMessage, error) {
	if len(c.replies) == 0 {
		return nil, fmt.Errorf("scriptedChannel: no more replies")
	}
	m := c.replies[0]
	c.replies = c.replies[1:]
	return m, nil
}

func projectsIntrospectionReply() []pgproto3.BackendMessage {
	return []pgproto3.BackendMessage{
		// First result set: columns and primary key.
		&pgproto3.RowDescription{},
		&pgproto3.DataRow{Values: [][]byte{[]byte("id"), []byte("23"), []byte("t"), []byte("f"), []byte("t")}},
		&pgproto3.DataRow{Values: [][]byte{[]byte("name"), []byte("25"), []byte("f"), []byte("f"), []byte("f")}},
		&pgproto3.DataRow{Values: [][]byte{[]byte("owner_id"), []byte("23"), []byte("t"), []byte("f"), []byte("f")}},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 3")},
		// Second result set: outgoing foreign keys.
		&pgproto3.RowDescription{},
		&pgproto3.DataRow{Values: [][]byte{[]byte("owner_id"), []byte("users"), []byte("id"), []byte("c"), []byte("a")}},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	}
}

func TestIntrospectDecodesColumnsAndPrimaryKey(t *testing.T) {
	t.Parallel()

	channel := &scriptedChannel{replies: projectsIntrospectionReply()}
	loader := NewLoader(channel, slogt.New(t))

	s, err := loader.Introspect(context.Background(), "projects")
	require.NoError(t, err)
	require.Len(t, channel.queries, 1)
	require.Contains(t, channel.queries[0], "'projects'::regclass")

	require.Equal(t, "projects", s.Table)
	require.Len(t, s.Columns, 3)
	require.Equal(t, "id", s.Columns[0].Name)
	require.True(t, s.Columns[0].NotNull)
	require.Equal(t, []string{"id"}, s.PrimaryKey)
	require.True(t, s.HasColumn("name"))
	require.False(t, s.HasColumn("missing"))

	require.Len(t, s.ForeignKeys, 1)
	fk := s.ForeignKeys[0]
	require.Equal(t, []string{"owner_id"}, fk.Columns)
	require.Equal(t, "users", fk.ReferencedTable)
	require.Equal(t, []string{"id"}, fk.ReferencedCols)
	require.Equal(t, "CASCADE", fk.OnDelete)
	require.Equal(t, "NO ACTION", fk.OnUpdate)
}

func TestIntrospectCachesWithinATransaction(t *testing.T) {
	t.Parallel()

	channel := &scriptedChannel{replies: projectsIntrospectionReply()}
	loader := NewLoader(channel, slogt.New(t))

	_, err := loader.Introspect(context.Background(), "projects")
	require.NoError(t, err)

	_, err = loader.Introspect(context.Background(), "projects")
	require.NoError(t, err)

	require.Len(t, channel.queries, 1, "second Introspect call should hit the cache, not the server")
}

func TestResetClearsCacheAcrossTransactions(t *testing.T) {
	t.Parallel()

	channel := &scriptedChannel{replies: append(projectsIntrospectionReply(), projectsIntrospectionReply()...)}
	loader := NewLoader(channel, slogt.New(t))

	_, err := loader.Introspect(context.Background(), "projects")
	require.NoError(t, err)

	loader.Reset()

	_, err = loader.Introspect(context.Background(), "projects")
	require.NoError(t, err)

	require.Len(t, channel.queries, 2)
}

func TestIntrospectSurfacesUpstreamError(t *testing.T) {
	t.Parallel()

	channel := &scriptedChannel{replies: []pgproto3.BackendMessage{
		&pgproto3.ErrorResponse{Message: `relation "ghost" does not exist`},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	}}
	loader := NewLoader(channel, slogt.New(t))

	_, err := loader.Introspect(context.Background(), "ghost")
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not exist")
}

func TestIntrospectRejectsTableWithNoColumns(t *testing.T) {
	t.Parallel()

	channel := &scriptedChannel{replies: []pgproto3.BackendMessage{
		&pgproto3.RowDescription{},
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT 0")},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	}}
	loader := NewLoader(channel, slogt.New(t))

	_, err := loader.Introspect(context.Background(), "empty")
	require.Error(t, err)
}
