package injector

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/electric-sql/pg-proxy/internal/ddl"
	"github.com/electric-sql/pg-proxy/internal/featureflags"
	"github.com/electric-sql/pg-proxy/internal/permissions"
	"github.com/electric-sql/pg-proxy/internal/wire"
)

// scriptedConn is a fake injector.Conn. inbox is drained in order by Next;
// every Send/Forward call is appended to sent, letting a test assert
// exactly what the machine wrote to this side of the connection.
type scriptedConn struct {
	name  string
	inbox []capturedFrame
	sent  []capturedFrame
}

type capturedFrame struct {
	tag     byte
	payload []byte
}

func (c *scriptedConn) Next(ctx context.Context) (byte, []byte, error) {
	if len(c.inbox) == 0 {
		return 0, nil, fmt.Errorf("%s: scripted frames exhausted", c.name)
	}
	f := c.inbox[0]
	c.inbox = c.inbox[1:]
	return f.tag, f.payload, nil
}

func (c *scriptedConn) Send(ctx context.Context, msg pgproto3.Message) error {
	c.sent = append(c.sent, encodedFrame(msg))
	return nil
}

func (c *scriptedConn) Forward(ctx context.Context, tag byte, payload []byte) error {
	c.sent = append(c.sent, capturedFrame{tag: tag, payload: append([]byte(nil), payload...)})
	return nil
}

func (c *scriptedConn) push(msg pgproto3.Message) {
	c.inbox = append(c.inbox, encodedFrame(msg))
}

func (c *scriptedConn) tags() []byte {
	out := make([]byte, len(c.sent))
	for i, f := range c.sent {
		out[i] = f.tag
	}
	return out
}

func countTag(tags []byte, tag byte) int {
	n := 0
	for _, t := range tags {
		if t == tag {
			n++
		}
	}
	return n
}

func encodedFrame(msg pgproto3.Message) capturedFrame {
	enc := msg.Encode(nil)
	return capturedFrame{tag: enc[0], payload: append([]byte(nil), enc[5:]...)}
}

func allowAllFlags() featureflags.Snapshot {
	return featureflags.Parse("").Snapshot()
}

func newMachine(t *testing.T, client, server *scriptedConn, electrified map[string]bool) *Machine {
	return NewMachine(client, server, permissions.NewStore(permissions.Rules{}), allowAllFlags(), electrified, slogt.New(t))
}

func dataRow(values ...string) *pgproto3.DataRow {
	raw := make([][]byte, len(values))
	for i, v := range values {
		raw[i] = []byte(v)
	}
	return &pgproto3.DataRow{Values: raw}
}

// scriptIntrospection appends the scripted reply for one Introspect round
// trip on server, as the schema loader expects: the column result set, an
// empty foreign-key result set, and the trailing ReadyForQuery.
func scriptIntrospection(server *scriptedConn, columns ...string) {
	server.push(&pgproto3.RowDescription{})
	for _, name := range columns {
		server.push(dataRow(name, "25", "f", "f", "f")) // atttypid 25 = text, arbitrary
	}
	server.push(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
	server.push(&pgproto3.RowDescription{})
	server.push(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 0")})
	server.push(&pgproto3.ReadyForQuery{TxStatus: wire.TxIdle})
}

func scriptSimpleOK(server *scriptedConn, tag string) {
	server.push(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
	server.push(&pgproto3.ReadyForQuery{TxStatus: wire.TxIdle})
}

// --- ordinary SQL passes through untouched -----------------------------

func TestPassThroughSimpleQueryForwardsVerbatim(t *testing.T) {
	t.Parallel()

	client := &scriptedConn{name: "client"}
	server := &scriptedConn{name: "server"}

	client.push(&pgproto3.Query{String: "SELECT 1"})
	client.push(&pgproto3.Terminate{})

	server.push(&pgproto3.RowDescription{})
	server.push(dataRow("1"))
	server.push(&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")})
	server.push(&pgproto3.ReadyForQuery{TxStatus: wire.TxIdle})

	m := newMachine(t, client, server, nil)
	require.NoError(t, m.Run(context.Background()))

	require.Len(t, server.sent, 2) // the query, then the relayed Terminate
	require.Equal(t, byte(wire.TagSimpleQuery), server.sent[0].tag)
	require.Equal(t, byte(wire.TagTerminate), server.sent[1].tag)

	q := &pgproto3.Query{}
	require.NoError(t, q.Decode(server.sent[0].payload))
	require.Equal(t, "SELECT 1", q.String)

	require.Equal(t, []byte{wire.TagRowDescription, wire.TagDescribe, wire.TagCommandComplete, wire.TagReadyForQuery}, client.tags())
}

// --- electrified DDL forwards, and triggers version-capture on commit --

func TestElectrifiedDDLTriggersVersionCaptureOnCommit(t *testing.T) {
	t.Parallel()

	client := &scriptedConn{name: "client"}
	server := &scriptedConn{name: "server"}

	client.push(&pgproto3.Query{String: "BEGIN"})
	client.push(&pgproto3.Query{String: "ALTER TABLE projects ADD COLUMN archived boolean"})
	client.push(&pgproto3.Query{String: "COMMIT"})
	client.push(&pgproto3.Terminate{})

	scriptSimpleOK(server, "BEGIN")
	scriptSimpleOK(server, "ALTER TABLE")
	scriptSimpleOK(server, "INSERT 0 1") // version-capture insert
	scriptSimpleOK(server, "COMMIT")

	m := newMachine(t, client, server, map[string]bool{"projects": true})
	require.NoError(t, m.Run(context.Background()))

	require.Len(t, server.sent, 5) // four queries plus the relayed Terminate

	decodeQuery := func(i int) string {
		q := &pgproto3.Query{}
		require.NoError(t, q.Decode(server.sent[i].payload))
		return q.String
	}

	require.Equal(t, "BEGIN", decodeQuery(0))
	require.Equal(t, "ALTER TABLE projects ADD COLUMN archived boolean", decodeQuery(1))
	require.Contains(t, decodeQuery(2), "electric.versions")
	require.Equal(t, "COMMIT", decodeQuery(3))
}

// --- ELECTRIC GRANT within a transaction persists at commit ------------

func TestDDLXGrantWithinTransactionPersistsOnCommit(t *testing.T) {
	t.Parallel()

	client := &scriptedConn{name: "client"}
	server := &scriptedConn{name: "server"}

	client.push(&pgproto3.Query{String: "BEGIN"})
	client.push(&pgproto3.Query{String: "ELECTRIC GRANT ALL ON projects TO 'member'"})
	client.push(&pgproto3.Query{String: "COMMIT"})
	client.push(&pgproto3.Terminate{})

	scriptSimpleOK(server, "BEGIN")
	scriptIntrospection(server, "id", "name")
	// Grant compiles to zero upstream statements; commit still injects a
	// version-capture and a permissions-save before the real COMMIT.
	scriptSimpleOK(server, "INSERT 0 1") // version-capture
	scriptSimpleOK(server, "INSERT 0 1") // permissions-save
	scriptSimpleOK(server, "COMMIT")

	rules := permissions.NewStore(permissions.Rules{})
	m := NewMachine(client, server, rules, allowAllFlags(), map[string]bool{"projects": true}, slogt.New(t))
	require.NoError(t, m.Run(context.Background()))

	require.Equal(t, 3, countTag(client.tags(), wire.TagCommandComplete)) // BEGIN's, the GRANT's, COMMIT's
	require.Equal(t, 3, countTag(client.tags(), wire.TagReadyForQuery))
	require.Zero(t, countTag(client.tags(), wire.TagErrorResponse))

	current := rules.Current()
	require.Len(t, current.Grants, 1)
	require.Equal(t, "member", current.Grants[0].Role)
	require.Equal(t, "projects", current.Grants[0].Table)
}

// --- ELECTRIC ENABLE marks a table electrified and emits one CommandComplete

func TestDDLXEnableMarksTableElectrifiedAndEmitsOneCommandComplete(t *testing.T) {
	t.Parallel()

	client := &scriptedConn{name: "client"}
	server := &scriptedConn{name: "server"}

	// Issued in autocommit mode: the injector brackets the command with its
	// own silent BEGIN/version-capture/COMMIT.
	client.push(&pgproto3.Query{String: "ELECTRIC ENABLE projects"})
	client.push(&pgproto3.Terminate{})

	scriptSimpleOK(server, "BEGIN")
	scriptIntrospection(server, "id", "name")
	scriptSimpleOK(server, "CREATE TABLE")
	scriptSimpleOK(server, "INSERT 0 1") // version-capture
	scriptSimpleOK(server, "COMMIT")

	electrified := map[string]bool{}
	m := newMachine(t, client, server, electrified)
	require.NoError(t, m.Run(context.Background()))

	require.True(t, electrified["projects"])
	require.Equal(t, 1, countTag(client.tags(), wire.TagCommandComplete))
	require.Equal(t, 1, countTag(client.tags(), wire.TagReadyForQuery))
	require.Zero(t, countTag(client.tags(), wire.TagErrorResponse))

	cc := &pgproto3.CommandComplete{}
	for _, f := range client.sent {
		if f.tag == wire.TagCommandComplete {
			require.NoError(t, cc.Decode(f.payload))
		}
	}
	require.Equal(t, "ELECTRIC ENABLE", string(cc.CommandTag))
}

// --- electrified DDL in autocommit mode still captures a version ---------

func TestElectrifiedDDLOutsideTransactionRunsImplicitOne(t *testing.T) {
	t.Parallel()

	client := &scriptedConn{name: "client"}
	server := &scriptedConn{name: "server"}

	client.push(&pgproto3.Query{String: "ALTER TABLE projects ADD COLUMN archived boolean"})
	client.push(&pgproto3.Terminate{})

	scriptSimpleOK(server, "BEGIN")
	scriptSimpleOK(server, "ALTER TABLE")
	scriptSimpleOK(server, "INSERT 0 1") // version-capture
	scriptSimpleOK(server, "COMMIT")

	m := newMachine(t, client, server, map[string]bool{"projects": true})
	require.NoError(t, m.Run(context.Background()))

	require.Len(t, server.sent, 5) // BEGIN, ALTER, version-capture, COMMIT, relayed Terminate

	decodeQuery := func(i int) string {
		q := &pgproto3.Query{}
		require.NoError(t, q.Decode(server.sent[i].payload))
		return q.String
	}
	require.Equal(t, "BEGIN", decodeQuery(0))
	require.Contains(t, decodeQuery(1), "ALTER TABLE projects")
	require.Contains(t, decodeQuery(2), "electric.versions")
	require.Equal(t, "COMMIT", decodeQuery(3))

	// The client never asked for a transaction, so it sees only its own
	// statement's reply: CommandComplete("ALTER TABLE") + ReadyForQuery.
	require.Equal(t, []byte{wire.TagCommandComplete, wire.TagReadyForQuery}, client.tags())
}

// --- at most one introspection round trip per table per transaction ----

func TestAtMostOneIntrospectionPerTablePerTransaction(t *testing.T) {
	t.Parallel()

	client := &scriptedConn{name: "client"}
	server := &scriptedConn{name: "server"}

	client.push(&pgproto3.Query{String: "BEGIN"})
	client.push(&pgproto3.Query{String: "ELECTRIC GRANT ALL ON projects TO 'member'"})
	client.push(&pgproto3.Query{String: "ELECTRIC GRANT SELECT ON projects TO 'viewer'"})
	client.push(&pgproto3.Query{String: "COMMIT"})
	client.push(&pgproto3.Terminate{})

	scriptSimpleOK(server, "BEGIN")
	scriptIntrospection(server, "id", "name") // only one round trip scripted
	scriptSimpleOK(server, "INSERT 0 1")      // version-capture
	scriptSimpleOK(server, "INSERT 0 1")      // permissions-save
	scriptSimpleOK(server, "COMMIT")

	rules := permissions.NewStore(permissions.Rules{})
	m := NewMachine(client, server, rules, allowAllFlags(), map[string]bool{"projects": true}, slogt.New(t))
	require.NoError(t, m.Run(context.Background()))

	// BEGIN, both GRANTs, and COMMIT each produce exactly one CommandComplete,
	// and critically only one introspection round trip was consumed above.
	require.Equal(t, 4, countTag(client.tags(), wire.TagCommandComplete))
	require.Zero(t, countTag(client.tags(), wire.TagErrorResponse))

	require.Len(t, rules.Current().Grants, 2)
}

// --- GRANT on an existing but unelectrified table is rejected ------------

func TestDDLXGrantOnUnelectrifiedTableFailsTransaction(t *testing.T) {
	t.Parallel()

	client := &scriptedConn{name: "client"}
	server := &scriptedConn{name: "server"}

	client.push(&pgproto3.Query{String: "BEGIN"})
	client.push(&pgproto3.Query{String: "ELECTRIC GRANT ALL ON documents TO 'member'"})
	client.push(&pgproto3.Query{String: "ROLLBACK"})
	client.push(&pgproto3.Terminate{})

	scriptSimpleOK(server, "BEGIN")
	// The table exists, so introspection itself succeeds; the grant must
	// still be rejected because documents was never ELECTRIC ENABLEd.
	scriptIntrospection(server, "id", "body")
	scriptSimpleOK(server, "ROLLBACK")

	rules := permissions.NewStore(permissions.Rules{})
	m := NewMachine(client, server, rules, allowAllFlags(), map[string]bool{"projects": true}, slogt.New(t))
	require.NoError(t, m.Run(context.Background()))

	var sawNotElectrified bool
	for _, f := range client.sent {
		if f.tag != wire.TagErrorResponse {
			continue
		}
		er := &pgproto3.ErrorResponse{}
		require.NoError(t, er.Decode(f.payload))
		if strings.Contains(er.Message, "not electrified") {
			sawNotElectrified = true
		}
	}
	require.True(t, sawNotElectrified)
	require.Empty(t, rules.Current().Grants)
}

// --- a rolled-back transaction leaves the rules store untouched ----------

func TestRollbackDiscardsFoldedPermissions(t *testing.T) {
	t.Parallel()

	client := &scriptedConn{name: "client"}
	server := &scriptedConn{name: "server"}

	client.push(&pgproto3.Query{String: "BEGIN"})
	client.push(&pgproto3.Query{String: "ELECTRIC GRANT ALL ON projects TO 'member'"})
	client.push(&pgproto3.Query{String: "ROLLBACK"})
	client.push(&pgproto3.Terminate{})

	scriptSimpleOK(server, "BEGIN")
	scriptIntrospection(server, "id", "name")
	scriptSimpleOK(server, "ROLLBACK")

	rules := permissions.NewStore(permissions.Rules{})
	m := NewMachine(client, server, rules, allowAllFlags(), map[string]bool{"projects": true}, slogt.New(t))
	require.NoError(t, m.Run(context.Background()))

	require.Empty(t, rules.Current().Grants)
}

// --- extended protocol: DDLX never reaches the server, synthetic shape ---

func TestExtendedProtocolDDLXSynthesizesFullReplyShape(t *testing.T) {
	t.Parallel()

	client := &scriptedConn{name: "client"}
	server := &scriptedConn{name: "server"}

	pushExtendedGroup := func(sql string, describe bool) {
		client.push(&pgproto3.Parse{Query: sql})
		client.push(&pgproto3.Bind{})
		if describe {
			client.push(&pgproto3.Describe{ObjectType: 'P'})
		}
		client.push(&pgproto3.Execute{})
		client.push(&pgproto3.Sync{})
	}

	pushExtendedGroup("BEGIN", false)
	pushExtendedGroup("ELECTRIC GRANT ALL ON projects TO 'member'", true)
	pushExtendedGroup("COMMIT", false)
	client.push(&pgproto3.Terminate{})

	// BEGIN group is forwarded and its reply relayed verbatim.
	server.push(&pgproto3.ParseComplete{})
	server.push(&pgproto3.BindComplete{})
	server.push(&pgproto3.CommandComplete{CommandTag: []byte("BEGIN")})
	server.push(&pgproto3.ReadyForQuery{TxStatus: wire.TxInBlock})
	// The GRANT triggers one introspection round trip and nothing else.
	scriptIntrospection(server, "id", "name")
	// COMMIT is preceded by the silent version-capture and permissions-save.
	scriptSimpleOK(server, "INSERT 0 1")
	scriptSimpleOK(server, "INSERT 0 1")
	server.push(&pgproto3.ParseComplete{})
	server.push(&pgproto3.BindComplete{})
	server.push(&pgproto3.CommandComplete{CommandTag: []byte("COMMIT")})
	server.push(&pgproto3.ReadyForQuery{TxStatus: wire.TxIdle})

	rules := permissions.NewStore(permissions.Rules{})
	m := NewMachine(client, server, rules, allowAllFlags(), map[string]bool{"projects": true}, slogt.New(t))
	require.NoError(t, m.Run(context.Background()))

	require.Equal(t, []byte{
		wire.TagParseComplete, wire.TagBindComplete, wire.TagCommandComplete, wire.TagReadyForQuery, // BEGIN
		wire.TagParseComplete, wire.TagBindComplete, 'n', wire.TagCommandComplete, wire.TagReadyForQuery, // GRANT (NoData for Describe)
		wire.TagParseComplete, wire.TagBindComplete, wire.TagCommandComplete, wire.TagReadyForQuery, // COMMIT
	}, client.tags())

	// The GRANT's CommandComplete carries the canonical tag.
	cc := &pgproto3.CommandComplete{}
	require.NoError(t, cc.Decode(client.sent[7].payload))
	require.Equal(t, "ELECTRIC GRANT", string(cc.CommandTag))

	require.Len(t, rules.Current().Grants, 1)
}

// --- a dead upstream surfaces to the client before the session closes ----

func TestUpstreamLossNotifiesClientAndEndsSession(t *testing.T) {
	t.Parallel()

	client := &scriptedConn{name: "client"}
	server := &scriptedConn{name: "server"} // empty inbox: reads fail immediately

	client.push(&pgproto3.Query{String: "SELECT 1"})

	m := newMachine(t, client, server, nil)
	require.Error(t, m.Run(context.Background()))

	tags := client.tags()
	require.Equal(t, []byte{wire.TagErrorResponse, wire.TagReadyForQuery}, tags)

	er := &pgproto3.ErrorResponse{}
	require.NoError(t, er.Decode(client.sent[0].payload))
	require.Equal(t, "08006", er.Code)
}

// --- scenario inference ---------------------------------------------------

func TestScenarioInference(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		extended bool
		sqls     []string
		want     string
	}{
		{name: "simple explicit tx", sqls: []string{"BEGIN", "SELECT 1"}, want: "manual"},
		{name: "simple autocommit", sqls: []string{"SELECT 1"}, want: "none"},
		{name: "extended", extended: true, sqls: []string{"BEGIN"}, want: "adhoc"},
		{name: "extended with framework marker", extended: true, sqls: []string{"BEGIN", "INSERT INTO schema_migrations (version) VALUES (1)"}, want: "ecto"},
		{name: "leading SET with framework marker", sqls: []string{"SET search_path TO public", "INSERT INTO _prisma_migrations VALUES (1)"}, want: "prisma"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := newMachine(t, &scriptedConn{name: "client"}, &scriptedConn{name: "server"}, nil)
			for _, sql := range tc.sqls {
				stmt, err := ddl.Classify(sql)
				require.NoError(t, err)
				m.observeStatement(stmt, tc.extended)
			}
			require.Equal(t, tc.want, m.scenario.name())
		})
	}
}

// --- malformed DDLX fails the transaction, but does not crash the machine

func TestMalformedDDLXEmitsErrorAndFailsTransaction(t *testing.T) {
	t.Parallel()

	client := &scriptedConn{name: "client"}
	server := &scriptedConn{name: "server"}

	client.push(&pgproto3.Query{String: "BEGIN"})
	client.push(&pgproto3.Query{String: "ELECTRIC GRANT ON projects"}) // missing privilege
	client.push(&pgproto3.Query{String: "SELECT 1"})
	client.push(&pgproto3.Query{String: "ROLLBACK"})
	client.push(&pgproto3.Terminate{})

	scriptSimpleOK(server, "BEGIN")
	scriptSimpleOK(server, "ROLLBACK")

	m := newMachine(t, client, server, map[string]bool{"projects": true})
	require.NoError(t, m.Run(context.Background()))

	var errCount int
	var lastStatus byte
	for _, f := range client.sent {
		if f.tag == wire.TagErrorResponse {
			errCount++
		}
		if f.tag == wire.TagReadyForQuery {
			rfq := &pgproto3.ReadyForQuery{}
			require.NoError(t, rfq.Decode(f.payload))
			lastStatus = rfq.TxStatus
		}
	}
	// One for the malformed GRANT itself, one "transaction is aborted" for
	// the SELECT submitted while the transaction was already failed.
	require.Equal(t, 2, errCount)
	require.Equal(t, wire.TxIdle, lastStatus)

	// Only BEGIN, ROLLBACK and the relayed Terminate reach the server; the
	// malformed DDLX and the SELECT sent while aborted never do.
	require.Len(t, server.sent, 3)
}
