package injector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/electric-sql/pg-proxy/internal/compiler"
	"github.com/electric-sql/pg-proxy/internal/ddl"
	"github.com/electric-sql/pg-proxy/internal/ddlx"
	"github.com/electric-sql/pg-proxy/internal/featureflags"
	"github.com/electric-sql/pg-proxy/internal/permissions"
	"github.com/electric-sql/pg-proxy/internal/pgerror"
	"github.com/electric-sql/pg-proxy/internal/pgerror/codes"
	schemapkg "github.com/electric-sql/pg-proxy/internal/schema"
	"github.com/electric-sql/pg-proxy/internal/wire"
)

// Machine is the per-connection injector state machine. It owns no socket
// directly: client and server are Conn values supplied by the caller
// (internal/proxy in production, a scripted fake in tests) and it drives
// the transaction protocol entirely through synchronous calls on them.
// There is never more than one outstanding read on either side; waiting
// for client bytes and waiting for server bytes are the only two points
// where the machine suspends.
type Machine struct {
	client Conn
	server Conn

	schema *schemapkg.Loader
	rules  *permissions.Store
	flags  featureflags.Snapshot
	logger *slog.Logger

	electrified map[string]bool

	queryTimeout time.Duration
	tracing      bool

	state    State
	tx       txState
	scenario scenario
}

// NewMachine constructs a Machine. electrified seeds the set of tables
// already known to be electrified (typically loaded from the
// electric.electrified_tables registry at session start by the session
// façade); it may be nil.
func NewMachine(client, server Conn, rules *permissions.Store, flags featureflags.Snapshot, electrified map[string]bool, logger *slog.Logger) *Machine {
	if electrified == nil {
		electrified = make(map[string]bool)
	}

	m := &Machine{
		client:      client,
		server:      server,
		rules:       rules,
		flags:       flags,
		electrified: electrified,
		logger:      logger,
		state:       StateIdle,
	}
	m.schema = schemapkg.NewLoader(m, logger)
	return m
}

// SetQueryTimeout bounds each synthetic server round trip the injector
// issues on the client's behalf. Exceeding the bound is fatal for the
// connection. Zero means no bound.
func (m *Machine) SetQueryTimeout(d time.Duration) {
	m.queryTimeout = d
}

// SetTracing enables frame-level debug logging of every frame the machine
// consumes or relays.
func (m *Machine) SetTracing(on bool) {
	m.tracing = on
}

// Run drives the machine until the client connection ends or a fatal
// protocol/timeout error occurs. A dead upstream socket is reported to the
// client as an ErrorResponse plus ReadyForQuery(Idle) before Run returns.
func (m *Machine) Run(ctx context.Context) error {
	for {
		tag, payload, err := m.client.Next(ctx)
		if err != nil {
			// The client vanished without a goodbye; tell the upstream so
			// it aborts any transaction still open there.
			if m.state != StateIdle {
				_ = m.server.Send(ctx, &pgproto3.Terminate{})
			}
			return err
		}
		m.trace("client", tag)

		if tag == wire.TagTerminate {
			// Relay the goodbye so the upstream tears down its side too,
			// aborting any transaction still open there.
			_ = m.server.Forward(ctx, tag, payload)
			return nil
		}

		if err := m.handleClientFrame(ctx, tag, payload); err != nil {
			var lost *upstreamLostError
			if errors.As(err, &lost) {
				m.notifyUpstreamLost(ctx)
			}
			return err
		}
	}
}

// upstreamLostError marks a read failure on the server socket, as opposed
// to one on the client socket.
type upstreamLostError struct {
	cause error
}

func (e *upstreamLostError) Error() string { return "upstream connection lost: " + e.cause.Error() }
func (e *upstreamLostError) Unwrap() error { return e.cause }

// serverNext reads the next server frame, tagging a dead upstream socket
// so Run can tell the client before closing.
func (m *Machine) serverNext(ctx context.Context) (byte, []byte, error) {
	tag, payload, err := m.server.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, pgerror.NewTimeoutError("synthetic server request")
		}
		return 0, nil, &upstreamLostError{cause: err}
	}
	m.trace("server", tag)
	return tag, payload, nil
}

func (m *Machine) notifyUpstreamLost(ctx context.Context) {
	_ = m.client.Send(ctx, &pgproto3.ErrorResponse{
		Severity: string(pgerror.LevelFatal),
		Code:     string(codes.ConnectionFailure),
		Message:  "server terminated connection",
	})
	_ = m.client.Send(ctx, &pgproto3.ReadyForQuery{TxStatus: wire.TxIdle})
}

// syntheticCtx derives the bounded context a synthetic server round trip
// runs under.
func (m *Machine) syntheticCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.queryTimeout)
}

func (m *Machine) trace(source string, tag byte) {
	if !m.tracing {
		return
	}
	m.logger.Debug("frame", slog.String("source", source), slog.String("tag", string(tag)))
}

func (m *Machine) handleClientFrame(ctx context.Context, tag byte, payload []byte) error {
	switch tag {
	case wire.TagSimpleQuery:
		q := &pgproto3.Query{}
		if err := q.Decode(payload); err != nil {
			return pgerror.NewProtocolError("malformed Query message")
		}
		return m.handleSimpleQuery(ctx, q.String)

	case wire.TagParse:
		return m.handleExtendedStatement(ctx, payload)

	default:
		// Frames the codec does not act on (Close, Flush, CopyData/Done/
		// Fail, PasswordMessage, pre-startup frames) pass through verbatim;
		// none of them change transaction state.
		return m.server.Forward(ctx, tag, payload)
	}
}

// --- simple protocol -------------------------------------------------

func (m *Machine) handleSimpleQuery(ctx context.Context, sql string) error {
	stmts, err := ddl.SplitBatch(sql)
	if err != nil {
		if err := m.emitClientError(ctx, err); err != nil {
			return err
		}
		if m.state == StateInTx {
			m.state = StateFailed
		}
		return m.sendFinalReadyForQuery(ctx)
	}

	for _, stmt := range stmts {
		if m.state == StateFailed {
			if stmt.Kind == ddl.KindTxControl && stmt.TxOp != ddl.TxBegin {
				if err := m.endFailedTransaction(ctx, stmt.TxOp); err != nil {
					return err
				}
				continue
			}
			if err := m.emitAbortedError(ctx); err != nil {
				return err
			}
			continue
		}

		if err := m.processStatement(ctx, stmt); err != nil {
			return err
		}
	}

	return m.sendFinalReadyForQuery(ctx)
}

func (m *Machine) processStatement(ctx context.Context, stmt ddl.Statement) error {
	m.observeStatement(stmt, false)

	switch stmt.Kind {
	case ddl.KindTxControl:
		return m.processTxControl(ctx, stmt)
	case ddl.KindPlainDML:
		return m.forwardPlain(ctx, stmt.Raw)
	case ddl.KindPlainDDL:
		if !m.electrified[stmt.Table] {
			return m.forwardPlain(ctx, stmt.Raw)
		}
		if m.state == StateIdle {
			return m.runImplicit(ctx, func() error { return m.forwardElectrifiedDDL(ctx, stmt) })
		}
		return m.forwardElectrifiedDDL(ctx, stmt)
	case ddl.KindDDLX:
		if m.state == StateIdle {
			return m.runImplicit(ctx, func() error { return m.processDDLX(ctx, stmt.DDLXText) })
		}
		return m.processDDLX(ctx, stmt.DDLXText)
	default:
		return m.forwardPlain(ctx, stmt.Raw)
	}
}

// runImplicit brackets a single statement received outside any explicit
// transaction with the injector's own BEGIN and COMMIT, both invisible to
// the client, so the commit-time bookkeeping (version capture, permissions
// save) still happens for electrified DDL and DDLX issued in autocommit
// mode. On failure the bracket is rolled back silently and the client
// lands back in Idle, where it believes it always was.
func (m *Machine) runImplicit(ctx context.Context, body func() error) error {
	if failed, err := m.sendSilent(ctx, "BEGIN"); err != nil {
		return err
	} else if failed {
		return nil
	}
	m.state = StateInTx
	m.tx.reset()

	if err := body(); err != nil {
		return err
	}

	if m.state != StateInTx {
		return m.abortImplicit(ctx)
	}

	if m.tx.needsVersionCapture() {
		if failed, err := m.sendSilent(ctx, versionCaptureSQL()); err != nil {
			return err
		} else if failed {
			return m.abortImplicit(ctx)
		}
	}

	if m.tx.permissionsDirty != nil {
		save := m.rules.SaveFor(*m.tx.permissionsDirty)
		if failed, err := m.sendSilent(ctx, renderSaveStatement(save)); err != nil {
			return err
		} else if failed {
			return m.abortImplicit(ctx)
		}
	}

	if failed, err := m.sendSilent(ctx, "COMMIT"); err != nil {
		return err
	} else if failed {
		return m.abortImplicit(ctx)
	}

	if m.tx.permissionsDirty != nil {
		m.rules.Adopt(*m.tx.permissionsDirty)
	}

	m.state = StateIdle
	m.tx.reset()
	m.schema.Reset()
	return nil
}

// abortImplicit rolls back an implicit transaction whose statement failed.
// The failure itself has already been surfaced to the client.
func (m *Machine) abortImplicit(ctx context.Context) error {
	if _, err := m.sendSilent(ctx, "ROLLBACK"); err != nil {
		return err
	}
	m.state = StateIdle
	m.tx.reset()
	m.schema.Reset()
	return nil
}

func (m *Machine) processTxControl(ctx context.Context, stmt ddl.Statement) error {
	switch stmt.TxOp {
	case ddl.TxBegin:
		if err := m.forwardPlain(ctx, stmt.Raw); err != nil {
			return err
		}
		m.state = StateInTx
		m.tx.reset()
		return nil

	case ddl.TxCommit:
		return m.processCommit(ctx, stmt.Raw)

	case ddl.TxRollback:
		if err := m.forwardPlain(ctx, stmt.Raw); err != nil {
			return err
		}
		m.state = StateIdle
		m.tx.reset()
		m.schema.Reset()
		return nil

	default:
		return fmt.Errorf("injector: unrecognized tx op %v", stmt.TxOp)
	}
}

// processCommit runs the commit sequence for a dirty transaction:
// version-capture, then permissions-save, then the original COMMIT, each
// a silent round trip except the last.
func (m *Machine) processCommit(ctx context.Context, raw string) error {
	if m.tx.needsVersionCapture() {
		if failed, err := m.sendSilent(ctx, versionCaptureSQL()); err != nil {
			return err
		} else if failed {
			m.state = StateFailed
			return nil
		}
	}

	if m.tx.permissionsDirty != nil {
		save := m.rules.SaveFor(*m.tx.permissionsDirty)
		if failed, err := m.sendSilent(ctx, renderSaveStatement(save)); err != nil {
			return err
		} else if failed {
			m.state = StateFailed
			return nil
		}
	}

	if err := m.forwardPlain(ctx, raw); err != nil {
		return err
	}

	// A COMMIT the server rejected leaves nothing persisted; only a
	// successful one makes the folded rules authoritative.
	if m.state != StateFailed && m.tx.permissionsDirty != nil {
		m.rules.Adopt(*m.tx.permissionsDirty)
	}

	m.state = StateIdle
	m.tx.reset()
	m.schema.Reset()
	return nil
}

// versionCaptureSQL renders the version-capture statement. The version
// value is assigned server-side via gen_random_uuid()/now() rather than by
// the proxy, which keeps clock and randomness out of the deterministic
// core.
func versionCaptureSQL() string {
	return `INSERT INTO electric.versions (version, applied_at, txid) VALUES (gen_random_uuid()::text, now(), txid_current())`
}

func renderSaveStatement(s permissions.SaveStatement) string {
	if len(s.Parameters) != 1 {
		return s.SQL
	}
	encoded, _ := s.Parameters[0].(string)
	return fmt.Sprintf(
		`INSERT INTO electric.rules (id, encoded) VALUES (1, %s) ON CONFLICT (id) DO UPDATE SET encoded = excluded.encoded`,
		quoteLiteral(encoded),
	)
}

func quoteLiteral(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	out = append(out, '\'')
	return string(out)
}

// endFailedTransaction handles a ROLLBACK or COMMIT received while Failed:
// real PostgreSQL treats either as ending the aborted transaction block,
// and the server-side effect of both is a rollback.
func (m *Machine) endFailedTransaction(ctx context.Context, op ddl.TxOp) error {
	if err := m.forwardPlain(ctx, "ROLLBACK"); err != nil {
		return err
	}
	m.state = StateIdle
	m.tx.reset()
	m.schema.Reset()
	return nil
}

// forwardPlain sends sql to the server as a Query, relaying every reply
// frame except the trailing ReadyForQuery (the batch's final
// ReadyForQuery is synthesized once, in sendFinalReadyForQuery).
func (m *Machine) forwardPlain(ctx context.Context, sql string) error {
	if err := m.server.Send(ctx, &pgproto3.Query{String: sql}); err != nil {
		return err
	}

	failed, err := m.relayServerReply(ctx)
	if err != nil {
		return err
	}
	if failed && m.state == StateInTx {
		m.state = StateFailed
	}
	return nil
}

func (m *Machine) forwardElectrifiedDDL(ctx context.Context, stmt ddl.Statement) error {
	if err := m.forwardPlain(ctx, stmt.Raw); err != nil {
		return err
	}
	if m.state != StateFailed {
		m.tx.electrifiedDDLSeen = true
	}
	return nil
}

// sendSilent sends sql to the server and consumes its entire reply,
// forwarding nothing to the client except an ErrorResponse, reporting
// whether one arrived. The round trip runs under the synthetic-request
// timeout.
func (m *Machine) sendSilent(ctx context.Context, sql string) (failed bool, err error) {
	ctx, cancel := m.syntheticCtx(ctx)
	defer cancel()

	if err := m.server.Send(ctx, &pgproto3.Query{String: sql}); err != nil {
		return false, err
	}

	for {
		tag, payload, err := m.serverNext(ctx)
		if err != nil {
			return false, err
		}
		switch tag {
		case wire.TagReadyForQuery:
			return failed, nil
		case wire.TagErrorResponse:
			if err := m.client.Forward(ctx, tag, payload); err != nil {
				return false, err
			}
			failed = true
		}
	}
}

// relayServerReply consumes one simple-protocol reply (everything up to
// and including the trailing ReadyForQuery), forwarding every frame except
// that ReadyForQuery to the client verbatim.
func (m *Machine) relayServerReply(ctx context.Context) (failed bool, err error) {
	for {
		tag, payload, err := m.serverNext(ctx)
		if err != nil {
			return false, err
		}

		if tag == wire.TagReadyForQuery {
			return failed, nil
		}

		if err := m.client.Forward(ctx, tag, payload); err != nil {
			return false, err
		}
		if tag == wire.TagErrorResponse {
			failed = true
		}
	}
}

// --- DDLX ------------------------------------------------------------

// processDDLX handles an ELECTRIC command in the simple protocol. It never
// reaches the server as written: it is parsed, its target table (if any)
// introspected at most once per transaction, compiled, and the client sees
// exactly one synthetic CommandComplete carrying the command's canonical
// tag.
func (m *Machine) processDDLX(ctx context.Context, text string) error {
	tag, err := m.runDDLX(ctx, text)
	if err != nil || tag == "" {
		return err
	}
	return m.client.Send(ctx, &pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

// runDDLX does the interception work shared by the simple and extended
// protocol paths and returns the completion tag to synthesize, or "" when
// the command failed and an error has already been surfaced to the client.
func (m *Machine) runDDLX(ctx context.Context, text string) (string, error) {
	cmd, err := ddlx.Parse(text, m.flags)
	if err != nil {
		return "", m.failDDLX(ctx, err)
	}

	table, err := m.introspectTarget(ctx, cmd)
	if err != nil {
		return "", m.failDDLX(ctx, err)
	}

	stmts, err := compiler.Compile(cmd, table)
	if err != nil {
		return "", m.failDDLX(ctx, err)
	}

	for _, stmt := range stmts {
		failed, err := m.sendSilent(ctx, stmt.SQL)
		if err != nil {
			return "", err
		}
		if failed {
			m.state = StateFailed
			return "", nil
		}
	}

	if err := m.applyDDLXEffects(cmd, table); err != nil {
		return "", m.failDDLX(ctx, err)
	}

	return cmd.Tag(), nil
}

// failDDLX surfaces a DDLX processing error to the client and fails the
// transaction.
func (m *Machine) failDDLX(ctx context.Context, cause error) error {
	if err := m.emitClientError(ctx, cause); err != nil {
		return err
	}
	m.state = StateFailed
	return nil
}

// introspectTarget introspects the schema of cmd's target table, if it
// names one. Enable/Disable/Grant/Revoke reference a table; Assign/
// Unassign/SqliteVerbatim do not.
func (m *Machine) introspectTarget(ctx context.Context, cmd ddlx.Command) (*schemapkg.Schema, error) {
	var table string
	switch c := cmd.(type) {
	case ddlx.Enable:
		table = c.Table
	case ddlx.Disable:
		table = c.Table
	case ddlx.Grant:
		table = c.Table
	case ddlx.Revoke:
		table = c.Table
	default:
		return nil, nil
	}

	if table == "" {
		return nil, nil
	}

	return m.schema.Introspect(ctx, table)
}

// applyDDLXEffects updates the in-memory electrified-table registry and
// folds permission-modifying commands into the transaction's pending Rules.
func (m *Machine) applyDDLXEffects(cmd ddlx.Command, table *schemapkg.Schema) error {
	switch c := cmd.(type) {
	case ddlx.Enable:
		m.electrified[c.Table] = true
		m.tx.electrifiedDDLSeen = true
		return nil

	case ddlx.Disable:
		delete(m.electrified, c.Table)
		m.tx.electrifiedDDLSeen = true
		return nil

	case ddlx.Grant, ddlx.Revoke, ddlx.Assign, ddlx.Unassign:
		current := m.rules.Current()
		if m.tx.permissionsDirty != nil {
			current = *m.tx.permissionsDirty
		}
		next, err := permissions.Apply(current, cmd, table, m.targetElectrified(cmd))
		if err != nil {
			return err
		}
		m.tx.foldPermissions(next)
		return nil

	case ddlx.SqliteVerbatim:
		m.tx.sqliteSeen = true
		m.tx.sqliteBodies = append(m.tx.sqliteBodies, c.Body)
		return nil

	default:
		return fmt.Errorf("injector: unrecognized DDLX command %T", cmd)
	}
}

// targetElectrified reports whether cmd's target table is currently in the
// electrified registry. Introspection only proves the table exists in
// pg_catalog; electrified status is a separate fact owned by this map,
// seeded at session start and updated by ENABLE/DISABLE.
func (m *Machine) targetElectrified(cmd ddlx.Command) bool {
	switch c := cmd.(type) {
	case ddlx.Grant:
		return m.electrified[c.Table]
	case ddlx.Revoke:
		return m.electrified[c.Table]
	default:
		return false
	}
}

// --- error surfacing ---------------------------------------------------

func (m *Machine) emitClientError(ctx context.Context, err error) error {
	flat := pgerror.Flatten(err)
	return m.client.Send(ctx, &pgproto3.ErrorResponse{
		Severity: string(flat.Severity),
		Code:     string(flat.Code),
		Message:  flat.Message,
		Detail:   flat.Detail,
		Hint:     flat.Hint,
	})
}

func (m *Machine) emitAbortedError(ctx context.Context) error {
	return m.client.Send(ctx, &pgproto3.ErrorResponse{
		Severity: string(pgerror.LevelError),
		Code:     "25P02",
		Message:  "current transaction is aborted, commands ignored until end of transaction block",
	})
}

func (m *Machine) sendFinalReadyForQuery(ctx context.Context) error {
	status := wire.TxIdle
	switch m.state {
	case StateInTx:
		status = wire.TxInBlock
	case StateFailed:
		status = wire.TxFailed
	}
	return m.client.Send(ctx, &pgproto3.ReadyForQuery{TxStatus: status})
}

func wireUnexpectedTagError(tag byte) error {
	return pgerror.NewProtocolError(fmt.Sprintf("unexpected frame %q during synthetic server request", string(tag)))
}
