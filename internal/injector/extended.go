package injector

import (
	"context"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/electric-sql/pg-proxy/internal/ddl"
	"github.com/electric-sql/pg-proxy/internal/pgerror"
	"github.com/electric-sql/pg-proxy/internal/wire"
)

// rawFrame is a captured client frame awaiting forwarding, kept as
// tag/payload rather than a decoded message since most of the extended
// protocol group (Bind, Describe, Execute, Sync) is forwarded unexamined.
type rawFrame struct {
	tag     byte
	payload []byte
}

// handleExtendedStatement handles one extended-protocol statement cycle:
// the Parse just read, followed by whatever Bind/Describe/Execute frames
// precede the terminating Sync. The whole group is treated as the unit
// corresponding to one simple-protocol statement.
func (m *Machine) handleExtendedStatement(ctx context.Context, parsePayload []byte) error {
	parse := &pgproto3.Parse{}
	if err := parse.Decode(parsePayload); err != nil {
		return pgerror.NewProtocolError("malformed Parse message")
	}

	var frames []rawFrame
	for {
		tag, payload, err := m.client.Next(ctx)
		if err != nil {
			return err
		}
		m.trace("client", tag)
		cp := append([]byte(nil), payload...)
		frames = append(frames, rawFrame{tag: tag, payload: cp})
		if tag == wire.TagSync {
			break
		}
	}

	if m.state == StateFailed {
		// COMMIT or ROLLBACK ends the aborted block, as in the simple
		// protocol; the server rolls back either way.
		if stmt, err := ddl.Classify(parse.Query); err == nil && stmt.Kind == ddl.KindTxControl && stmt.TxOp != ddl.TxBegin {
			return m.forwardExtendedGroup(ctx, parse, frames, func(bool) {
				m.state = StateIdle
				m.tx.reset()
				m.schema.Reset()
			})
		}
		if err := m.emitAbortedError(ctx); err != nil {
			return err
		}
		return m.sendFinalReadyForQuery(ctx)
	}

	stmt, err := ddl.Classify(parse.Query)
	if err != nil {
		if err := m.emitClientError(ctx, err); err != nil {
			return err
		}
		if m.state == StateInTx {
			m.state = StateFailed
		}
		return m.sendFinalReadyForQuery(ctx)
	}

	m.observeStatement(stmt, true)

	switch stmt.Kind {
	case ddl.KindDDLX:
		var tag string
		run := func() (err error) {
			tag, err = m.runDDLX(ctx, stmt.DDLXText)
			return err
		}
		if m.state == StateIdle {
			err = m.runImplicit(ctx, run)
		} else {
			err = run()
		}
		if err != nil {
			return err
		}
		return m.finishExtendedSynthetic(ctx, tag, frames)

	case ddl.KindTxControl:
		return m.forwardExtendedTxControl(ctx, stmt, parse, frames)

	case ddl.KindPlainDDL:
		electrified := m.electrified[stmt.Table]
		return m.forwardExtendedGroup(ctx, parse, frames, func(ok bool) {
			if ok && electrified {
				m.tx.electrifiedDDLSeen = true
			}
		})

	default:
		return m.forwardExtendedGroup(ctx, parse, frames, nil)
	}
}

// finishExtendedSynthetic emits the synthetic frame shape for a DDLX
// command processed via the extended protocol: ParseComplete, then one
// reply per captured client frame (BindComplete for Bind, NoData for
// Describe, CommandComplete with the command's canonical tag for Execute),
// and ReadyForQuery once Sync is reached. An empty tag means the command
// failed and its ErrorResponse has already been sent; the client then only
// gets the closing ReadyForQuery.
func (m *Machine) finishExtendedSynthetic(ctx context.Context, tag string, frames []rawFrame) error {
	if tag == "" {
		return m.sendFinalReadyForQuery(ctx)
	}

	if err := m.client.Send(ctx, &pgproto3.ParseComplete{}); err != nil {
		return err
	}

	for _, f := range frames {
		switch f.tag {
		case wire.TagBind:
			if err := m.client.Send(ctx, &pgproto3.BindComplete{}); err != nil {
				return err
			}
		case wire.TagDescribe:
			// A statement-level Describe is answered with its (empty)
			// parameter list first; a portal Describe goes straight to
			// NoData. DDLX commands have neither parameters nor rows.
			describe := &pgproto3.Describe{}
			if err := describe.Decode(f.payload); err == nil && describe.ObjectType == 'S' {
				if err := m.client.Send(ctx, &pgproto3.ParameterDescription{}); err != nil {
					return err
				}
			}
			if err := m.client.Send(ctx, &pgproto3.NoData{}); err != nil {
				return err
			}
		case wire.TagExecute:
			if err := m.client.Send(ctx, &pgproto3.CommandComplete{CommandTag: []byte(tag)}); err != nil {
				return err
			}
		case wire.TagSync:
			return m.sendFinalReadyForQuery(ctx)
		}
	}

	return m.sendFinalReadyForQuery(ctx)
}

// forwardExtendedTxControl forwards a BEGIN/COMMIT/ROLLBACK extended-
// protocol group, injecting the version-capture and permissions-save
// silent requests ahead of a COMMIT exactly as the simple-protocol path
// does in processCommit.
func (m *Machine) forwardExtendedTxControl(ctx context.Context, stmt ddl.Statement, parse *pgproto3.Parse, frames []rawFrame) error {
	if stmt.TxOp == ddl.TxCommit {
		if m.tx.needsVersionCapture() {
			if failed, err := m.sendSilent(ctx, versionCaptureSQL()); err != nil {
				return err
			} else if failed {
				m.state = StateFailed
				return m.sendFinalReadyForQuery(ctx)
			}
		}
		if m.tx.permissionsDirty != nil {
			save := m.rules.SaveFor(*m.tx.permissionsDirty)
			if failed, err := m.sendSilent(ctx, renderSaveStatement(save)); err != nil {
				return err
			} else if failed {
				m.state = StateFailed
				return m.sendFinalReadyForQuery(ctx)
			}
		}
	}

	return m.forwardExtendedGroup(ctx, parse, frames, func(ok bool) {
		if !ok {
			return
		}
		switch stmt.TxOp {
		case ddl.TxBegin:
			m.state = StateInTx
			m.tx.reset()
		case ddl.TxCommit, ddl.TxRollback:
			if stmt.TxOp == ddl.TxCommit && m.tx.permissionsDirty != nil {
				m.rules.Adopt(*m.tx.permissionsDirty)
			}
			m.state = StateIdle
			m.tx.reset()
			m.schema.Reset()
		}
	})
}

// forwardExtendedGroup forwards parse and the captured frames verbatim to
// the server, then relays every server reply verbatim to the client up to
// and including the terminating ReadyForQuery. onDone, if non-nil, is
// called with whether the group completed without an ErrorResponse, so
// callers can apply their own state transition only on success.
func (m *Machine) forwardExtendedGroup(ctx context.Context, parse *pgproto3.Parse, frames []rawFrame, onDone func(ok bool)) error {
	if err := m.server.Send(ctx, parse); err != nil {
		return err
	}
	for _, f := range frames {
		if err := m.server.Forward(ctx, f.tag, f.payload); err != nil {
			return err
		}
	}

	failed := false
	for {
		tag, payload, err := m.serverNext(ctx)
		if err != nil {
			return err
		}
		if err := m.client.Forward(ctx, tag, payload); err != nil {
			return err
		}
		if tag == wire.TagErrorResponse {
			failed = true
		}
		if tag == wire.TagReadyForQuery {
			break
		}
	}

	if failed && m.state == StateInTx {
		m.state = StateFailed
	}
	if onDone != nil {
		onDone(!failed)
	}
	return nil
}
