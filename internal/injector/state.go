// Package injector implements the proxy's core: a deterministic,
// per-connection state machine driving two framed byte streams, client
// and server, while maintaining the queue of synthetic server requests
// the current transaction needs.
package injector

import (
	"github.com/electric-sql/pg-proxy/internal/permissions"
)

// State is the coarse transaction state of one connection.
type State int

const (
	StateIdle State = iota
	StateInTx
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateInTx:
		return "InTx"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// txState is the injector-local bookkeeping for the open transaction,
// reset to its zero value whenever the transaction ends, in either
// direction.
type txState struct {
	// electrifiedDDLSeen records that at least one DDL statement targeting
	// an electrified table was forwarded this transaction.
	electrifiedDDLSeen bool
	// sqliteSeen tracks ELECTRIC SQLITE commands. A SQLite body is a durable
	// artifact downstream replicas must order against schema history, so it
	// forces a version capture at commit just like electrified DDL does.
	sqliteSeen bool
	// permissionsDirty is set once a permission-modifying DDLX command has
	// been folded, and cleared when the transaction ends (after being
	// persisted, if it commits).
	permissionsDirty *permissions.Rules
	// sqliteBodies accumulates ELECTRIC SQLITE bodies captured this
	// transaction, for downstream replay by the replication pipeline.
	sqliteBodies []string
}

func (t *txState) needsVersionCapture() bool {
	return t.electrifiedDDLSeen || t.sqliteSeen || t.permissionsDirty != nil
}

func (t *txState) foldPermissions(next permissions.Rules) {
	t.permissionsDirty = &next
}

// reset clears transaction-scoped state when a transaction ends.
func (t *txState) reset() {
	*t = txState{}
}
