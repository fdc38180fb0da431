package injector

import (
	"log/slog"
	"strings"

	"github.com/electric-sql/pg-proxy/internal/ddl"
)

// scenario captures how the connected client drives the proxy: which
// protocol it speaks, whether a migration framework is at the wheel, and
// whether it opens transactions explicitly. The machine never branches on
// the scenario name itself (the protocol shape is handled structurally by
// the simple/extended code paths and autocommit statements get an implicit
// transaction regardless) but the inference is kept because it names what
// the traffic looks like in logs, which is what operators grep for when a
// migration tool misbehaves.
type scenario struct {
	inferred   bool
	extended   bool
	leadingSet bool
	framework  bool
	explicitTx bool
}

// name maps the observed capabilities onto the tool families seen in the
// wild: ad-hoc extended-protocol clients, hand-run psql migrations,
// Ecto-style extended-protocol frameworks, Prisma-style simple-protocol
// frameworks that open with SET, and bare autocommit statements.
func (s scenario) name() string {
	switch {
	case !s.inferred:
		return "unknown"
	case s.extended && s.framework:
		return "ecto"
	case s.extended:
		return "adhoc"
	case s.framework && s.leadingSet:
		return "prisma"
	case s.explicitTx:
		return "manual"
	default:
		return "none"
	}
}

// observeStatement feeds one classified client statement into the
// inference. The first statement after a fresh idle state fixes the
// protocol style; a framework marker (the migration-journal insert every
// framework issues) may arrive in any later statement and upgrades the
// scenario when it does.
func (m *Machine) observeStatement(stmt ddl.Statement, extended bool) {
	before := m.scenario.name()

	if !m.scenario.inferred {
		m.scenario.inferred = true
		m.scenario.extended = extended
		m.scenario.leadingSet = strings.HasPrefix(strings.ToUpper(stmt.Raw), "SET")
	}
	if stmt.Kind == ddl.KindTxControl && stmt.TxOp == ddl.TxBegin {
		m.scenario.explicitTx = true
	}
	if isFrameworkMarker(stmt.Raw) {
		m.scenario.framework = true
	}

	if after := m.scenario.name(); after != before {
		m.logger.Debug("scenario inferred", slog.String("scenario", after))
	}
}

// isFrameworkMarker recognizes the journal-table insert migration
// frameworks perform alongside the migration itself.
func isFrameworkMarker(sql string) bool {
	upper := strings.ToUpper(sql)
	return strings.Contains(upper, "SCHEMA_MIGRATIONS") || strings.Contains(upper, "_PRISMA_MIGRATIONS")
}
