// Package ddl classifies a raw SQL string into the Statement kinds the
// injector drives its state machine on (component B). Ordinary SQL is
// parsed with the real PostgreSQL grammar via pg_query_go so that comments
// and dollar-quoted strings never trip up classification; the DDLX
// superset is recognized lexically and handed off to package ddlx before
// any attempt is made to run it through pg_query_go (which would simply
// reject it as a syntax error).
package ddl

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v5"

	"github.com/electric-sql/pg-proxy/internal/pgerror"
)

// Kind enumerates the statement classifications the injector acts on.
type Kind int

const (
	// KindTxControl is BEGIN/COMMIT/ROLLBACK (any PostgreSQL synonym).
	KindTxControl Kind = iota
	// KindPlainDML is forwarded unchanged.
	KindPlainDML
	// KindPlainDDL is a CREATE/ALTER/DROP TABLE whose target is not
	// (yet known to be) electrified.
	KindPlainDDL
	// KindDDLX is an `ELECTRIC …` command, handed to package ddlx.
	KindDDLX
)

// TxOp enumerates the transaction-control operations recognized within
// KindTxControl.
type TxOp int

const (
	TxBegin TxOp = iota
	TxCommit
	TxRollback
)

// DDLOp enumerates the plain-DDL operations the injector distinguishes.
type DDLOp int

const (
	OpCreateTable DDLOp = iota
	OpAlterTable
	OpDropTable
	OpOther
)

// Statement is the classification produced for one SQL string.
// Classification is purely lexical: electrified status is not determined
// here, so a KindPlainDDL statement is treated as electrified DDL by the
// injector once it has consulted its electrified-table registry.
type Statement struct {
	Kind Kind

	// Populated for KindTxControl.
	TxOp TxOp

	// Populated for KindPlainDDL.
	Table string
	DDLOp DDLOp

	// Populated for KindDDLX: the raw command text, still unparsed. The
	// DDLX grammar is parsed lazily by package ddlx so that a caller who
	// only needs the Kind (e.g. to decide batch legality) does not pay for
	// a parse it may discard.
	DDLXText string

	// Raw is the original statement text, trimmed of a trailing
	// semicolon, preserved for verbatim forwarding.
	Raw string
}

var txSynonyms = map[string]TxOp{
	"BEGIN":             TxBegin,
	"START TRANSACTION": TxBegin,
	"COMMIT":            TxCommit,
	"END":               TxCommit,
	"ROLLBACK":          TxRollback,
	"ABORT":             TxRollback,
}

// Classify classifies a single SQL statement (no trailing semicolon
// expected, though a trailing one is tolerated).
func Classify(sql string) (Statement, error) {
	raw := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	leading := leadingKeyword(raw)

	if op, ok := txSynonyms[leading]; ok {
		return Statement{Kind: KindTxControl, TxOp: op, Raw: raw}, nil
	}

	// Two-word synonyms ("START TRANSACTION") need the first two keywords;
	// leadingKeyword above only returns the first. Check again using the
	// first two words when the single-word lookup misses.
	if op, ok := txSynonyms[leadingWords(raw, 2)]; ok {
		return Statement{Kind: KindTxControl, TxOp: op, Raw: raw}, nil
	}

	if strings.EqualFold(leading, "ELECTRIC") {
		return Statement{Kind: KindDDLX, DDLXText: raw, Raw: raw}, nil
	}

	tree, err := pg_query.Parse(raw)
	if err != nil {
		return Statement{}, pgerror.WithSeverity(pgerror.WithCode(err, pgSyntaxCode), pgerror.LevelError)
	}

	if len(tree.Stmts) == 0 {
		return Statement{Kind: KindPlainDML, Raw: raw}, nil
	}

	return classifyNode(tree.Stmts[0].Stmt, raw)
}

func classifyNode(node *pg_query.Node, raw string) (Statement, error) {
	switch {
	case node.GetTransactionStmt() != nil:
		stmt := node.GetTransactionStmt()
		switch stmt.Kind {
		case pg_query.TransactionStmtKind_TRANS_STMT_BEGIN, pg_query.TransactionStmtKind_TRANS_STMT_START:
			return Statement{Kind: KindTxControl, TxOp: TxBegin, Raw: raw}, nil
		case pg_query.TransactionStmtKind_TRANS_STMT_COMMIT:
			return Statement{Kind: KindTxControl, TxOp: TxCommit, Raw: raw}, nil
		case pg_query.TransactionStmtKind_TRANS_STMT_ROLLBACK:
			return Statement{Kind: KindTxControl, TxOp: TxRollback, Raw: raw}, nil
		default:
			return Statement{Kind: KindPlainDML, Raw: raw}, nil
		}

	case node.GetCreateStmt() != nil:
		table := node.GetCreateStmt().GetRelation().GetRelname()
		return Statement{Kind: KindPlainDDL, DDLOp: OpCreateTable, Table: table, Raw: raw}, nil

	case node.GetAlterTableStmt() != nil:
		table := node.GetAlterTableStmt().GetRelation().GetRelname()
		return Statement{Kind: KindPlainDDL, DDLOp: OpAlterTable, Table: table, Raw: raw}, nil

	case node.GetDropStmt() != nil:
		drop := node.GetDropStmt()
		if drop.GetRemoveType() != pg_query.ObjectType_OBJECT_TABLE {
			return Statement{Kind: KindPlainDML, Raw: raw}, nil
		}
		return Statement{Kind: KindPlainDDL, DDLOp: OpDropTable, Table: dropTargetName(drop), Raw: raw}, nil

	default:
		return Statement{Kind: KindPlainDML, Raw: raw}, nil
	}
}

// dropTargetName extracts the relation name of the first object in a
// `DROP TABLE a, b, …` statement. A multi-table DROP is classified by its
// first target alone; the other targets are not examined, and nothing
// rejects a multi-table drop.
func dropTargetName(drop *pg_query.DropStmt) string {
	if len(drop.GetObjects()) == 0 {
		return ""
	}

	list := drop.GetObjects()[0].GetList()
	if list == nil {
		return ""
	}

	items := list.GetItems()
	if len(items) == 0 {
		return ""
	}

	return items[len(items)-1].GetString_().GetSval()
}

func leadingKeyword(sql string) string {
	return strings.ToUpper(leadingWords(sql, 1))
}

func leadingWords(sql string, n int) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	if len(fields) < n {
		n = len(fields)
	}
	return strings.ToUpper(strings.Join(fields[:n], " "))
}
