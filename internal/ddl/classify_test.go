package ddl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyTxControl(t *testing.T) {
	t.Parallel()

	cases := map[string]TxOp{
		"BEGIN":                     TxBegin,
		"begin":                     TxBegin,
		"START TRANSACTION":         TxBegin,
		"COMMIT":                    TxCommit,
		"END":                       TxCommit,
		"ROLLBACK":                  TxRollback,
		"ABORT":                     TxRollback,
		"  begin  ":                 TxBegin,
	}

	for sql, want := range cases {
		stmt, err := Classify(sql)
		require.NoError(t, err)
		require.Equal(t, KindTxControl, stmt.Kind)
		require.Equal(t, want, stmt.TxOp)
	}
}

func TestClassifyPlainDDL(t *testing.T) {
	t.Parallel()

	stmt, err := Classify("CREATE TABLE foo (id int)")
	require.NoError(t, err)
	require.Equal(t, KindPlainDDL, stmt.Kind)
	require.Equal(t, OpCreateTable, stmt.DDLOp)
	require.Equal(t, "foo", stmt.Table)

	stmt, err = Classify("ALTER TABLE users ADD COLUMN email text")
	require.NoError(t, err)
	require.Equal(t, KindPlainDDL, stmt.Kind)
	require.Equal(t, OpAlterTable, stmt.DDLOp)
	require.Equal(t, "users", stmt.Table)

	stmt, err = Classify("DROP TABLE users")
	require.NoError(t, err)
	require.Equal(t, KindPlainDDL, stmt.Kind)
	require.Equal(t, OpDropTable, stmt.DDLOp)
	require.Equal(t, "users", stmt.Table)
}

func TestClassifyPlainDML(t *testing.T) {
	t.Parallel()

	stmt, err := Classify("INSERT INTO foo (id) VALUES (1)")
	require.NoError(t, err)
	require.Equal(t, KindPlainDML, stmt.Kind)
}

func TestClassifyDDLX(t *testing.T) {
	t.Parallel()

	stmt, err := Classify("ELECTRIC GRANT ALL ON projects TO 'member'")
	require.NoError(t, err)
	require.Equal(t, KindDDLX, stmt.Kind)
	require.Equal(t, "ELECTRIC GRANT ALL ON projects TO 'member'", stmt.DDLXText)
}

func TestClassifyToleratesCommentsAndDollarQuoting(t *testing.T) {
	t.Parallel()

	sql := `
	-- enable replication for this table
	CREATE TABLE foo (id int, note text DEFAULT $tag$unused;semicolon$tag$)
	`
	stmt, err := Classify(sql)
	require.NoError(t, err)
	require.Equal(t, KindPlainDDL, stmt.Kind)
	require.Equal(t, OpCreateTable, stmt.DDLOp)
}

func TestSplitBatchRejectsMixedDDLX(t *testing.T) {
	t.Parallel()

	_, err := SplitBatch("BEGIN; ELECTRIC GRANT ALL ON projects TO 'member'; COMMIT;")
	require.Error(t, err)
}

func TestSplitBatchAllowsPureDDLXBatch(t *testing.T) {
	t.Parallel()

	stmts, err := SplitBatch("ELECTRIC ASSIGN 'admin' TO user1; ELECTRIC GRANT ALL ON projects TO 'member';")
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	require.Equal(t, KindDDLX, stmts[0].Kind)
	require.Equal(t, KindDDLX, stmts[1].Kind)
}
