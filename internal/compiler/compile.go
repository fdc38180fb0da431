// Package compiler turns a parsed ddlx.Command plus its table's
// introspected Schema into zero or one upstream SQL statements.
package compiler

import (
	"fmt"
	"strings"

	"github.com/electric-sql/pg-proxy/internal/ddlx"
	"github.com/electric-sql/pg-proxy/internal/pgerror"
	"github.com/electric-sql/pg-proxy/internal/schema"
)

// Statement is one upstream SQL statement the injector must send to the
// server as part of processing a DDLX command.
type Statement struct {
	SQL string
}

// Compile turns cmd into the upstream SQL statements it requires. table is
// the introspected schema of cmd's target table where one applies; only
// Enable reads it, and it may be nil for every other command.
//
// Enable and Disable each emit exactly one statement. Every other command
// emits none; their effect lives entirely in the Rules fold (package
// permissions) or, for SqliteVerbatim, in the captured body forwarded to
// downstream SQLite replicas rather than to PostgreSQL at all.
func Compile(cmd ddlx.Command, table *schema.Schema) ([]Statement, error) {
	switch c := cmd.(type) {
	case ddlx.Enable:
		if table == nil {
			return nil, pgerror.NewSchemaIntrospectionError(c.Table, "cannot electrify a table that does not exist")
		}
		return []Statement{{SQL: enableSQL(c.Table, table)}}, nil

	case ddlx.Disable:
		return []Statement{{SQL: disableSQL(c.Table)}}, nil

	case ddlx.Grant, ddlx.Revoke, ddlx.Assign, ddlx.Unassign, ddlx.SqliteVerbatim:
		return nil, nil

	default:
		return nil, fmt.Errorf("compiler: unrecognized DDLX command %T", cmd)
	}
}

// enableSQL renders the electrification DDL as one wire-level statement:
// several clauses joined with semicolons inside a single simple-query
// string, which the upstream executes as one Query round trip.
func enableSQL(table string, s *schema.Schema) string {
	shadow := fmt.Sprintf("electric_shadow__%s", table)

	var cols []string
	for _, c := range s.Columns {
		cols = append(cols, c.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (LIKE %s INCLUDING ALL); ", shadow, table)
	fmt.Fprintf(&b, "CREATE TRIGGER electric_trigger__%s AFTER INSERT OR UPDATE OR DELETE ON %s "+
		"FOR EACH ROW EXECUTE FUNCTION electric.capture_change('%s'); ", table, table, strings.Join(cols, ","))
	fmt.Fprintf(&b, "INSERT INTO electric.electrified_tables (table_name) VALUES ('%s') ON CONFLICT DO NOTHING;", table)

	return b.String()
}

// disableSQL is the symmetric inverse of enableSQL: drop the capture
// trigger, the shadow table, and the electrified_tables registration.
func disableSQL(table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DROP TRIGGER IF EXISTS electric_trigger__%s ON %s; ", table, table)
	fmt.Fprintf(&b, "DROP TABLE IF EXISTS electric_shadow__%s; ", table)
	fmt.Fprintf(&b, "DELETE FROM electric.electrified_tables WHERE table_name = '%s';", table)

	return b.String()
}
