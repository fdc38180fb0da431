package ddlx

import (
	"fmt"
	"strings"
)

// Print renders a Command back into DDLX source text. It is not required to
// reproduce the original byte-for-byte; it must reproduce a string that
// Parse accepts and that parses to an equal Command, which is the round
// trip property the test suite exercises.
func Print(cmd Command) string {
	switch c := cmd.(type) {
	case Enable:
		return fmt.Sprintf("ELECTRIC ENABLE %s", c.Table)
	case Disable:
		return fmt.Sprintf("ELECTRIC DISABLE %s", c.Table)
	case Grant:
		var b strings.Builder
		fmt.Fprintf(&b, "ELECTRIC GRANT %s ON %s", c.Privilege, c.Table)
		if c.Scope == ScopeColumns {
			fmt.Fprintf(&b, " (%s)", strings.Join(c.Columns, ", "))
		}
		fmt.Fprintf(&b, " TO %s", quote(c.Role))
		if c.Where != "" {
			fmt.Fprintf(&b, " WHERE %s", c.Where)
		}
		return b.String()
	case Revoke:
		var b strings.Builder
		fmt.Fprintf(&b, "ELECTRIC REVOKE %s ON %s", c.Privilege, c.Table)
		if c.Scope == ScopeColumns {
			fmt.Fprintf(&b, " (%s)", strings.Join(c.Columns, ", "))
		}
		fmt.Fprintf(&b, " FROM %s", quote(c.Role))
		return b.String()
	case Assign:
		var b strings.Builder
		fmt.Fprintf(&b, "ELECTRIC ASSIGN %s TO %s", quote(c.RoleExpr), c.UserExpr)
		if c.IfExpr != "" {
			fmt.Fprintf(&b, " IF %s", c.IfExpr)
		}
		return b.String()
	case Unassign:
		return fmt.Sprintf("ELECTRIC UNASSIGN %s FROM %s", quote(c.RoleExpr), c.UserExpr)
	case SqliteVerbatim:
		return fmt.Sprintf("ELECTRIC SQLITE %s", c.Body)
	default:
		return ""
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
