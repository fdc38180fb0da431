// Package permissions implements the proxy's permissions model (component
// E): a pure fold over DDLX Grant/Revoke/Assign/Unassign commands into an
// immutable Rules value, plus commit-time persistence of that value.
package permissions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/electric-sql/pg-proxy/internal/ddlx"
	"github.com/electric-sql/pg-proxy/internal/pgerror"
	"github.com/electric-sql/pg-proxy/internal/schema"
)

// GrantRule is one table- or column-scoped privilege grant to a role.
type GrantRule struct {
	Privilege string
	Scope     ddlx.Scope
	Table     string
	Role      string
	Columns   []string
	Where     string
}

func (g GrantRule) key() string {
	return strings.Join([]string{g.Privilege, g.Table, g.Role, strings.Join(g.Columns, ",")}, "\x1f")
}

// AssignmentRule binds a role expression to a user expression, optionally
// guarded by a predicate.
type AssignmentRule struct {
	RoleExpr string
	UserExpr string
	IfExpr   string
}

func (a AssignmentRule) key() string {
	return strings.Join([]string{a.RoleExpr, a.UserExpr}, "\x1f")
}

// Rules is the full persisted authorization state: the set of grants and
// assignments. It is immutable; Apply always returns a new value.
type Rules struct {
	Grants      []GrantRule
	Assignments []AssignmentRule
}

// Apply folds one DDLX command into rules, returning the resulting Rules.
// table is the introspected shape of cmd's target table (nil for commands
// that do not reference one, Assign/Unassign) and electrified reports
// whether that table is currently registered as electrified. A grant
// needs both: a table that exists and one that has been through
// ELECTRIC ENABLE.
func Apply(rules Rules, cmd ddlx.Command, table *schema.Schema, electrified bool) (Rules, error) {
	switch c := cmd.(type) {
	case ddlx.Grant:
		if table == nil {
			return rules, pgerror.NewPermissionsError(fmt.Sprintf("cannot grant on %q: no such table", c.Table))
		}
		if !electrified {
			return rules, pgerror.NewPermissionsError(fmt.Sprintf("cannot grant on %q: table is not electrified", c.Table))
		}
		for _, col := range c.Columns {
			if !table.HasColumn(col) {
				return rules, pgerror.NewPermissionsError(fmt.Sprintf("cannot grant on %s.%s: no such column", c.Table, col))
			}
		}
		next := rules.clone()
		next.Grants = upsertGrant(next.Grants, GrantRule{
			Privilege: c.Privilege,
			Scope:     c.Scope,
			Table:     c.Table,
			Role:      c.Role,
			Columns:   c.Columns,
			Where:     c.Where,
		})
		return next, nil

	case ddlx.Revoke:
		next := rules.clone()
		match := GrantRule{Privilege: c.Privilege, Table: c.Table, Role: c.Role, Columns: c.Columns}
		next.Grants = removeGrant(next.Grants, match.key())
		return next, nil

	case ddlx.Assign:
		next := rules.clone()
		next.Assignments = upsertAssignment(next.Assignments, AssignmentRule{
			RoleExpr: c.RoleExpr,
			UserExpr: c.UserExpr,
			IfExpr:   c.IfExpr,
		})
		return next, nil

	case ddlx.Unassign:
		next := rules.clone()
		match := AssignmentRule{RoleExpr: c.RoleExpr, UserExpr: c.UserExpr}
		next.Assignments = removeAssignment(next.Assignments, match.key())
		return next, nil

	default:
		// Enable, Disable, SqliteVerbatim never touch Rules.
		return rules, nil
	}
}

func (r Rules) clone() Rules {
	return Rules{
		Grants:      append([]GrantRule(nil), r.Grants...),
		Assignments: append([]AssignmentRule(nil), r.Assignments...),
	}
}

func upsertGrant(grants []GrantRule, g GrantRule) []GrantRule {
	for i, existing := range grants {
		if existing.key() == g.key() {
			grants[i] = g
			return grants
		}
	}
	return append(grants, g)
}

func removeGrant(grants []GrantRule, key string) []GrantRule {
	out := grants[:0]
	for _, g := range grants {
		if g.key() != key {
			out = append(out, g)
		}
	}
	return out
}

func upsertAssignment(assignments []AssignmentRule, a AssignmentRule) []AssignmentRule {
	for i, existing := range assignments {
		if existing.key() == a.key() {
			assignments[i] = a
			return assignments
		}
	}
	return append(assignments, a)
}

func removeAssignment(assignments []AssignmentRule, key string) []AssignmentRule {
	out := assignments[:0]
	for _, a := range assignments {
		if a.key() != key {
			out = append(out, a)
		}
	}
	return out
}

// Persistence format: one record per rule, unit-separator (0x1f) between
// fields and record-separator (0x1e) between records, so WHERE/IF
// expressions can contain any printable text, including newlines, without
// breaking the framing. The first field tags the rule kind.
const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"

	grantTag      = "G"
	assignmentTag = "A"
)

// Encode renders rules as a stable, sorted byte string, so that an inverse
// pair of commands (Grant followed by Revoke, Assign followed by Unassign)
// folds back to byte-identical output, and Decode(Encode(r)) reproduces r.
func (r Rules) Encode() string {
	grants := append([]GrantRule(nil), r.Grants...)
	sort.Slice(grants, func(i, j int) bool { return grants[i].key() < grants[j].key() })

	assignments := append([]AssignmentRule(nil), r.Assignments...)
	sort.Slice(assignments, func(i, j int) bool { return assignments[i].key() < assignments[j].key() })

	var b strings.Builder
	for _, g := range grants {
		b.WriteString(strings.Join([]string{
			grantTag, g.Privilege, g.Table, g.Role, strings.Join(g.Columns, ","), g.Where,
		}, fieldSep))
		b.WriteString(recordSep)
	}
	for _, a := range assignments {
		b.WriteString(strings.Join([]string{assignmentTag, a.RoleExpr, a.UserExpr, a.IfExpr}, fieldSep))
		b.WriteString(recordSep)
	}
	return b.String()
}

// Decode parses a string produced by Encode back into a Rules value, used
// to restore the persisted electric.rules row at session start.
func Decode(encoded string) (Rules, error) {
	var r Rules

	for _, record := range strings.Split(encoded, recordSep) {
		if record == "" {
			continue
		}

		fields := strings.Split(record, fieldSep)
		switch fields[0] {
		case grantTag:
			if len(fields) != 6 {
				return Rules{}, fmt.Errorf("permissions: malformed grant record with %d fields", len(fields))
			}
			g := GrantRule{Privilege: fields[1], Table: fields[2], Role: fields[3], Where: fields[5]}
			if fields[4] != "" {
				g.Scope = ddlx.ScopeColumns
				g.Columns = strings.Split(fields[4], ",")
			}
			r.Grants = append(r.Grants, g)

		case assignmentTag:
			if len(fields) != 4 {
				return Rules{}, fmt.Errorf("permissions: malformed assignment record with %d fields", len(fields))
			}
			r.Assignments = append(r.Assignments, AssignmentRule{
				RoleExpr: fields[1], UserExpr: fields[2], IfExpr: fields[3],
			})

		default:
			return Rules{}, fmt.Errorf("permissions: unrecognized rule kind %q", fields[0])
		}
	}

	return r, nil
}
