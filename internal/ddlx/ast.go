// Package ddlx implements the `ELECTRIC …` SQL-superset grammar:
// lexing, recursive-descent parsing into a typed Command AST, pretty
// printing (for the parse/print round-trip property), and the canonical
// CommandComplete tags the injector and compiler share (component C).
package ddlx

// Command is one parsed `ELECTRIC …` statement.
type Command interface {
	// Tag returns the canonical CommandComplete tag the client sees once
	// this command has been processed, e.g. "ELECTRIC ENABLE".
	Tag() string
	isCommand()
}

// Scope distinguishes a table-scoped grant/assignment from a column-scoped
// one.
type Scope int

const (
	ScopeTable Scope = iota
	ScopeColumns
)

// Enable electrifies a table: the compiler emits the schema-mutating SQL
// (shadow table, capture trigger, electrified-table registry row) for it.
type Enable struct {
	Table string
}

func (Enable) isCommand() {}
func (Enable) Tag() string { return TagEnable }

// Disable de-electrifies a table, the symmetric inverse of Enable.
type Disable struct {
	Table string
}

func (Disable) isCommand() {}
func (Disable) Tag() string { return TagDisable }

// Grant adds a permission rule. Columns is nil for a table-scoped grant.
// Where, if non-empty, is a row-filter SQL expression as written by the
// user (opaque to the permissions model beyond being folded verbatim into
// the resulting Rules value).
type Grant struct {
	Privilege string
	Scope     Scope
	Table     string
	Role      string
	Columns   []string
	Where     string
}

func (Grant) isCommand() {}
func (Grant) Tag() string { return TagGrant }

// Revoke is the inverse of Grant: removes a matching permission rule.
type Revoke struct {
	Privilege string
	Scope     Scope
	Table     string
	Role      string
	Columns   []string
}

func (Revoke) isCommand() {}
func (Revoke) Tag() string { return TagRevoke }

// Assign binds a role to users matching an expression, optionally guarded
// by an `IF` predicate.
type Assign struct {
	Scope    string // table the role grows from, or "" for a global role
	RoleExpr string
	UserExpr string
	IfExpr   string
}

func (Assign) isCommand() {}
func (Assign) Tag() string { return TagAssign }

// Unassign is the inverse of Assign.
type Unassign struct {
	Scope    string
	RoleExpr string
	UserExpr string
}

func (Unassign) isCommand() {}
func (Unassign) Tag() string { return TagUnassign }

// SqliteVerbatim carries SQL to be replayed, unexamined, on downstream
// SQLite replicas. It never reaches the upstream PostgreSQL server.
type SqliteVerbatim struct {
	Body string
}

func (SqliteVerbatim) isCommand() {}
func (SqliteVerbatim) Tag() string { return TagSqlite }
