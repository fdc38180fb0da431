package ddlx

// Canonical CommandComplete tags, collected in one place so the parser,
// compiler and injector never each carry their own copy. The injector
// writes these verbatim into the CommandComplete frame it synthesizes for
// a processed DDLX command.
const (
	TagEnable   = "ELECTRIC ENABLE"
	TagDisable  = "ELECTRIC DISABLE"
	TagGrant    = "ELECTRIC GRANT"
	TagRevoke   = "ELECTRIC REVOKE"
	TagAssign   = "ELECTRIC ASSIGN"
	TagUnassign = "ELECTRIC UNASSIGN"
	TagSqlite   = "ELECTRIC SQLITE"
)
