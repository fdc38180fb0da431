package ddl

import "github.com/electric-sql/pg-proxy/internal/pgerror/codes"

// pgSyntaxCode is returned to the client when pg_query_go rejects a
// statement outright: a real PostgreSQL syntax error, not a DDLX parse
// failure (those carry codes.Syntax via pgerror.NewParseError instead).
var pgSyntaxCode = codes.Syntax
