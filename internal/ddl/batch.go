package ddl

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v5"

	"github.com/electric-sql/pg-proxy/internal/pgerror"
)

// SplitBatch divides a semicolon-separated simple-query string into
// individual statement texts, tolerant of comments, dollar-quoted strings,
// and semicolons embedded in string literals. It defers to pg_query_go's
// scanner (the real PostgreSQL lexer) rather than a hand-rolled splitter:
// the one place a naive implementation reliably gets wrong is exactly
// dollar-quoting and nested quoting.
//
// Each segment the scanner yields is then classified on its own; the
// scanner only tokenizes, so an ELECTRIC segment splits cleanly even though
// ELECTRIC is not a PostgreSQL keyword. A batch that mixes a DDLX statement with any other statement
// is rejected with MixedBatch.
func SplitBatch(sql string) ([]Statement, error) {
	segments, err := pg_query.SplitWithScanner(sql, false)
	if err != nil {
		return nil, pgerror.WithSeverity(pgerror.WithCode(err, pgSyntaxCode), pgerror.LevelError)
	}

	statements := make([]Statement, 0, len(segments))
	sawDDLX := false
	sawOther := false

	for _, segment := range segments {
		trimmed := strings.TrimSpace(segment)
		if trimmed == "" {
			continue
		}

		stmt, err := Classify(trimmed)
		if err != nil {
			return nil, err
		}

		if stmt.Kind == KindDDLX {
			sawDDLX = true
		} else {
			sawOther = true
		}

		statements = append(statements, stmt)
	}

	if sawDDLX && sawOther {
		return nil, pgerror.NewMixedBatchError(sql)
	}

	return statements, nil
}
