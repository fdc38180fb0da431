package schema

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/lib/pq/oid"

	"github.com/electric-sql/pg-proxy/internal/pgerror"
)

// ServerChannel is the narrow slice of the server connection the loader
// needs: send one synthetic simple query, then consume the typed reply
// stream until ReadyForQuery. It is satisfied by the injector's server-side
// frame pump so the loader never touches raw bytes itself.
type ServerChannel interface {
	SendQuery(ctx context.Context, sql string) error
	RecvBackend(ctx context.Context) (pgproto3.BackendMessage, error)
}

// introspectionQuery reads pg_attribute/pg_index for the column list and
// primary key, then pg_constraint for the outgoing foreign keys, scoped to
// one relation by name. The two statements travel as one simple-protocol
// Query, so introspection is still exactly one round trip: the reply
// carries two result sets and a single ReadyForQuery.
const introspectionQuery = `
SELECT
    a.attname,
    a.atttypid,
    a.attnotnull,
    a.atthasdef,
    coalesce(k.indisprimary, false) AS is_primary
FROM pg_attribute a
LEFT JOIN pg_index k
    ON k.indrelid = a.attrelid AND a.attnum = ANY(k.indkey) AND k.indisprimary
WHERE a.attrelid = %[1]s::regclass
  AND a.attnum > 0
  AND NOT a.attisdropped
ORDER BY a.attnum;
SELECT
    (SELECT string_agg(a.attname, ',' ORDER BY o.ord)
       FROM unnest(c.conkey) WITH ORDINALITY AS o(attnum, ord)
       JOIN pg_attribute a ON a.attrelid = c.conrelid AND a.attnum = o.attnum),
    c.confrelid::regclass::text,
    (SELECT string_agg(a.attname, ',' ORDER BY o.ord)
       FROM unnest(c.confkey) WITH ORDINALITY AS o(attnum, ord)
       JOIN pg_attribute a ON a.attrelid = c.confrelid AND a.attnum = o.attnum),
    c.confdeltype,
    c.confupdtype
FROM pg_constraint c
WHERE c.conrelid = %[1]s::regclass
  AND c.contype = 'f'
ORDER BY c.conname
`

// Loader introspects table schemas from the upstream server and caches
// results for the lifetime of one transaction. The cache is dropped by the
// injector via Reset when the transaction ends (COMMIT or ROLLBACK); a
// transaction entering the failed state keeps its cache until then.
type Loader struct {
	channel ServerChannel
	logger  *slog.Logger
	cache   map[string]*Schema
}

// NewLoader constructs a Loader bound to a server channel.
func NewLoader(channel ServerChannel, logger *slog.Logger) *Loader {
	return &Loader{channel: channel, logger: logger, cache: make(map[string]*Schema)}
}

// Reset clears the transaction-scoped cache. Called by the injector when a
// transaction ends, whether by COMMIT or ROLLBACK.
func (l *Loader) Reset() {
	l.cache = make(map[string]*Schema)
}

// Introspect returns the Schema for table, fetching it from the server on
// first reference within the current transaction and caching it
// thereafter.
func (l *Loader) Introspect(ctx context.Context, table string) (*Schema, error) {
	if cached, ok := l.cache[table]; ok {
		return cached, nil
	}

	sql := fmt.Sprintf(introspectionQuery, quoteLiteral(table))
	if err := l.channel.SendQuery(ctx, sql); err != nil {
		return nil, pgerror.NewSchemaIntrospectionError(table, err.Error())
	}

	s, err := l.consumeReply(ctx, table)
	if err != nil {
		return nil, err
	}

	l.cache[table] = s
	l.logger.Debug("introspected table", slog.String("table", table), slog.Int("columns", len(s.Columns)))
	return s, nil
}

func (l *Loader) consumeReply(ctx context.Context, table string) (*Schema, error) {
	s := &Schema{Table: table}

	// The reply carries two result sets: columns first, foreign keys
	// second. RowDescription marks the start of each.
	resultSet := 0
	var failure error

	for {
		msg, err := l.channel.RecvBackend(ctx)
		if err != nil {
			return nil, pgerror.NewSchemaIntrospectionError(table, err.Error())
		}

		switch m := msg.(type) {
		case *pgproto3.RowDescription:
			resultSet++
		case *pgproto3.DataRow:
			if resultSet > 1 {
				fk, err := decodeForeignKeyRow(m)
				if err != nil {
					return nil, pgerror.NewSchemaIntrospectionError(table, err.Error())
				}
				s.ForeignKeys = append(s.ForeignKeys, fk)
				continue
			}
			col, isPK, err := decodeRow(m)
			if err != nil {
				return nil, pgerror.NewSchemaIntrospectionError(table, err.Error())
			}
			s.Columns = append(s.Columns, col)
			if isPK {
				s.PrimaryKey = append(s.PrimaryKey, col.Name)
			}
		case *pgproto3.ErrorResponse:
			// The server still closes the reply with ReadyForQuery; keep
			// reading up to it so the stream stays in step.
			if failure == nil {
				failure = pgerror.NewSchemaIntrospectionError(table, m.Message)
			}
		case *pgproto3.CommandComplete:
			// the foreign-key result set and the final ReadyForQuery are
			// still to come; keep reading.
		case *pgproto3.ReadyForQuery:
			if failure != nil {
				return nil, failure
			}
			if len(s.Columns) == 0 {
				return nil, pgerror.NewSchemaIntrospectionError(table, "relation has no columns or does not exist")
			}
			return s, nil
		}
	}
}

func decodeRow(row *pgproto3.DataRow) (Column, bool, error) {
	if len(row.Values) < 5 {
		return Column{}, false, fmt.Errorf("introspection row has %d values, expected 5", len(row.Values))
	}

	typeOid, err := strconv.ParseUint(string(row.Values[1]), 10, 32)
	if err != nil {
		return Column{}, false, fmt.Errorf("parse atttypid: %w", err)
	}

	col := Column{
		Name:    string(row.Values[0]),
		Type:    oid.Oid(typeOid),
		NotNull: string(row.Values[2]) == "t",
		HasDflt: string(row.Values[3]) == "t",
	}
	isPK := string(row.Values[4]) == "t"

	return col, isPK, nil
}

func decodeForeignKeyRow(row *pgproto3.DataRow) (ForeignKey, error) {
	if len(row.Values) < 5 {
		return ForeignKey{}, fmt.Errorf("foreign-key row has %d values, expected 5", len(row.Values))
	}

	return ForeignKey{
		Columns:         strings.Split(string(row.Values[0]), ","),
		ReferencedTable: string(row.Values[1]),
		ReferencedCols:  strings.Split(string(row.Values[2]), ","),
		OnDelete:        referentialAction(string(row.Values[3])),
		OnUpdate:        referentialAction(string(row.Values[4])),
	}, nil
}

// referentialAction expands pg_constraint's single-letter confdeltype/
// confupdtype codes into the DDL spelling.
func referentialAction(code string) string {
	switch code {
	case "r":
		return "RESTRICT"
	case "c":
		return "CASCADE"
	case "n":
		return "SET NULL"
	case "d":
		return "SET DEFAULT"
	default:
		return "NO ACTION"
	}
}

// quoteLiteral renders table as a single-quoted SQL string literal, doubling
// embedded quotes. The value is only ever interpolated into a cast to
// regclass, never executed as identifier SQL.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
