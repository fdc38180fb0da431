// Package schema implements the proxy's schema loader (component D):
// synthesizing a catalog introspection query against the upstream server
// and caching the result for the lifetime of one transaction.
package schema

import "github.com/lib/pq/oid"

// Column describes one column of an introspected table.
type Column struct {
	Name    string
	Type    oid.Oid
	NotNull bool
	HasDflt bool
}

// ForeignKey describes one foreign key constraint originating at the
// introspected table: the local columns, the table and columns they
// reference, and the referential actions.
type ForeignKey struct {
	Columns         []string
	ReferencedTable string
	ReferencedCols  []string
	OnDelete        string
	OnUpdate        string
}

// Schema is the shape of one table as fetched from pg_catalog: columns (in
// ordinal position order), primary key column names, and outgoing foreign
// keys. It is immutable once built.
type Schema struct {
	Table       string
	Columns     []Column
	PrimaryKey  []string
	ForeignKeys []ForeignKey
}

// HasColumn reports whether the schema contains a column with the given
// name.
func (s *Schema) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}
