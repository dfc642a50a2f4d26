// Package schema plans the DDL that keeps staging and normalized tables in step
// with incoming headers. It never talks to the database.
package schema

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/pkg/sqlident"
)

type Column struct {
	Name string
	Type string
	// Index requests a btree index when the table is created.
	Index bool
}

// Changes is the outcome of Plan. Statements run in order inside one transaction.
type Changes struct {
	Created    bool
	Added      []string
	Modified   []string
	Statements []string
}

func (c Changes) Changed() bool {
	return len(c.Statements) > 0
}

var metadataTypes = map[string]Column{
	sheetconfig.ColumnID:          {Type: "BIGSERIAL PRIMARY KEY"},
	sheetconfig.ColumnRawID:       {Type: "BIGINT NULL", Index: true},
	sheetconfig.ColumnFileHash:    {Type: "VARCHAR(64) NOT NULL", Index: true},
	sheetconfig.ColumnBatchID:     {Type: "VARCHAR(64) NULL"},
	sheetconfig.ColumnSourceYear:  {Type: "INTEGER NULL"},
	sheetconfig.ColumnIngestedAt:  {Type: "TIMESTAMPTZ NOT NULL"},
	sheetconfig.ColumnProcessedAt: {Type: "TIMESTAMPTZ NULL"},
}

// MetadataColumns returns column definitions for names, with defaults for the
// well-known bookkeeping columns and DefaultColumnType for anything else.
func MetadataColumns(names []string) []Column {
	out := make([]Column, 0, len(names))
	for _, n := range names {
		c, ok := metadataTypes[n]
		if !ok {
			c = Column{Type: DefaultColumnType}
		}
		c.Name = n
		out = append(out, c)
	}
	return out
}

// Plan diffs existing against desired. A nil existing slice means the table is
// missing and a CREATE TABLE is planned. Overrides replace the desired type of
// the named columns; an existing column whose stored type differs from its
// override is altered in place.
func Plan(table pgx.Identifier, existing []Column, desired []Column, overrides map[string]string) (Changes, error) {
	var ch Changes
	if len(table) == 0 {
		return ch, fmt.Errorf("%w: empty table name", pipeline.ErrUnsafeIdentifier)
	}
	quotedTable := table.Sanitize()

	typeOf := func(c Column) (string, error) {
		t := c.Type
		if o, ok := overrides[c.Name]; ok && strings.TrimSpace(o) != "" {
			t = o
		}
		if strings.TrimSpace(t) == "" {
			t = DefaultColumnType
		}
		t = strings.TrimSpace(t)
		if !ValidType(t) {
			return "", fmt.Errorf("%w: %q for column %q", pipeline.ErrUnsafeType, t, c.Name)
		}
		return t, nil
	}

	if existing == nil {
		defs := make([]string, 0, len(desired))
		seen := sqlident.NewSet()
		var indexes []string
		for _, c := range desired {
			if seen.Has(c.Name) {
				continue
			}
			seen.Add(c.Name)
			t, err := typeOf(c)
			if err != nil {
				return Changes{}, err
			}
			defs = append(defs, sqlident.Quote(c.Name)+" "+t)
			if c.Index {
				indexes = append(indexes, c.Name)
			}
		}
		ch.Created = true
		ch.Statements = append(ch.Statements, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quotedTable, strings.Join(defs, ", ")))
		for _, col := range indexes {
			ch.Statements = append(ch.Statements, fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
				sqlident.Quote(indexName(table, col)), quotedTable, sqlident.Quote(col),
			))
		}
		return ch, nil
	}

	current := make(map[string]Column, len(existing))
	for _, c := range existing {
		current[c.Name] = c
	}

	for _, c := range desired {
		have, ok := current[c.Name]
		if !ok {
			t, err := typeOf(c)
			if err != nil {
				return Changes{}, err
			}
			t = nullable(t)
			ch.Added = append(ch.Added, c.Name)
			ch.Statements = append(ch.Statements, fmt.Sprintf(
				"ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", quotedTable, sqlident.Quote(c.Name), t,
			))
			current[c.Name] = Column{Name: c.Name, Type: t}
			continue
		}

		override, ok := overrides[c.Name]
		if !ok || strings.TrimSpace(override) == "" {
			continue
		}
		if !ValidType(override) {
			return Changes{}, fmt.Errorf("%w: %q for column %q", pipeline.ErrUnsafeType, override, c.Name)
		}
		want, got := ParseType(override), ParseType(have.Type)
		if want.Equal(got) {
			continue
		}
		col := sqlident.Quote(c.Name)
		if want.Base != got.Base {
			ch.Statements = append(ch.Statements, fmt.Sprintf(
				"ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s", quotedTable, col, want.Base, col, want.Base,
			))
		}
		if want.NotNull != got.NotNull {
			action := "DROP NOT NULL"
			if want.NotNull {
				action = "SET NOT NULL"
			}
			ch.Statements = append(ch.Statements, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s", quotedTable, col, action))
		}
		ch.Modified = append(ch.Modified, c.Name)
	}
	return ch, nil
}

// nullable strips NOT NULL and key constraints from t. Existing rows have no
// value for an added column.
func nullable(t string) string {
	p := ParseType(t)
	if !p.NotNull {
		return t
	}
	return strings.ToUpper(p.Base) + " NULL"
}

func indexName(table pgx.Identifier, column string) string {
	name := table[len(table)-1] + "_" + column + "_idx"
	if len(name) <= sqlident.MaxLength {
		return name
	}
	return sqlident.Sanitize(name, sqlident.NewSet(), "idx")
}
