package services

import (
	"strings"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/pkg/sqlident"
)

// Normalizer turns staging rows into typed tuples for the normalized table. It
// never touches the database.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// ResolveMappings returns the explicit mappings followed by every staging
// column that is not reserved, not metadata, not already a target and not
// already a source.
func (n *Normalizer) ResolveMappings(cfg *sheetconfig.Config, stagingColumns []string) []sheetconfig.Mapping {
	present := sqlident.NewSet(stagingColumns...)
	targets := sqlident.NewSet()
	sources := sqlident.NewSet()

	var out []sheetconfig.Mapping
	for _, m := range cfg.ColumnMappings {
		if targets.Has(m.Target) {
			continue
		}
		src := m.Source
		if !present.Has(src) {
			if c := cleanName(src); present.Has(c) {
				src = c
			}
		}
		targets.Add(m.Target)
		sources.Add(src)
		out = append(out, sheetconfig.Mapping{Target: m.Target, Source: src})
	}

	reserved := sqlident.NewSet(cfg.ReservedSourceColumns...)
	metadata := sqlident.NewSet(cfg.MetadataColumns...)
	for _, c := range cfg.NormalizedMetadataColumns {
		metadata.Add(c)
	}
	for _, c := range stagingColumns {
		if reserved.Has(c) || metadata.Has(c) || targets.Has(c) || sources.Has(c) {
			continue
		}
		targets.Add(c)
		out = append(out, sheetconfig.Mapping{Target: c, Source: c})
	}
	return out
}

// ColumnType is the declared type of a normalized column, or "" for the default.
func (n *Normalizer) ColumnType(cfg *sheetconfig.Config, m sheetconfig.Mapping) string {
	for _, candidate := range []struct {
		types map[string]string
		key   string
	}{
		{cfg.NormalizedColumnTypeOverrides, m.Target},
		{cfg.ColumnTypes, m.Target},
		{cfg.ColumnTypes, m.Source},
	} {
		if t, ok := candidate.types[candidate.key]; ok && strings.TrimSpace(t) != "" {
			return t
		}
	}
	return ""
}

// Prepare resolves mappings and coerces every row. Rows that fail coercion are
// returned in Rejected with one message per failing column.
func (n *Normalizer) Prepare(cfg *sheetconfig.Config, batch *pipeline.StagingBatch) *pipeline.Prepared {
	mappings := n.ResolveMappings(cfg, batch.Columns)

	seen := sqlident.NewSet()
	var metaCols []string
	for _, c := range cfg.NormalizedMetadataColumns {
		if !seen.Has(c) {
			seen.Add(c)
			metaCols = append(metaCols, c)
		}
	}
	p := &pipeline.Prepared{
		Mappings:        mappings,
		MetadataColumns: metaCols,
		Columns:         append([]string(nil), metaCols...),
		Types:           make(map[string]string),
	}
	business := make([]sheetconfig.Mapping, 0, len(mappings))
	kinds := make([]valueKind, 0, len(mappings))
	for _, m := range mappings {
		if seen.Has(m.Target) {
			continue
		}
		seen.Add(m.Target)
		p.Columns = append(p.Columns, m.Target)
		t := n.ColumnType(cfg, m)
		if t != "" {
			p.Types[m.Target] = t
		}
		business = append(business, m)
		kinds = append(kinds, kindOf(t))
	}

	for _, row := range batch.Rows {
		values := make([]any, 0, len(p.Columns))
		var errs []string
		for _, c := range metaCols {
			v, msg := normalizeMetadata(c, row)
			if msg != "" {
				errs = append(errs, msg)
			}
			values = append(values, v)
		}
		for i, m := range business {
			v, msg := coerce(m.Target, kinds[i], row[m.Source])
			if msg != "" {
				errs = append(errs, msg)
			}
			values = append(values, v)
		}
		if len(errs) > 0 {
			p.Rejected = append(p.Rejected, pipeline.RejectedRow{Data: snapshot(row), Errors: errs})
			continue
		}
		p.Rows = append(p.Rows, values)
	}
	return p
}

func normalizeMetadata(column string, row map[string]any) (any, string) {
	switch column {
	case sheetconfig.ColumnRawID:
		return row[sheetconfig.ColumnID], ""
	case sheetconfig.ColumnSourceYear:
		return coerce(column, kindInteger, row[column])
	case sheetconfig.ColumnIngestedAt:
		return coerce(column, kindTimestamp, row[column])
	}
	if v, ok := row[column].(string); ok && v == "" {
		return nil, ""
	}
	return row[column], ""
}

func snapshot(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
