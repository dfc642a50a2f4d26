package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/sheetconfig"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/schema"
	"github.com/iota-uz/sheet-ingest/pkg/composables"
	"github.com/iota-uz/sheet-ingest/pkg/sqlident"
)

type SchemaStore interface {
	Columns(ctx context.Context, table pgx.Identifier) ([]schema.Column, error)
	Apply(ctx context.Context, statements []string) error
}

// TxRunner runs fn inside a fresh transaction bound to the context it receives.
type TxRunner func(ctx context.Context, fn func(context.Context) error) error

type Invalidator interface {
	Invalidate()
}

// StagingLayout describes where each workbook header lands in the staging table.
type StagingLayout struct {
	Table pgx.Identifier
	// Columns is the staged CSV column order: known business columns first,
	// then columns added for this upload.
	Columns []string
	// HeaderColumns[i] is the staging column for header i.
	HeaderColumns []string
	Changes       schema.Changes
}

type SchemaManager struct {
	store       SchemaStore
	runTx       TxRunner
	invalidator Invalidator
	log         *logrus.Entry
}

func NewSchemaManager(store SchemaStore, runTx TxRunner, invalidator Invalidator, log *logrus.Entry) *SchemaManager {
	if runTx == nil {
		runTx = composables.InTx
	}
	return &SchemaManager{
		store:       store,
		runTx:       runTx,
		invalidator: invalidator,
		log:         componentLogger(log, "schema_manager"),
	}
}

func parseTable(name string) (pgx.Identifier, error) {
	ident, err := sqlident.Parse(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrUnsafeIdentifier, err)
	}
	return ident, nil
}

func cleanName(name string) string {
	return sqlident.Sanitize(name, sqlident.NewSet(), "")
}

// EnsureStaging resolves headers against the staging table, creating the table
// or adding columns for unseen headers.
func (m *SchemaManager) EnsureStaging(ctx context.Context, cfg *sheetconfig.Config, headers []string) (*StagingLayout, error) {
	table, err := parseTable(cfg.StagingTable)
	if err != nil {
		return nil, err
	}
	existing, err := m.store.Columns(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrSchema, err)
	}

	meta := sqlident.NewSet(cfg.MetadataColumns...)
	var order []string
	orderSet := sqlident.NewSet()
	appendOrder := func(name string) {
		if name == "" || meta.Has(name) || orderSet.Has(name) {
			return
		}
		orderSet.Add(name)
		order = append(order, name)
	}
	if existing != nil {
		for _, c := range existing {
			appendOrder(c.Name)
		}
	} else {
		for _, r := range cfg.RequiredColumns {
			appendOrder(cleanName(r))
		}
		typed := make([]string, 0, len(cfg.ColumnTypes))
		for k := range cfg.ColumnTypes {
			typed = append(typed, k)
		}
		sort.Strings(typed)
		for _, k := range typed {
			appendOrder(cleanName(k))
		}
	}

	used := sqlident.NewSet(cfg.MetadataColumns...)
	for _, c := range existing {
		used.Add(c.Name)
	}
	for _, c := range order {
		used.Add(c)
	}

	layout := &StagingLayout{Table: table, HeaderColumns: make([]string, len(headers))}
	assigned := sqlident.NewSet()
	var added []string
	for i, h := range headers {
		c := cleanName(h)
		if orderSet.Has(c) && !assigned.Has(c) {
			layout.HeaderColumns[i] = c
			assigned.Add(c)
			continue
		}
		c = sqlident.Sanitize(h, used, "")
		layout.HeaderColumns[i] = c
		assigned.Add(c)
		added = append(added, c)
	}

	var missing []string
	if len(cfg.RequiredColumns) > 0 {
		for _, r := range cfg.RequiredColumns {
			if !assigned.Has(cleanName(r)) {
				missing = append(missing, r)
			}
		}
	} else {
		for _, c := range order {
			if !assigned.Has(c) {
				missing = append(missing, c)
			}
		}
	}
	if len(missing) > 0 {
		return nil, &pipeline.MissingColumnsError{Columns: missing}
	}

	layout.Columns = append(append([]string(nil), order...), added...)

	desired := schema.MetadataColumns(cfg.MetadataColumns)
	for _, c := range layout.Columns {
		desired = append(desired, schema.Column{Name: c})
	}
	overrides := make(map[string]string, len(cfg.ColumnTypes)*2)
	for k, v := range cfg.ColumnTypes {
		overrides[k] = v
		overrides[cleanName(k)] = v
	}

	changes, err := schema.Plan(table, existing, desired, overrides)
	if err != nil {
		return nil, err
	}
	layout.Changes = changes
	if err := m.apply(ctx, table, changes); err != nil {
		return nil, err
	}
	return layout, nil
}

// EnsureNormalized makes the normalized table hold every prepared column.
// Types in prepared.Types are enforced on existing columns too.
func (m *SchemaManager) EnsureNormalized(ctx context.Context, cfg *sheetconfig.Config, prepared *pipeline.Prepared) (schema.Changes, error) {
	if strings.TrimSpace(cfg.NormalizedTable) == "" {
		return schema.Changes{}, fmt.Errorf("%w: sheet %q", pipeline.ErrMissingNormalizedTable, cfg.SheetName)
	}
	table, err := parseTable(cfg.NormalizedTable)
	if err != nil {
		return schema.Changes{}, err
	}
	existing, err := m.store.Columns(ctx, table)
	if err != nil {
		return schema.Changes{}, fmt.Errorf("%w: %v", pipeline.ErrSchema, err)
	}

	metaNames := append([]string{sheetconfig.ColumnID}, prepared.MetadataColumns...)
	meta := sqlident.NewSet(metaNames...)
	desired := schema.MetadataColumns(metaNames)
	for _, c := range prepared.Columns {
		if meta.Has(c) {
			continue
		}
		desired = append(desired, schema.Column{Name: c, Type: prepared.Types[c]})
	}

	changes, err := schema.Plan(table, existing, desired, prepared.Types)
	if err != nil {
		return schema.Changes{}, err
	}
	if err := m.apply(ctx, table, changes); err != nil {
		return schema.Changes{}, err
	}
	return changes, nil
}

func (m *SchemaManager) apply(ctx context.Context, table pgx.Identifier, changes schema.Changes) error {
	if !changes.Changed() {
		return nil
	}
	err := m.runTx(ctx, func(txCtx context.Context) error {
		return m.store.Apply(txCtx, changes.Statements)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrSchema, err)
	}
	m.log.WithFields(logrus.Fields{
		"table":    table.Sanitize(),
		"created":  changes.Created,
		"added":    changes.Added,
		"modified": changes.Modified,
	}).Info("schema updated")
	if m.invalidator != nil {
		m.invalidator.Invalidate()
	}
	return nil
}
