package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/schema"
)

type countingInvalidator struct{ n int }

func (c *countingInvalidator) Invalidate() { c.n++ }

func TestSchemaManager_EnsureStagingCreatesTable(t *testing.T) {
	store := newMemSchema()
	inv := &countingInvalidator{}
	m := NewSchemaManager(store, directTx, inv, nil)
	cfg := teachConfig()
	cfg.ColumnTypes = map[string]string{"上課時數": "DECIMAL(6,2)"}

	layout, err := m.EnsureStaging(context.Background(), cfg, []string{"日期", "Teacher Name", "上課時數", "Teacher Name"})
	require.NoError(t, err)
	require.Equal(t, []string{"上課時數", "日期", "teacher_name", "teacher_name_1"}, layout.Columns)
	require.Equal(t, []string{"日期", "teacher_name", "上課時數", "teacher_name_1"}, layout.HeaderColumns)
	require.True(t, layout.Changes.Created)
	require.Contains(t, store.statements[0], `"上課時數" DECIMAL(6,2)`)
	require.Equal(t, 1, inv.n)
}

func TestSchemaManager_EnsureStagingReusesColumns(t *testing.T) {
	store := newMemSchema()
	store.columns[`"teach_record_raw"`] = append(
		schema.MetadataColumns([]string{"id", "file_hash", "batch_id", "source_year", "ingested_at", "processed_at"}),
		schema.Column{Name: "日期", Type: "TEXT"},
		schema.Column{Name: "姓名", Type: "TEXT"},
	)
	inv := &countingInvalidator{}
	m := NewSchemaManager(store, directTx, inv, nil)

	layout, err := m.EnsureStaging(context.Background(), teachConfig(), []string{"姓名", "日期"})
	require.NoError(t, err)
	require.Equal(t, []string{"日期", "姓名"}, layout.Columns)
	require.Equal(t, []string{"姓名", "日期"}, layout.HeaderColumns)
	require.False(t, layout.Changes.Changed())
	require.Empty(t, store.statements)
	require.Zero(t, inv.n)

	layout, err = m.EnsureStaging(context.Background(), teachConfig(), []string{"日期", "姓名", "備註"})
	require.NoError(t, err)
	require.Equal(t, []string{"日期", "姓名", "備註"}, layout.Columns)
	require.Equal(t, []string{"備註"}, layout.Changes.Added)
	require.Equal(t, 1, inv.n)
}

func TestSchemaManager_EnsureStagingMissingColumns(t *testing.T) {
	store := newMemSchema()
	store.columns[`"teach_record_raw"`] = []schema.Column{{Name: "id"}, {Name: "日期"}, {Name: "姓名"}}
	m := NewSchemaManager(store, directTx, nil, nil)

	_, err := m.EnsureStaging(context.Background(), teachConfig(), []string{"日期"})
	require.ErrorIs(t, err, pipeline.ErrMissingColumns)
	require.EqualError(t, err, "Missing required column(s): 姓名")
}

func TestSchemaManager_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unsafe table", func(t *testing.T) {
		cfg := teachConfig()
		cfg.StagingTable = "bad table"
		_, err := NewSchemaManager(newMemSchema(), directTx, nil, nil).EnsureStaging(ctx, cfg, []string{"a"})
		require.ErrorIs(t, err, pipeline.ErrUnsafeIdentifier)
	})

	t.Run("unsafe type", func(t *testing.T) {
		cfg := teachConfig()
		cfg.ColumnTypes = map[string]string{"a": "TEXT; DROP TABLE x"}
		_, err := NewSchemaManager(newMemSchema(), directTx, nil, nil).EnsureStaging(ctx, cfg, []string{"a"})
		require.ErrorIs(t, err, pipeline.ErrUnsafeType)
	})

	t.Run("introspection failure", func(t *testing.T) {
		store := newMemSchema()
		store.err = errors.New("connection refused")
		_, err := NewSchemaManager(store, directTx, nil, nil).EnsureStaging(ctx, teachConfig(), []string{"a"})
		require.ErrorIs(t, err, pipeline.ErrSchema)
	})
}

func TestSchemaManager_EnsureNormalized(t *testing.T) {
	store := newMemSchema()
	store.columns[`"teach_record_normalized"`] = []schema.Column{
		{Name: "id", Type: "BIGSERIAL PRIMARY KEY"},
		{Name: "raw_id", Type: "BIGINT NULL"},
		{Name: "日期", Type: "TEXT"},
	}
	m := NewSchemaManager(store, directTx, nil, nil)
	prepared := &pipeline.Prepared{
		MetadataColumns: []string{"raw_id", "file_hash"},
		Columns:         []string{"raw_id", "file_hash", "日期", "上課時數"},
		Types:           map[string]string{"日期": "DATE NULL", "上課時數": "DECIMAL(6,2) NULL"},
	}

	changes, err := m.EnsureNormalized(context.Background(), teachConfig(), prepared)
	require.NoError(t, err)
	require.Equal(t, []string{"file_hash", "上課時數"}, changes.Added)
	require.Equal(t, []string{"日期"}, changes.Modified)
	require.Contains(t, store.statements, `ALTER TABLE "teach_record_normalized" ALTER COLUMN "日期" TYPE date USING "日期"::date`)

	cfg := teachConfig()
	cfg.NormalizedTable = " "
	_, err = m.EnsureNormalized(context.Background(), cfg, prepared)
	require.ErrorIs(t, err, pipeline.ErrMissingNormalizedTable)
}
