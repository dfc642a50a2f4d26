package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
)

func testLayout(t *testing.T, columns ...string) *StagingLayout {
	return &StagingLayout{Table: mustTable(t, "teach_record_raw"), Columns: columns, HeaderColumns: columns}
}

func TestStagingLoader_Load(t *testing.T) {
	store := newMemStaging()
	loader := NewStagingLoader(store, directTx, nil)
	year := 2024
	at := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

	out, err := loader.Load(context.Background(), testLayout(t, "日期", "姓名"),
		strings.NewReader("日期,姓名\n2024/01/05,Alice\n2024/01/06\n"),
		LoadMeta{FileHash: "h1", BatchID: "b1", SourceYear: &year, IngestedAt: at})
	require.NoError(t, err)
	require.Equal(t, int64(2), out.Rows)
	require.Equal(t, "b1", out.BatchID)
	require.False(t, out.Duplicate)
	require.Equal(t, []string{"h1"}, store.locks)

	rows := store.tables[`"teach_record_raw"`].rows
	require.Len(t, rows, 2)
	require.Equal(t, "Alice", rows[0]["姓名"])
	require.Nil(t, rows[1]["姓名"])
	require.Equal(t, "h1", rows[1]["file_hash"])
	require.Equal(t, "b1", rows[1]["batch_id"])
	require.Equal(t, "2024", rows[1]["source_year"])
	require.Equal(t, "2024-02-01T08:00:00Z", rows[1]["ingested_at"])
}

func TestStagingLoader_GeneratesBatchID(t *testing.T) {
	loader := NewStagingLoader(newMemStaging(), directTx, nil)
	out, err := loader.Load(context.Background(), testLayout(t, "a"), strings.NewReader("a\n1\n"), LoadMeta{FileHash: "h"})
	require.NoError(t, err)
	require.Len(t, out.BatchID, 36)
}

func TestStagingLoader_Duplicate(t *testing.T) {
	store := newMemStaging()
	loader := NewStagingLoader(store, directTx, nil)
	ctx := context.Background()

	_, err := loader.Load(ctx, testLayout(t, "a"), strings.NewReader("a\n1\n"), LoadMeta{FileHash: "h"})
	require.NoError(t, err)
	out, err := loader.Load(ctx, testLayout(t, "a"), strings.NewReader("a\n1\n"), LoadMeta{FileHash: "h"})
	require.NoError(t, err)
	require.True(t, out.Duplicate)
	require.Zero(t, out.Rows)
	require.Equal(t, 1, store.loads)
}

func TestStagingLoader_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("header mismatch", func(t *testing.T) {
		loader := NewStagingLoader(newMemStaging(), directTx, nil)
		_, err := loader.Load(ctx, testLayout(t, "a", "b"), strings.NewReader("b,a\n1,2\n"), LoadMeta{FileHash: "h"})
		require.ErrorIs(t, err, pipeline.ErrHeaderMismatch)
	})

	t.Run("empty file", func(t *testing.T) {
		loader := NewStagingLoader(newMemStaging(), directTx, nil)
		_, err := loader.Load(ctx, testLayout(t, "a"), strings.NewReader("a\n"), LoadMeta{FileHash: "h"})
		require.ErrorIs(t, err, pipeline.ErrEmptyLoad)
	})

	t.Run("bulk load disabled", func(t *testing.T) {
		store := newMemStaging()
		store.bulkDisabled = true
		loader := NewStagingLoader(store, directTx, nil)
		_, err := loader.Load(ctx, testLayout(t, "a"), strings.NewReader("a\n1\n"), LoadMeta{FileHash: "h"})
		require.ErrorIs(t, err, pipeline.ErrLocalLoadDisabled)
		require.Zero(t, store.loads)
	})
}

func TestDedupGate(t *testing.T) {
	store := newMemStaging()
	gate := NewDedupGate(store)
	ctx := context.Background()
	table := mustTable(t, "teach_record_raw")

	seen, err := gate.Seen(ctx, table, "h")
	require.NoError(t, err)
	require.False(t, seen)

	_, err = NewStagingLoader(store, directTx, nil).Load(ctx, testLayout(t, "a"), strings.NewReader("a\n1\n"), LoadMeta{FileHash: "h"})
	require.NoError(t, err)
	seen, err = gate.Seen(ctx, table, "h")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestHash(t *testing.T) {
	const sum = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	require.Equal(t, sum, HashBytes([]byte("hello")))
	got, err := HashReader(strings.NewReader("hello"))
	require.NoError(t, err)
	require.Equal(t, sum, got)
}
