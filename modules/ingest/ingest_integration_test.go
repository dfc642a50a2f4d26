//go:build integration

package ingest_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/iota-uz/sheet-ingest/modules/ingest"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/uploadjob"
	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/pipeline"
	"github.com/iota-uz/sheet-ingest/modules/ingest/infrastructure/persistence"
	"github.com/iota-uz/sheet-ingest/modules/ingest/services"
	"github.com/iota-uz/sheet-ingest/pkg/application"
	"github.com/iota-uz/sheet-ingest/pkg/itf"
	"github.com/iota-uz/sheet-ingest/pkg/jobqueue"
	"github.com/iota-uz/sheet-ingest/pkg/sqlident"
)

const teachSeed = `
sheets:
  - sheet_name: teach
    staging_table: teach_record_raw
    time_range_column: 日期
    time_range_format: "%Y/%m/%d"
`

func writeTeachWorkbook(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "teach.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetName("Sheet1", "teach"))
	rows := [][]any{
		{"日期", "姓名", "上課時數"},
		{"2024/01/05", "Alice", 2},
		{"2024/01/07", "Bob", 1.5},
		{"2024/01/09", "Carol", 3},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("teach", cell, &row))
	}
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

func newEnv(t *testing.T) *itf.TestEnvironment {
	t.Helper()
	dir := t.TempDir()
	publisher, err := jobqueue.NewPostgresPublisher(sqlident.MustParse("ingest_job_queue"))
	require.NoError(t, err)

	env := itf.NewTestContext().
		WithModuleFactory(func(dsn string) application.Module {
			return ingest.NewModule(&ingest.ModuleOptions{
				ConfigIdentity: dsn,
				UploadsDir:     filepath.Join(dir, "uploads"),
				RejectedDir:    filepath.Join(dir, "rejected"),
				Publisher:      publisher,
			})
		}).
		Build(t)

	configs, err := persistence.ParseSeed([]byte(teachSeed), "yaml")
	require.NoError(t, err)
	db, err := persistence.OpenSeederDB(env.DSN)
	require.NoError(t, err)
	defer db.Close()
	n, err := persistence.NewConfigSeeder(db, nil).Sync(env.Ctx, configs)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	return env
}

func TestPipeline_Integration_StagesNormalizesOnce(t *testing.T) {
	env := newEnv(t)
	path := writeTeachWorkbook(t, t.TempDir())
	p := itf.GetService[services.Pipeline](env)

	res, err := p.Run(env.Ctx, services.RunRequest{JobID: "it-1", WorkbookPath: path, Sheet: "teach"})
	require.NoError(t, err)
	require.Equal(t, int64(3), res.StagedRows)
	require.Equal(t, int64(3), res.InsertedCount)
	require.Equal(t, int64(0), res.RejectedRows)

	var count int
	require.NoError(t, env.Pool.QueryRow(env.Ctx, `SELECT count(*) FROM "teach_record_normalized"`).Scan(&count))
	require.Equal(t, 3, count)

	again, err := p.Run(env.Ctx, services.RunRequest{JobID: "it-2", WorkbookPath: path, Sheet: "teach"})
	require.NoError(t, err)
	require.True(t, again.Skipped)
	require.Equal(t, pipeline.SkipDuplicate, again.SkipReason)
}

func TestJobRunner_Integration_EnqueueAndProcess(t *testing.T) {
	env := newEnv(t)
	path := writeTeachWorkbook(t, t.TempDir())
	runner := itf.GetService[services.JobRunner](env)

	enq, err := runner.Enqueue(env.Ctx, services.EnqueueRequest{WorkbookPath: path, OriginalFilename: "teach.xlsx", Sheet: "teach"})
	require.NoError(t, err)

	detail, err := runner.GetJob(env.Ctx, enq.JobID)
	require.NoError(t, err)
	require.Equal(t, uploadjob.StatusQueued, detail.Job.Status)

	_, err = runner.Process(env.Ctx, enq.JobID, services.Payload{WorkbookPath: path, Sheet: "teach"})
	require.NoError(t, err)

	detail, err = runner.GetJob(env.Ctx, enq.JobID)
	require.NoError(t, err)
	require.Equal(t, uploadjob.StatusLoaded, detail.Job.Status)
	require.NotNil(t, detail.Result)
	require.Equal(t, int64(3), detail.Result.SuccessfulRows)

	events, err := runner.ListJobEvents(env.Ctx, enq.JobID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
}
