package ingest

import (
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/sheet-ingest/modules/ingest/domain/entities/uploadjob"
	"github.com/iota-uz/sheet-ingest/modules/ingest/infrastructure/persistence"
	"github.com/iota-uz/sheet-ingest/modules/ingest/infrastructure/storage"
	"github.com/iota-uz/sheet-ingest/modules/ingest/infrastructure/workbook"
	"github.com/iota-uz/sheet-ingest/modules/ingest/presentation/controllers"
	"github.com/iota-uz/sheet-ingest/modules/ingest/services"
	"github.com/iota-uz/sheet-ingest/pkg/application"
	"github.com/iota-uz/sheet-ingest/pkg/jobqueue"
)

type ModuleOptions struct {
	// ConfigIdentity keys the shared sheet config cache, normally the database identity.
	ConfigIdentity string
	ConfigCache    *services.ConfigCache
	UploadsDir     string
	RejectedDir    string
	Limits         services.Limits
	Publisher      jobqueue.Publisher
	// Controllers registers the HTTP API; CLI commands leave it off.
	Controllers     bool
	UploadRateLimit int64
}

func NewModule(opts *ModuleOptions) application.Module {
	return &Module{opts: opts}
}

type Module struct {
	opts *ModuleOptions
}

func (m *Module) Register(app application.Application) error {
	log := app.Logger().WithField("module", m.Name())
	if m.opts.ConfigCache == nil {
		m.opts.ConfigCache = services.NewConfigCache()
	}

	jobs := persistence.NewUploadJobRepository()
	reader := workbook.NewReader()
	files := storage.NewFileStorage(m.opts.UploadsDir)
	resolver := services.NewConfigResolver(persistence.NewSheetConfigRepository(), m.opts.ConfigIdentity, m.opts.ConfigCache, log)
	pipeline := services.NewPipeline(services.PipelineDeps{
		Resolver:   resolver,
		Schema:     services.NewSchemaManager(persistence.NewSchemaRepository(), nil, resolver, log),
		Staging:    persistence.NewStagingRepository(),
		Normalized: persistence.NewNormalizedRepository(),
		Overlaps:   persistence.NewOverlapRepository(),
		Workbooks:  reader,
		Validator:  services.NewValidator(m.opts.RejectedDir, log),
		Log:        log,
	})
	runner := services.NewJobRunner(services.JobRunnerDeps{
		Jobs:      jobs,
		Pipeline:  pipeline,
		Publisher: m.opts.Publisher,
		Workbooks: reader,
		EventBus:  app.EventPublisher(),
		Limits:    m.opts.Limits,
		Log:       log,
	})

	app.EventPublisher().Subscribe(func(ev *uploadjob.StatusChanged) {
		log.WithFields(logrus.Fields{
			"job_id": ev.JobID,
			"status": ev.Status,
		}).Info(ev.Message)
	})

	app.RegisterServices(resolver, pipeline, runner, files, reader)

	if m.opts.Controllers {
		app.RegisterControllers(
			controllers.NewUploadController(app, controllers.UploadControllerOptions{
				MaxBodyBytes: m.opts.Limits.MaxFileSizeBytes,
				RateLimit:    m.opts.UploadRateLimit,
			}),
		)
	}
	return nil
}

func (m *Module) Name() string {
	return "ingest"
}
