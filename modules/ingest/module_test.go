package ingest

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/sheet-ingest/modules/ingest/infrastructure/storage"
	"github.com/iota-uz/sheet-ingest/modules/ingest/services"
	"github.com/iota-uz/sheet-ingest/pkg/application"
	"github.com/iota-uz/sheet-ingest/pkg/jobqueue"
	"github.com/iota-uz/sheet-ingest/pkg/repo"
)

type nopPublisher struct{}

func (nopPublisher) Enqueue(context.Context, repo.Tx, jobqueue.Message) (int64, error) { return 0, nil }
func (nopPublisher) Transactional() bool { return false }

func newApp() application.Application {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return application.New(&application.ApplicationOptions{Logger: l})
}

func TestModule_Register(t *testing.T) {
	app := newApp()
	err := application.LoadModules(app, NewModule(&ModuleOptions{
		ConfigIdentity: "localhost:5432/sheet_ingest@postgres",
		UploadsDir:     t.TempDir(),
		Publisher:      nopPublisher{},
		Controllers:    true,
	}))
	require.NoError(t, err)

	require.IsType(t, &services.JobRunner{}, app.Service(services.JobRunner{}))
	require.IsType(t, &services.Pipeline{}, app.Service(services.Pipeline{}))
	require.IsType(t, &storage.FileStorage{}, app.Service(storage.FileStorage{}))
	require.Len(t, app.Controllers(), 1)
	require.Equal(t, "/uploads", app.Controllers()[0].Key())
	require.Equal(t, 1, app.EventPublisher().SubscribersCount())
}

func TestModule_RegisterWithoutControllers(t *testing.T) {
	app := newApp()
	require.NoError(t, NewModule(&ModuleOptions{Publisher: nopPublisher{}}).Register(app))
	require.Empty(t, app.Controllers())
}
