// Package itf builds database-backed test environments: a fresh database per
// test, migrated, with modules registered on an application.
package itf

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/sheet-ingest/pkg/application"
	"github.com/iota-uz/sheet-ingest/pkg/composables"
	"github.com/iota-uz/sheet-ingest/pkg/configuration"
)

// TestContext provides a fluent API for building test environments.
type TestContext struct {
	ctx     context.Context
	modules []func(dsn string) application.Module
	dbName  string
}

func NewTestContext() *TestContext {
	return &TestContext{ctx: context.Background()}
}

// WithModules adds modules to register once the database exists.
func (tc *TestContext) WithModules(modules ...application.Module) *TestContext {
	for _, m := range modules {
		tc.modules = append(tc.modules, func(string) application.Module { return m })
	}
	return tc
}

// WithModuleFactory adds a module that needs the test database DSN.
func (tc *TestContext) WithModuleFactory(fn func(dsn string) application.Module) *TestContext {
	tc.modules = append(tc.modules, fn)
	return tc
}

func (tc *TestContext) WithDBName(tb testing.TB, name string) *TestContext {
	tb.Helper()
	if tc.dbName == "" {
		tc.dbName = name
	}
	return tc
}

func (tc *TestContext) Build(tb testing.TB) *TestEnvironment {
	tb.Helper()

	if tc.dbName == "" {
		tc.dbName = tb.Name()
	}
	CreateDB(tc.dbName)
	dsn := DbOpts(tc.dbName)
	pool := NewPool(dsn)
	tb.Cleanup(pool.Close)

	mods := make([]application.Module, 0, len(tc.modules))
	for _, fn := range tc.modules {
		mods = append(mods, fn(dsn))
	}
	app, err := SetupApplication(tc.ctx, pool, dsn, mods...)
	if err != nil {
		tb.Fatal(err)
	}

	ctx := composables.WithPool(tc.ctx, pool)
	ctx = composables.WithLogger(ctx, logrus.NewEntry(configuration.Use().Logger()))
	return &TestEnvironment{
		Ctx:  ctx,
		Pool: pool,
		DSN:  dsn,
		App:  app,
	}
}

// TestEnvironment contains all test dependencies.
type TestEnvironment struct {
	Ctx  context.Context
	Pool *pgxpool.Pool
	DSN  string
	App  application.Application
}

func (te *TestEnvironment) Service(service interface{}) interface{} {
	return te.App.Service(service)
}

// GetService retrieves and casts a registered service.
func GetService[T any](te *TestEnvironment) *T {
	var zero T
	service := te.App.Service(zero)
	if service == nil {
		return nil
	}
	return service.(*T)
}

func (te *TestEnvironment) AssertNoError(tb testing.TB, err error) {
	tb.Helper()
	if err != nil {
		tb.Fatal(err)
	}
}
