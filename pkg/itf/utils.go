package itf

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/iota-uz/sheet-ingest/migrations"
	"github.com/iota-uz/sheet-ingest/pkg/application"
	"github.com/iota-uz/sheet-ingest/pkg/configuration"
	"github.com/iota-uz/sheet-ingest/pkg/eventbus"
)

// PostgreSQL truncates identifiers past 63 bytes.
const (
	maxDBNameLength  = 63
	hashSuffixLength = 9
)

var dbNameReplacer = strings.NewReplacer("/", "_", " ", "_", "-", "_", ".", "_", "(", "_", ")", "_", "[", "_", "]", "_")

func NewPool(dbOpts string) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	config, err := pgxpool.ParseConfig(dbOpts)
	if err != nil {
		panic(err)
	}
	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		panic(fmt.Errorf("failed to create database pool: %w", err))
	}
	return pool
}

// DatabaseManager owns a per-test database and closes its pool on cleanup.
type DatabaseManager struct {
	pool   *pgxpool.Pool
	dbName string
}

func NewDatabaseManager(t *testing.T) *DatabaseManager {
	t.Helper()

	dbName := t.Name()
	CreateDB(dbName)
	dm := &DatabaseManager{
		pool:   NewPool(DbOpts(dbName)),
		dbName: dbName,
	}
	t.Cleanup(dm.Close)
	return dm
}

func (dm *DatabaseManager) Pool() *pgxpool.Pool {
	return dm.pool
}

func (dm *DatabaseManager) Close() {
	if dm.pool != nil {
		dm.pool.Close()
		dm.pool = nil
	}
}

// sanitizeDBName lowercases a test name into a database name, hashing the
// tail away when it exceeds the identifier limit.
func sanitizeDBName(name string) string {
	sanitized := dbNameReplacer.Replace(strings.ToLower(name))
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		sanitized = "test_db"
	}
	if len(sanitized) <= maxDBNameLength {
		return sanitized
	}

	sum := sha256.Sum256([]byte(name))
	keep := maxDBNameLength - hashSuffixLength
	return fmt.Sprintf("%s_%x", strings.TrimRight(sanitized[:keep], "_"), sum[:4])
}

func adminDSN(c *configuration.Configuration) string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=postgres password=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.SSLMode,
	)
}

// CreateDB drops and recreates the database for a test name.
func CreateDB(name string) {
	sanitizedName := sanitizeDBName(name)

	db, err := sql.Open("postgres", adminDSN(configuration.Use()))
	if err != nil {
		panic(err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("[WARNING] Error closing CreateDB connection: %v", err)
		}
	}()
	if _, err := db.ExecContext(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s", sanitizedName)); err != nil {
		panic(err)
	}
	if _, err := db.ExecContext(context.Background(), fmt.Sprintf("CREATE DATABASE %s", sanitizedName)); err != nil {
		panic(err)
	}
}

func DbOpts(name string) string {
	c := configuration.Use()
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User, sanitizeDBName(name), c.Database.Password, c.Database.SSLMode,
	)
}

// Migrate applies the embedded migrations to the database behind dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := migrations.Open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = migrations.Up(ctx, db)
	return err
}

// SetupApplication migrates the database and registers mods on a new application.
func SetupApplication(ctx context.Context, pool *pgxpool.Pool, dsn string, mods ...application.Module) (application.Application, error) {
	if err := Migrate(ctx, dsn); err != nil {
		return nil, err
	}
	conf := configuration.Use()
	app := application.New(&application.ApplicationOptions{
		Pool:     pool,
		EventBus: eventbus.NewEventPublisher(conf.Logger()),
		Logger:   conf.Logger(),
	})
	if err := application.LoadModules(app, mods...); err != nil {
		return nil, err
	}
	return app, nil
}
