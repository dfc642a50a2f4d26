package configuration

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/iota-uz/utils/fs"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/sheet-ingest/pkg/logging"
)

const Production = "production"

const (
	QueueBackendPostgres = "postgres"
	QueueBackendRedis    = "redis"
)

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

func LoadEnv(envFiles []string) (int, error) {
	existingFiles := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if fs.FileExists(file) {
			existingFiles = append(existingFiles, file)
		}
	}

	if len(existingFiles) == 0 {
		return 0, nil
	}

	return len(existingFiles), godotenv.Load(existingFiles...)
}

type DatabaseOptions struct {
	Opts     string `env:"-"`
	Name     string `env:"DB_NAME" envDefault:"sheet_ingest"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"10"`
}

func (d *DatabaseOptions) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.Password, d.SSLMode,
	)
}

// Identity is the connection identity without credentials; config caches are keyed by it.
func (d *DatabaseOptions) Identity() string {
	return strings.ToLower(fmt.Sprintf("%s:%s/%s@%s", strings.TrimSpace(d.Host), strings.TrimSpace(d.Port), strings.TrimSpace(d.Name), strings.TrimSpace(d.User)))
}

type OpenTelemetryOptions struct {
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	TempoURL    string `env:"OTEL_TEMPO_URL" envDefault:"localhost:4318"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"sheet-ingest"`
}

type PrometheusOptions struct {
	Enabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"false"`
	Path    string `env:"PROMETHEUS_METRICS_PATH" envDefault:"/debug/prometheus"`
}

type QueueOptions struct {
	Backend string `env:"INGEST_QUEUE_BACKEND" envDefault:"postgres"`
	Name    string `env:"UPLOAD_QUEUE_NAME" envDefault:"sims_uploads"`
	Table   string `env:"INGEST_QUEUE_TABLE" envDefault:"ingest_job_queue"`

	PollInterval    time.Duration `env:"INGEST_QUEUE_POLL_INTERVAL" envDefault:"1s"`
	BatchSize       int           `env:"INGEST_QUEUE_BATCH_SIZE" envDefault:"1"`
	LockTTL         time.Duration `env:"INGEST_QUEUE_LOCK_TTL" envDefault:"30m"`
	MaxAttempts     int           `env:"INGEST_QUEUE_MAX_ATTEMPTS" envDefault:"5"`
	SingleActive    bool          `env:"INGEST_QUEUE_SINGLE_ACTIVE" envDefault:"false"`
	DispatchTimeout time.Duration `env:"INGEST_QUEUE_DISPATCH_TIMEOUT" envDefault:"25m"`

	LastErrorMaxBytes int `env:"INGEST_QUEUE_LAST_ERROR_MAX_BYTES" envDefault:"2048"`

	CleanerEnabled   bool          `env:"INGEST_QUEUE_CLEANER_ENABLED" envDefault:"true"`
	CleanerInterval  time.Duration `env:"INGEST_QUEUE_CLEANER_INTERVAL" envDefault:"1m"`
	CleanerRetention time.Duration `env:"INGEST_QUEUE_CLEANER_RETENTION" envDefault:"168h"`
}

func (q *QueueOptions) Validate() error {
	switch q.Backend {
	case QueueBackendPostgres, QueueBackendRedis:
	default:
		return fmt.Errorf("invalid INGEST_QUEUE_BACKEND=%q (expected postgres|redis)", q.Backend)
	}
	if strings.TrimSpace(q.Name) == "" {
		return fmt.Errorf("UPLOAD_QUEUE_NAME must not be empty")
	}
	if q.MaxAttempts <= 0 {
		return fmt.Errorf("INGEST_QUEUE_MAX_ATTEMPTS must be positive, got %d", q.MaxAttempts)
	}
	return nil
}

type LimitOptions struct {
	MaxFileSizeBytes int64 `env:"UPLOAD_MAX_FILE_SIZE_BYTES" envDefault:"104857600"`
	MaxRows          int64 `env:"UPLOAD_MAX_ROWS" envDefault:"500000"`
}

func (l *LimitOptions) Validate() error {
	if l.MaxFileSizeBytes < 0 {
		return fmt.Errorf("UPLOAD_MAX_FILE_SIZE_BYTES must be non-negative, got %d", l.MaxFileSizeBytes)
	}
	if l.MaxRows < 0 {
		return fmt.Errorf("UPLOAD_MAX_ROWS must be non-negative, got %d", l.MaxRows)
	}
	return nil
}

type HTTPOptions struct {
	CorsOrigins  []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	RealIPHeader string  `env:"REAL_IP_HEADER" envDefault:"X-Real-IP"`
	// UploadRateLimit caps POST /uploads per client IP and minute; 0 disables it.
	UploadRateLimit int64 `env:"UPLOAD_RATE_LIMIT_PER_MINUTE" envDefault:"30"`

	OpsGuardEnabled bool   `env:"OPS_GUARD_ENABLED" envDefault:"true"`
	OpsGuardCIDRs   string `env:"OPS_GUARD_CIDRS" envDefault:"127.0.0.0/8,::1/128"`
	OpsGuardToken   string `env:"OPS_GUARD_TOKEN"`
}

type Configuration struct {
	Database      DatabaseOptions
	OpenTelemetry OpenTelemetryOptions
	Prometheus    PrometheusOptions
	Queue         QueueOptions
	Limits        LimitOptions
	HTTP          HTTPOptions

	RedisURL         string `env:"REDIS_URL"`
	ServerPort       int    `env:"PORT" envDefault:"3200"`
	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	SocketAddress    string `env:"-"`
	UploadsPath      string `env:"UPLOADS_PATH" envDefault:"uploads"`
	RejectedRowsDir  string `env:"REJECTED_ROWS_DIR" envDefault:"uploads/rejected"`
	SheetConfigSeed  string `env:"SHEET_CONFIG_SEED" envDefault:"config/sheet_ingest_config.yaml"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"error"`
	LogPath          string `env:"LOG_PATH" envDefault:""`
	// Looked up on incoming requests; a uuid is generated when absent.
	RequestIDHeader string `env:"REQUEST_ID_HEADER" envDefault:"X-Request-ID"`

	logFile *os.File
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func Use() *Configuration {
	return singleton()
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	return c.parse()
}

func (c *Configuration) parse() error {
	if err := env.Parse(c); err != nil {
		return err
	}
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue configuration error: %w", err)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("limit configuration error: %w", err)
	}
	if c.Queue.Backend == QueueBackendRedis && strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("missing REDIS_URL environment variable; configure Redis before starting workers")
	}

	f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.LogPath)
	if err != nil {
		return err
	}
	c.logFile = f
	c.logger = logger

	c.Database.Opts = c.Database.ConnectionString()
	if c.GoAppEnvironment == Production {
		c.SocketAddress = fmt.Sprintf(":%d", c.ServerPort)
	} else {
		c.SocketAddress = fmt.Sprintf("localhost:%d", c.ServerPort)
	}
	return nil
}

// Unload handles a graceful shutdown.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}
