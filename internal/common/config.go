package common

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	Ledger    LedgerConfig    `envPrefix:"LEDGER_"`
	Source    SourceConfig    `envPrefix:"SOURCE_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	S3        S3Config        `envPrefix:"S3_"`
	Export    ExportConfig    `envPrefix:"EXPORT_"`
	Retention RetentionConfig `envPrefix:"RETENTION_"`
	Server    ServerConfig
}

// LedgerConfig configures the export job store.
type LedgerConfig struct {
	// Driver selects the ledger backend: "postgres" or "sqlite".
	Driver string `env:"DRIVER" envDefault:"postgres"`
	DSN    string `env:"DSN"`
	// SQLitePath is used when Driver is "sqlite".
	SQLitePath      string        `env:"SQLITE_PATH" envDefault:"exportd.db"`
	MaxConns        int32         `env:"MAX_CONNS" envDefault:"10"`
	MinConns        int32         `env:"MIN_CONNS" envDefault:"2"`
	MaxConnLifetime time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"30m"`
	MaxConnIdleTime time.Duration `env:"MAX_CONN_IDLE_TIME" envDefault:"5m"`
	HealthTimeout   time.Duration `env:"HEALTH_TIMEOUT" envDefault:"3s"`
}

// SourceConfig configures the read-only transactional store being exported.
type SourceConfig struct {
	DSN      string `env:"DSN"`
	MaxConns int32  `env:"MAX_CONNS" envDefault:"5"`
}

// RedisConfig configures the job queue broker.
type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// S3Config configures the artifact object store.
type S3Config struct {
	Region string `env:"REGION" envDefault:"us-east-1"`
	Bucket string `env:"BUCKET" envDefault:"statement-exports"`
	// Endpoint overrides the AWS endpoint (MinIO and friends).
	Endpoint       string        `env:"ENDPOINT"`
	AccessKeyID    string        `env:"ACCESS_KEY_ID"`
	SecretKey      string        `env:"SECRET_ACCESS_KEY"`
	ForcePathStyle bool          `env:"FORCE_PATH_STYLE"`
	PresignExpiry  time.Duration `env:"PRESIGN_EXPIRY" envDefault:"24h"`
}

// ExportConfig tunes the export pipeline.
type ExportConfig struct {
	ChunkSize       int           `env:"CHUNK_SIZE" envDefault:"10000"`
	MaxRetries      int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay  time.Duration `env:"RETRY_BASE_DELAY" envDefault:"60s"`
	RetryMaxDelay   time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5m"`
	JobTimeout      time.Duration `env:"JOB_TIMEOUT" envDefault:"30m"`
	UploadThreshold int64         `env:"UPLOAD_THRESHOLD" envDefault:"104857600"`
	UploadPartSize  int64         `env:"UPLOAD_PART_SIZE" envDefault:"104857600"`
	Workers         int           `env:"WORKERS" envDefault:"4"`
	// XLSXRowLimit caps buffered XLSX exports; larger results must use CSV.
	XLSXRowLimit int64  `env:"XLSX_ROW_LIMIT" envDefault:"1000000"`
	TempDir      string `env:"TEMP_DIR"`
}

// RetentionConfig tunes the cleanup sweep.
type RetentionConfig struct {
	Window        time.Duration `env:"WINDOW" envDefault:"720h"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"500"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	// APIKeys maps raw API keys to caller labels, e.g.
	// API_KEYS="k1:analytics,k2:finance".
	APIKeys map[string]string `env:"API_KEYS" envKeyValSeparator:":"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, WrapError(err, "parse environment")
	}
	return &c, nil
}

// Validate checks configuration needed by every binary.
func (c *Config) Validate() error {
	if c.Ledger.Driver != "postgres" && c.Ledger.Driver != "sqlite" {
		return NewAppError("CONFIG_ERROR", "LEDGER_DRIVER must be postgres or sqlite", ErrInvalidInput)
	}
	if c.Ledger.Driver == "postgres" && c.Ledger.DSN == "" {
		return NewAppError("CONFIG_ERROR", "LEDGER_DSN is required", ErrInvalidInput)
	}
	if c.Source.DSN == "" {
		return NewAppError("CONFIG_ERROR", "SOURCE_DSN is required", ErrInvalidInput)
	}
	if c.Export.UploadPartSize < 5*1024*1024 {
		return NewAppError("CONFIG_ERROR", "EXPORT_UPLOAD_PART_SIZE below the 5MB S3 minimum", ErrInvalidInput)
	}
	return nil
}
