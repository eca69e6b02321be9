package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is empty because every field carries a fully-qualified env tag.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App     AppConfig
	Service ServiceConfig
	DB      DBConfig
	Redis   RedisConfig
	JWT     JWTConfig
	Escrow  EscrowConfig
	Square  SquareConfig
	GCP     GCPConfig
	PubSub  PubSubConfig
	Outbox  OutboxConfig
	Cron    CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"FREEFLOW_APP_ENV" required:"true"`
	Port         string `envconfig:"FREEFLOW_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"FREEFLOW_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"FREEFLOW_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"FREEFLOW_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"FREEFLOW_DB_DSN"`
	Driver string `envconfig:"FREEFLOW_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"FREEFLOW_DB_HOST"`
	Port     int    `envconfig:"FREEFLOW_DB_PORT" default:"5432"`
	User     string `envconfig:"FREEFLOW_DB_USER"`
	Password string `envconfig:"FREEFLOW_DB_PASSWORD"`
	Name     string `envconfig:"FREEFLOW_DB_NAME"`
	SSLMode  string `envconfig:"FREEFLOW_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"FREEFLOW_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"FREEFLOW_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"FREEFLOW_DB_CONN_MAX_LIFETIME" default:"30m"`
	ConnMaxIdleTime time.Duration `envconfig:"FREEFLOW_DB_CONN_MAX_IDLE_TIME" default:"5m"`

	AutoMigrate bool `envconfig:"FREEFLOW_DB_AUTO_MIGRATE" default:"false"`
}

// ensureDSN assembles a DSN from discrete fields when one is not supplied.
func (d *DBConfig) ensureDSN() error {
	if d.DSN != "" {
		return nil
	}
	if d.Host == "" || d.User == "" || d.Name == "" {
		return fmt.Errorf("database DSN or host/user/name must be provided")
	}
	d.DSN = fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User),
		url.QueryEscape(d.Password),
		d.Host,
		d.Port,
		d.Name,
		d.SSLMode,
	)
	return nil
}

type RedisConfig struct {
	URL          string        `envconfig:"FREEFLOW_REDIS_URL"`
	Address      string        `envconfig:"FREEFLOW_REDIS_ADDR"`
	Password     string        `envconfig:"FREEFLOW_REDIS_PASSWORD"`
	DB           int           `envconfig:"FREEFLOW_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"FREEFLOW_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"FREEFLOW_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"FREEFLOW_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"FREEFLOW_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"FREEFLOW_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"FREEFLOW_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"FREEFLOW_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"FREEFLOW_JWT_EXPIRATION_MINUTES" default:"60"`
}

// EscrowConfig carries the tunable policy knobs for escrow transactions.
// Both escrow-facing values are creation-time defaults; each transaction may
// override them in its milestone schedule.
type EscrowConfig struct {
	ObjectionWindow     time.Duration `envconfig:"FREEFLOW_ESCROW_OBJECTION_WINDOW" default:"168h"`
	DefaultSplitPercent int           `envconfig:"FREEFLOW_ESCROW_DEFAULT_SPLIT_PERCENT" default:"50"`
	MaxWriteRetries     int           `envconfig:"FREEFLOW_ESCROW_MAX_WRITE_RETRIES" default:"3"`
}

type SquareConfig struct {
	AccessToken   string `envconfig:"FREEFLOW_SQUARE_ACCESS_TOKEN"`
	WebhookSecret string `envconfig:"FREEFLOW_SQUARE_WEBHOOK_SECRET"`
	Env           string `envconfig:"FREEFLOW_SQUARE_ENV" default:"sandbox"`
	LocationID    string `envconfig:"FREEFLOW_SQUARE_LOCATION_ID"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	return strings.TrimSpace(strings.ToLower(s.Env))
}

type GCPConfig struct {
	ProjectID       string `envconfig:"FREEFLOW_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"FREEFLOW_GCP_CREDENTIALS_JSON"`
}

type PubSubConfig struct {
	EscrowTopic string `envconfig:"FREEFLOW_PUBSUB_ESCROW_TOPIC" default:"ff-escrow-events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"FREEFLOW_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"FREEFLOW_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"FREEFLOW_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"FREEFLOW_CRON_INTERVAL" default:"1m"`
	LockTTL  time.Duration `envconfig:"FREEFLOW_CRON_LOCK_TTL" default:"5m"`
}
