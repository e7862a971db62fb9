package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix  = ""
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App       AppConfig
	Service   ServiceConfig
	DB        DBConfig
	Redis     RedisConfig
	Stream    StreamConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig
	Fraud     FraudConfig
	Rules     RulesConfig
	Chain     ChainConfig
	Monitor   MonitorConfig
	Alerts    AlertsConfig
	GCP       GCPConfig
	Cron      CronConfig
	Retention RetentionConfig
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
	Env          string `envconfig:"BADGEKEEP_APP_ENV" required:"true"`
	Port         string `envconfig:"BADGEKEEP_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"BADGEKEEP_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"BADGEKEEP_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"BADGEKEEP_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"BADGEKEEP_DB_DSN"`
	Driver string `envconfig:"BADGEKEEP_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"BADGEKEEP_DB_HOST"`
	Port     int    `envconfig:"BADGEKEEP_DB_PORT" default:"5432"`
	User     string `envconfig:"BADGEKEEP_DB_USER"`
	Password string `envconfig:"BADGEKEEP_DB_PASSWORD"`
	Name     string `envconfig:"BADGEKEEP_DB_NAME"`
	SSLMode  string `envconfig:"BADGEKEEP_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"BADGEKEEP_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BADGEKEEP_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BADGEKEEP_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BADGEKEEP_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	AutoMigrate bool `envconfig:"BADGEKEEP_DB_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}
	if strings.EqualFold(db.Driver, "sqlite") {
		return fmt.Errorf("sqlite driver requires BADGEKEEP_DB_DSN (file path)")
	}
	if db.Host == "" || db.User == "" || db.Name == "" {
		return fmt.Errorf("database DSN or host/user/name are required")
	}
	db.DSN = fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(db.User),
		url.QueryEscape(db.Password),
		db.Host,
		db.Port,
		db.Name,
		db.SSLMode,
	)
	return nil
}

type RedisConfig struct {
	URL          string        `envconfig:"BADGEKEEP_REDIS_URL" required:"true"`
	Address      string        `envconfig:"BADGEKEEP_REDIS_ADDR"`
	Password     string        `envconfig:"BADGEKEEP_REDIS_PASSWORD"`
	DB           int           `envconfig:"BADGEKEEP_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"BADGEKEEP_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BADGEKEEP_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BADGEKEEP_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BADGEKEEP_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BADGEKEEP_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type StreamConfig struct {
	Key           string        `envconfig:"BADGEKEEP_STREAM_KEY" default:"bk:activity"`
	Group         string        `envconfig:"BADGEKEEP_STREAM_GROUP" default:"badgekeep-workers"`
	MaxLen        int64         `envconfig:"BADGEKEEP_STREAM_MAX_LEN" default:"1000000"`
	ReadBatch     int64         `envconfig:"BADGEKEEP_STREAM_READ_BATCH" default:"16"`
	ReadBlock     time.Duration `envconfig:"BADGEKEEP_STREAM_READ_BLOCK" default:"5s"`
	ReclaimIdle   time.Duration `envconfig:"BADGEKEEP_STREAM_RECLAIM_IDLE" default:"5m"`
	ReclaimBatch  int64         `envconfig:"BADGEKEEP_STREAM_RECLAIM_BATCH" default:"50"`
	MaxDeliveries int64         `envconfig:"BADGEKEEP_STREAM_MAX_DELIVERIES" default:"5"`
}

type WorkerConfig struct {
	Consumer       string        `envconfig:"BADGEKEEP_WORKER_CONSUMER"`
	MaxRetries     int           `envconfig:"BADGEKEEP_WORKER_MAX_RETRIES" default:"3"`
	ResubmitAfter  time.Duration `envconfig:"BADGEKEEP_WORKER_RESUBMIT_AFTER" default:"10m"`
	ResubmitBatch  int           `envconfig:"BADGEKEEP_WORKER_RESUBMIT_BATCH" default:"100"`
	ShutdownDrain  time.Duration `envconfig:"BADGEKEEP_WORKER_SHUTDOWN_DRAIN" default:"30s"`
	HeartbeatEvery time.Duration `envconfig:"BADGEKEEP_WORKER_HEARTBEAT" default:"30s"`
}

type RateLimitConfig struct {
	SubjectLimit int64         `envconfig:"BADGEKEEP_RATE_LIMIT_SUBJECT" default:"30"`
	ActionLimit  int64         `envconfig:"BADGEKEEP_RATE_LIMIT_ACTION" default:"1000"`
	OriginLimit  int64         `envconfig:"BADGEKEEP_RATE_LIMIT_ORIGIN" default:"300"`
	Window       time.Duration `envconfig:"BADGEKEEP_RATE_LIMIT_WINDOW" default:"1m"`
}

type FraudConfig struct {
	FailClosed           bool          `envconfig:"BADGEKEEP_FRAUD_FAIL_CLOSED" default:"false"`
	VelocityPerMinute    int64         `envconfig:"BADGEKEEP_FRAUD_VELOCITY_PER_MINUTE" default:"10"`
	DuplicateWindow      time.Duration `envconfig:"BADGEKEEP_FRAUD_DUPLICATE_WINDOW" default:"30s"`
	RepetitionPerHour    int64         `envconfig:"BADGEKEEP_FRAUD_REPETITION_PER_HOUR" default:"20"`
	FailureLookback      time.Duration `envconfig:"BADGEKEEP_FRAUD_FAILURE_LOOKBACK" default:"24h"`
	FailureThreshold     int64         `envconfig:"BADGEKEEP_FRAUD_FAILURE_THRESHOLD" default:"5"`
	BlocklistedAddresses []string      `envconfig:"BADGEKEEP_FRAUD_BLOCKLIST"`
	BlockScore           int           `envconfig:"BADGEKEEP_FRAUD_BLOCK_SCORE" default:"80"`
	ReviewScore          int           `envconfig:"BADGEKEEP_FRAUD_REVIEW_SCORE" default:"50"`
	MonitorScore         int           `envconfig:"BADGEKEEP_FRAUD_MONITOR_SCORE" default:"25"`
}

type RulesConfig struct {
	CacheTTL time.Duration `envconfig:"BADGEKEEP_RULES_CACHE_TTL" default:"1m"`
}

type ChainConfig struct {
	BaseURL string        `envconfig:"BADGEKEEP_CHAIN_BASE_URL" required:"true"`
	APIKey  string        `envconfig:"BADGEKEEP_CHAIN_API_KEY"`
	Timeout time.Duration `envconfig:"BADGEKEEP_CHAIN_TIMEOUT" default:"15s"`
}

type MonitorConfig struct {
	PollIntervalMS int           `envconfig:"BADGEKEEP_MONITOR_POLL_INTERVAL_MS" default:"5000"`
	BatchSize      int           `envconfig:"BADGEKEEP_MONITOR_BATCH_SIZE" default:"50"`
	StaleAfter     time.Duration `envconfig:"BADGEKEEP_MONITOR_STALE_AFTER" default:"10m"`
	DroppedAfter   time.Duration `envconfig:"BADGEKEEP_MONITOR_DROPPED_AFTER" default:"24h"`
	MaxRetries     int           `envconfig:"BADGEKEEP_MONITOR_MAX_RETRIES" default:"3"`
	RetryBackoff   time.Duration `envconfig:"BADGEKEEP_MONITOR_RETRY_BACKOFF" default:"15m"`
	RetryScanEvery time.Duration `envconfig:"BADGEKEEP_MONITOR_RETRY_SCAN_EVERY" default:"5m"`
	RetryScanBatch int           `envconfig:"BADGEKEEP_MONITOR_RETRY_SCAN_BATCH" default:"50"`
}

type AlertsConfig struct {
	Topic        string `envconfig:"BADGEKEEP_ALERTS_TOPIC"`
	Subscription string `envconfig:"BADGEKEEP_ALERTS_SUBSCRIPTION"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"BADGEKEEP_GCP_PROJECT_ID"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"BADGEKEEP_CRON_INTERVAL" default:"5m"`
}

type RetentionConfig struct {
	AuditDays       int `envconfig:"BADGEKEEP_RETENTION_AUDIT_DAYS" default:"30"`
	TransactionDays int `envconfig:"BADGEKEEP_RETENTION_TRANSACTION_DAYS" default:"365"`
}
