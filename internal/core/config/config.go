package config

import (
	"time"

	"github.com/vietddude/sheetsign/internal/infra/provider"
	redisclient "github.com/vietddude/sheetsign/internal/infra/redis"
	"github.com/vietddude/sheetsign/internal/infra/storage/sqlstore"
	"github.com/vietddude/sheetsign/internal/queue"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Logging  LoggingConfig      `yaml:"logging"`
	Database sqlstore.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
	Provider provider.Config    `yaml:"provider"`
	Webhook  WebhookConfig      `yaml:"webhook"`
	Queue    QueueConfig        `yaml:"queue"`
	Sheets   SheetsConfig       `yaml:"sheets"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// WebhookConfig authenticates provider webhooks.
type WebhookConfig struct {
	Secret string `yaml:"secret"` // empty = unauthenticated
	Header string `yaml:"header"`
}

// Storage backends for deferred jobs.
const (
	BackendSQL    = "sql"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// QueueConfig holds deferred job queue settings.
type QueueConfig struct {
	Backend       string                  `yaml:"backend"` // sql, redis, memory
	DrainSecret   string                  `yaml:"drain_secret"`
	DrainHeader   string                  `yaml:"drain_header"`
	DrainInterval time.Duration           `yaml:"drain_interval"` // 0 = HTTP trigger only
	DrainLimit    int                     `yaml:"drain_limit"`
	ClaimTimeout  time.Duration           `yaml:"claim_timeout"` // PROCESSING jobs older than this are reclaimed
	Policies      map[string]queue.Policy `yaml:"policies"`
}

// SheetsConfig holds sheet lifecycle settings.
type SheetsConfig struct {
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval"` // 0 = lazy expiry only
	RefreshCooldown     time.Duration `yaml:"refresh_cooldown"`
	SignPendingTimeout  time.Duration `yaml:"sign_pending_timeout"`
}
