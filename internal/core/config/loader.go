package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/vietddude/sheetsign/internal/core/domain"
	"github.com/vietddude/sheetsign/internal/core/retry"
	"github.com/vietddude/sheetsign/internal/queue"
	"github.com/vietddude/sheetsign/internal/signing"
)

// Load reads configuration from a YAML file. A .env file next to the working
// directory is loaded first when present; existing variables win.
func Load(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *AppConfig) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "pgx"
	}

	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 30 * time.Second
	}
	if c.Provider.MaxAttempts == 0 {
		c.Provider.MaxAttempts = 3
	}
	if c.Provider.Backoff == nil {
		b := retry.DefaultBackoff
		c.Provider.Backoff = &b
	}

	if c.Webhook.Header == "" {
		c.Webhook.Header = "X-Webhook-Secret"
	}

	if c.Queue.Backend == "" {
		if c.Database.URL != "" {
			c.Queue.Backend = BackendSQL
		} else {
			c.Queue.Backend = BackendMemory
		}
	}
	if c.Queue.DrainHeader == "" {
		c.Queue.DrainHeader = "X-Drain-Secret"
	}
	c.Queue.DrainLimit = queue.ClampLimit(c.Queue.DrainLimit)
	if c.Queue.Policies == nil {
		c.Queue.Policies = make(map[string]queue.Policy)
	}
	if _, ok := c.Queue.Policies[domain.JobTypeRevokePublicLinks]; !ok {
		c.Queue.Policies[domain.JobTypeRevokePublicLinks] = queue.DefaultPolicy
	}
	if _, ok := c.Queue.Policies[domain.JobTypeRefreshSheet]; !ok {
		c.Queue.Policies[domain.JobTypeRefreshSheet] = queue.Policy{
			MaxAttempts: 3,
			Backoff:     &retry.Backoff{Strategy: retry.StrategyLinear, Delay: time.Minute},
		}
	}

	if c.Queue.ClaimTimeout == 0 {
		c.Queue.ClaimTimeout = queue.DefaultClaimTimeout
	}

	if c.Sheets.RefreshCooldown == 0 {
		c.Sheets.RefreshCooldown = 10 * time.Second
	}
	if c.Sheets.SignPendingTimeout == 0 {
		c.Sheets.SignPendingTimeout = signing.DefaultPendingTimeout
	}
}

// Validate checks required fields and combinations.
func (c *AppConfig) Validate() error {
	var problems []string

	if c.Provider.BaseURL == "" {
		problems = append(problems, "provider.base_url is required")
	}
	switch c.Database.Driver {
	case "pgx", "postgres", "sqlite3":
	default:
		problems = append(problems, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	switch c.Queue.Backend {
	case BackendSQL:
		if c.Database.URL == "" {
			problems = append(problems, "queue.backend sql requires database.url")
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			problems = append(problems, "queue.backend redis requires redis.url")
		}
	case BackendMemory:
	default:
		problems = append(problems, fmt.Sprintf("queue.backend %q is not supported", c.Queue.Backend))
	}
	for jobType, p := range c.Queue.Policies {
		if p.MaxAttempts < 1 {
			problems = append(problems, fmt.Sprintf("queue.policies.%s.max_attempts must be at least 1", jobType))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
