package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "dashsync.yml"

// Config models dashsync.yml.
type Config struct {
	Database  Database  `yaml:"database" json:"database"`
	Scheduler Scheduler `yaml:"scheduler" json:"scheduler"`
	GitHub    GitHub    `yaml:"github" json:"github"`
	Sync      Sync      `yaml:"sync" json:"sync"`
	Server    Server    `yaml:"server" json:"server"`
	Redis     Redis     `yaml:"redis" json:"redis"`
	Cache     Cache     `yaml:"cache" json:"cache"`
	Logging   Logging   `yaml:"logging" json:"logging"`
}

type Database struct {
	Driver string `yaml:"driver" json:"driver"`
	DSN    string `yaml:"dsn" json:"-"`
}

type Scheduler struct {
	MaxConcurrent  int           `yaml:"max_concurrent" json:"max_concurrent"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	HistoryKeep    int           `yaml:"history_keep" json:"history_keep"`
	// Lock selects the cross-instance lock: "local" or "redis".
	Lock string `yaml:"lock" json:"lock"`
}

type GitHub struct {
	BaseURL          string        `yaml:"base_url" json:"base_url"`
	Token            string        `yaml:"-" json:"-"`
	Owner            string        `yaml:"owner" json:"owner"`
	OwnerType        string        `yaml:"owner_type" json:"owner_type"`
	Repositories     []string      `yaml:"repositories" json:"repositories"`
	PerPage          int           `yaml:"per_page" json:"per_page"`
	MaxRetries       int           `yaml:"max_retries" json:"max_retries"`
	MinRemaining     int           `yaml:"min_remaining" json:"min_remaining"`
	PageDelay        time.Duration `yaml:"page_delay" json:"page_delay"`
	MaxRateLimitWait time.Duration `yaml:"max_rate_limit_wait" json:"max_rate_limit_wait"`
	RequestTimeout   time.Duration `yaml:"request_timeout" json:"request_timeout"`
	BreakerFailures  int           `yaml:"breaker_failures" json:"breaker_failures"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" json:"breaker_cooldown"`
}

type Sync struct {
	Mode      string `yaml:"mode" json:"mode"`
	MaxErrors int    `yaml:"max_errors" json:"max_errors"`
	MaxTags   int    `yaml:"max_tags" json:"max_tags"`
}

type Server struct {
	Addr             string        `yaml:"addr" json:"addr"`
	BasePath         string        `yaml:"base_path" json:"base_path"`
	JWTSecret        string        `yaml:"-" json:"-"`
	WebhookSecret    string        `yaml:"-" json:"-"`
	ScheduleInterval time.Duration `yaml:"schedule_interval" json:"schedule_interval"`
}

type Redis struct {
	Addr     string        `yaml:"addr" json:"addr"`
	Password string        `yaml:"-" json:"-"`
	DB       int           `yaml:"db" json:"db"`
	// LockTTL is raised to cover the scheduler's worst-case run; 0 derives it.
	LockTTL  time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
}

type Cache struct {
	StatsTTL  time.Duration `yaml:"stats_ttl" json:"stats_ttl"`
	StatsSize int           `yaml:"stats_size" json:"stats_size"`
}

type Logging struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the configuration used when dashsync.yml sets nothing.
func Default() *Config {
	return &Config{
		Database: Database{Driver: "sqlite"},
		Scheduler: Scheduler{
			MaxConcurrent:  5,
			AttemptTimeout: 9 * time.Minute,
			MaxAttempts:    3,
			RetryBaseDelay: 5 * time.Second,
			HistoryKeep:    500,
			Lock:           "local",
		},
		GitHub: GitHub{
			BaseURL:          "https://api.github.com",
			OwnerType:        "org",
			PerPage:          100,
			MaxRetries:       3,
			MinRemaining:     100,
			PageDelay:        100 * time.Millisecond,
			MaxRateLimitWait: time.Hour,
			RequestTimeout:   30 * time.Second,
			BreakerFailures:  5,
			BreakerCooldown:  time.Minute,
		},
		Sync: Sync{
			Mode:      "incremental",
			MaxErrors: 100,
			MaxTags:   10,
		},
		Server: Server{
			Addr:     "127.0.0.1:8080",
			BasePath: "/v0",
		},
		Redis: Redis{},
		Cache: Cache{
			StatsTTL:  5 * time.Minute,
			StatsSize: 64,
		},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "pgx":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver pgx")
		}
	default:
		return fmt.Errorf("database.driver must be 'sqlite' or 'pgx', got %q", c.Database.Driver)
	}
	s := c.Scheduler
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be positive, got %d", s.MaxConcurrent)
	}
	if s.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.max_attempts must be positive, got %d", s.MaxAttempts)
	}
	if s.AttemptTimeout <= 0 {
		return fmt.Errorf("scheduler.attempt_timeout must be positive, got %v", s.AttemptTimeout)
	}
	if s.RetryBaseDelay < 0 {
		return fmt.Errorf("scheduler.retry_base_delay must not be negative")
	}
	if s.HistoryKeep < 0 {
		return fmt.Errorf("scheduler.history_keep must not be negative")
	}
	switch s.Lock {
	case "", "local":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when scheduler.lock is redis")
		}
	default:
		return fmt.Errorf("scheduler.lock must be 'local' or 'redis', got %q", s.Lock)
	}
	g := c.GitHub
	if strings.TrimSpace(g.BaseURL) == "" {
		return fmt.Errorf("github.base_url is required")
	}
	if g.OwnerType != "org" && g.OwnerType != "user" {
		return fmt.Errorf("github.owner_type must be 'org' or 'user'")
	}
	if g.PerPage < 1 || g.PerPage > 100 {
		return fmt.Errorf("github.per_page must be between 1 and 100, got %d", g.PerPage)
	}
	if g.MaxRetries < 0 {
		return fmt.Errorf("github.max_retries must not be negative")
	}
	if g.MinRemaining < 0 {
		return fmt.Errorf("github.min_remaining must not be negative")
	}
	for _, r := range g.Repositories {
		if parts := strings.Split(r, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("github.repositories entry %q must be owner/name", r)
		}
	}
	if c.Sync.Mode != "full" && c.Sync.Mode != "incremental" {
		return fmt.Errorf("sync.mode must be 'full' or 'incremental'")
	}
	if c.Sync.MaxErrors < 1 {
		return fmt.Errorf("sync.max_errors must be positive")
	}
	if c.Sync.MaxTags < 1 {
		return fmt.Errorf("sync.max_tags must be positive")
	}
	if c.Server.ScheduleInterval < 0 {
		return fmt.Errorf("server.schedule_interval must not be negative")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be 'text' or 'json'")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses config from raw YAML bytes on top of the defaults.
// Validation is left to the caller because secrets arrive from the environment.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return cfg, nil
}

// GenerateDefault returns the default config YAML for a GitHub owner.
func GenerateDefault(owner string) string {
	return fmt.Sprintf(defaultTemplate, owner)
}

const defaultTemplate = `# Secrets come from the environment (or .env):
#   DASHSYNC_GITHUB_TOKEN, DASHSYNC_SERVER_JWT_SECRET,
#   DASHSYNC_SERVER_WEBHOOK_SECRET, DASHSYNC_REDIS_PASSWORD
database:
  driver: sqlite        # sqlite | pgx
  dsn: ""               # empty uses .dashsync/dashsync.db in the workspace

scheduler:
  max_concurrent: 5
  attempt_timeout: 9m
  max_attempts: 3
  retry_base_delay: 5s
  history_keep: 500
  lock: local           # local | redis

github:
  base_url: https://api.github.com
  owner: %s
  owner_type: org       # org | user
  repositories: []      # owner/name entries synced by sync-issues
  per_page: 100
  max_retries: 3
  min_remaining: 100
  page_delay: 100ms
  max_rate_limit_wait: 1h
  request_timeout: 30s
  breaker_failures: 5
  breaker_cooldown: 1m

sync:
  mode: incremental     # full | incremental
  max_errors: 100
  max_tags: 10

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  schedule_interval: 0s # e.g. 1h to sync periodically while serving

redis:
  addr: ""
  db: 0
  lock_ttl: 0s          # 0 derives it from the retry and timeout budget

cache:
  stats_ttl: 5m
  stats_size: 64

logging:
  level: info
  format: text          # text | json
`
