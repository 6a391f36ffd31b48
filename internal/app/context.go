package app

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"dashsync/internal/config"
	"dashsync/internal/logging"
)

// EnvPrefix is prepended to every environment override, e.g.
// DASHSYNC_GITHUB_TOKEN for github.token.
const EnvPrefix = "DASHSYNC"

// LoadConfig resolves the effective configuration for a workspace: the
// workspace .env is loaded into the process environment, dashsync.yml (or the
// defaults) is parsed, and DASHSYNC_* variables are applied on top.
func LoadConfig(workspace string) (*config.Config, error) {
	if err := loadDotEnv(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, envViper())
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// loadDotEnv never overrides variables already present in the environment.
func loadDotEnv(workspace string) error {
	if workspace == "" {
		workspace = "."
	}
	err := godotenv.Load(filepath.Join(workspace, ".env"))
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env: %w", err)
}

func envViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyEnv overlays values found in v onto cfg. Secrets only ever arrive
// this way.
func ApplyEnv(cfg *config.Config, v *viper.Viper) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}

	str("database.driver", &cfg.Database.Driver)
	str("database.dsn", &cfg.Database.DSN)

	str("github.token", &cfg.GitHub.Token)
	str("github.base_url", &cfg.GitHub.BaseURL)
	str("github.owner", &cfg.GitHub.Owner)
	str("github.owner_type", &cfg.GitHub.OwnerType)
	if v.IsSet("github.repositories") {
		cfg.GitHub.Repositories = splitList(v.GetString("github.repositories"))
	}

	str("server.addr", &cfg.Server.Addr)
	str("server.jwt_secret", &cfg.Server.JWTSecret)
	str("server.webhook_secret", &cfg.Server.WebhookSecret)
	dur("server.schedule_interval", &cfg.Server.ScheduleInterval)

	str("scheduler.lock", &cfg.Scheduler.Lock)
	num("scheduler.max_concurrent", &cfg.Scheduler.MaxConcurrent)

	str("redis.addr", &cfg.Redis.Addr)
	str("redis.password", &cfg.Redis.Password)
	num("redis.db", &cfg.Redis.DB)

	str("sync.mode", &cfg.Sync.Mode)

	str("logging.level", &cfg.Logging.Level)
	str("logging.format", &cfg.Logging.Format)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg *config.Config, out io.Writer) (*logrus.Logger, error) {
	return logging.New(cfg.Logging, out)
}
