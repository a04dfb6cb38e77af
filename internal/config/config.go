// Package config loads service configuration from an optional YAML file
// with CALSYNC_* environment overrides applied on top. Environment always
// wins so deployments can keep secrets out of the file.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teamtrack/calsync/internal/logging"
)

// Duration lets YAML carry Go duration strings such as "90s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type ProviderConfig struct {
	// BaseURL is the calendar provider API root.
	BaseURL string `yaml:"base_url"`
	// TokenURL is the OAuth token endpoint used for the refresh grant.
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// CallbackURL is the public URL the provider pushes webhook
	// notifications to.
	CallbackURL string `yaml:"callback_url"`
}

type Config struct {
	Listen      string `yaml:"listen"`
	PostgresDSN string `yaml:"postgres_dsn"`
	JWTSecret   string `yaml:"jwt_secret"`
	LogLevel    string `yaml:"log_level"`

	Provider ProviderConfig `yaml:"provider"`

	// RenewCron schedules watch-channel renewal; RevokeCron clears channels
	// past expiry; FeedRefreshCron re-imports subscribed feeds.
	RenewCron       string `yaml:"renew_cron"`
	RevokeCron      string `yaml:"revoke_cron"`
	FeedRefreshCron string `yaml:"feed_refresh_cron"`

	// FeedDropDir, when set, is watched for <userID>.ics files to import.
	FeedDropDir string `yaml:"feed_drop_dir"`

	WebhookWait Duration `yaml:"webhook_wait"`
	SyncTimeout Duration `yaml:"sync_timeout"`
}

func defaults() Config {
	return Config{
		Listen:          ":8080",
		LogLevel:        "info",
		RenewCron:       "*/30 * * * *",
		RevokeCron:      "15 * * * *",
		FeedRefreshCron: "*/15 * * * *",
		WebhookWait:     Duration(3 * time.Second),
		SyncTimeout:     Duration(60 * time.Second),
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), then applies environment overrides and defaults.
// PostgresDSN is the only hard requirement.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, err
			}
		case errors.Is(err, fs.ErrNotExist):
			logging.Debug("config file absent, using env and defaults", "path", path)
		default:
			return Config{}, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return Config{}, errors.New("postgres DSN not configured (postgres_dsn or CALSYNC_POSTGRES_DSN)")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	strEnv("CALSYNC_ADDR", &c.Listen)
	strEnv("CALSYNC_POSTGRES_DSN", &c.PostgresDSN)
	strEnv("CALSYNC_JWT_SECRET", &c.JWTSecret)
	strEnv("CALSYNC_LOG_LEVEL", &c.LogLevel)

	strEnv("CALSYNC_PROVIDER_BASE_URL", &c.Provider.BaseURL)
	strEnv("CALSYNC_PROVIDER_TOKEN_URL", &c.Provider.TokenURL)
	strEnv("CALSYNC_PROVIDER_CLIENT_ID", &c.Provider.ClientID)
	strEnv("CALSYNC_PROVIDER_CLIENT_SECRET", &c.Provider.ClientSecret)
	strEnv("CALSYNC_CALLBACK_URL", &c.Provider.CallbackURL)

	strEnv("CALSYNC_RENEW_CRON", &c.RenewCron)
	strEnv("CALSYNC_REVOKE_CRON", &c.RevokeCron)
	strEnv("CALSYNC_FEED_REFRESH_CRON", &c.FeedRefreshCron)
	strEnv("CALSYNC_FEED_DROP_DIR", &c.FeedDropDir)

	c.WebhookWait = Duration(durationEnv("CALSYNC_WEBHOOK_WAIT", c.WebhookWait.Std()))
	c.SyncTimeout = Duration(durationEnv("CALSYNC_SYNC_TIMEOUT", c.SyncTimeout.Std()))
}

func (c *Config) normalize() {
	base := defaults()
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = base.Listen
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = base.LogLevel
	}
	if strings.TrimSpace(c.RenewCron) == "" {
		c.RenewCron = base.RenewCron
	}
	if strings.TrimSpace(c.RevokeCron) == "" {
		c.RevokeCron = base.RevokeCron
	}
	if strings.TrimSpace(c.FeedRefreshCron) == "" {
		c.FeedRefreshCron = base.FeedRefreshCron
	}
	if c.WebhookWait.Std() <= 0 {
		c.WebhookWait = base.WebhookWait
	}
	if c.SyncTimeout.Std() <= 0 {
		c.SyncTimeout = base.SyncTimeout
	}
}

func strEnv(name string, dst *string) {
	if raw := os.Getenv(name); raw != "" {
		*dst = raw
	}
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logging.Error("invalid duration in environment, using fallback", err, "var", name, "value", raw)
		return fallback
	}
	return value
}
