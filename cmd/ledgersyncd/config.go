package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/config"
	"github.com/goliatone/go-ledgersync/core"
)

// Variables are read as LEDGERSYNC_<KEY>, with "__" separating nested keys,
// e.g. LEDGERSYNC_PROVIDERS__XERO__CLIENT_ID or LEDGERSYNC_SYNC__LEASE_TTL.
const (
	envPrefix    = "LEDGERSYNC_"
	envDelimiter = "__"
)

type daemonConfig struct {
	HTTPAddr               string        `koanf:"http_addr"`
	DatabaseURL            string        `koanf:"database_url"`
	AppKey                 string        `koanf:"app_key"`
	AppKeyID               string        `koanf:"app_key_id"`
	AppKeyVersion          int           `koanf:"app_key_version"`
	RetiredAppKey          string        `koanf:"retired_app_key"`
	RetiredAppKeyID        string        `koanf:"retired_app_key_id"`
	RetiredAppKeyVersion   int           `koanf:"retired_app_key_version"`
	RetiredAppKeyUntil     time.Time     `koanf:"retired_app_key_until"`
	InternalAPIKey         string        `koanf:"internal_api_key"`
	RedisAddr              string        `koanf:"redis_addr"`
	RedisPassword          string        `koanf:"redis_password"`
	KafkaBrokers           string        `koanf:"kafka_brokers"`
	KafkaTopic             string        `koanf:"kafka_topic"`
	Workers                int           `koanf:"workers"`
	QueueCapacity          int           `koanf:"queue_capacity"`
	StatusCacheTTL         time.Duration `koanf:"status_cache_ttl"`
	ShutdownTimeout        time.Duration `koanf:"shutdown_timeout"`
	LogLevel               string        `koanf:"log_level"`
	LogFormat              string        `koanf:"log_format"`
	XeroWebhookKey         string        `koanf:"xero_webhook_key"`
	QuickBooksWebhookToken string        `koanf:"quickbooks_webhook_token"`
	WebhookBurstMode       string        `koanf:"webhook_burst_mode"`
	WebhookBurstWindow     time.Duration `koanf:"webhook_burst_window"`
}

func defaultDaemonConfig() daemonConfig {
	return daemonConfig{
		HTTPAddr:             ":8080",
		DatabaseURL:          "file:ledgersync.db?cache=shared&_foreign_keys=on",
		AppKeyID:             "primary",
		AppKeyVersion:        1,
		RetiredAppKeyID:      "primary",
		RetiredAppKeyVersion: 1,
		Workers:              2,
		QueueCapacity:        256,
		StatusCacheTTL:       30 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		LogLevel:             "info",
		LogFormat:            "json",
		WebhookBurstMode:     "coalesce",
		WebhookBurstWindow:   30 * time.Second,
	}
}

// Validate holds the checks that span more than one field.
func (c daemonConfig) Validate() error {
	if c.AppKey == "" {
		return fmt.Errorf("%sAPP_KEY is required to seal stored tokens", envPrefix)
	}
	if c.RetiredAppKey != "" && c.RetiredAppKeyID == c.AppKeyID && c.RetiredAppKeyVersion == c.AppKeyVersion {
		return fmt.Errorf("%sRETIRED_APP_KEY must use a different key id or version than APP_KEY", envPrefix)
	}
	if c.InternalAPIKey == "" {
		return fmt.Errorf("%sINTERNAL_API_KEY is required", envPrefix)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%sWORKERS must not be negative", envPrefix)
	}
	return nil
}

func normalizeDaemonConfig(c *daemonConfig) error {
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.LogFormat = strings.ToLower(c.LogFormat)
	c.WebhookBurstMode = strings.ToLower(c.WebhookBurstMode)
	if !c.RetiredAppKeyUntil.IsZero() {
		c.RetiredAppKeyUntil = c.RetiredAppKeyUntil.UTC()
	}
	return nil
}

// loadDaemonConfig reads the process settings from the environment over
// their defaults.
func loadDaemonConfig(ctx context.Context) (daemonConfig, error) {
	cfg := defaultDaemonConfig()
	container := config.New(&cfg).
		WithConfigPath("").
		WithNormalizer(normalizeDaemonConfig).
		WithProvider(config.EnvProvider[*daemonConfig](envPrefix, envDelimiter))
	if err := container.Load(ctx); err != nil {
		return daemonConfig{}, err
	}
	return cfg, nil
}

// loadBrokerConfig reads the broker settings, provider credentials
// included, from the same environment.
func loadBrokerConfig(ctx context.Context) (core.Config, error) {
	cfg := core.DefaultConfig()
	container := config.New(&cfg).
		WithConfigPath("").
		WithNormalizer(normalizeBrokerConfig).
		WithProvider(config.EnvProvider[*core.Config](envPrefix, envDelimiter))
	if err := container.Load(ctx); err != nil {
		return core.Config{}, err
	}
	return cfg, nil
}

// normalizeBrokerConfig splits comma separated list values, the only list
// form an environment variable can carry.
func normalizeBrokerConfig(c *core.Config) error {
	c.Sync.ResourceTypes = splitList(c.Sync.ResourceTypes...)
	for id, provider := range c.Providers {
		provider.Scopes = splitList(provider.Scopes...)
		c.Providers[id] = provider
	}
	return nil
}

func splitList(values ...string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c daemonConfig) kafkaBrokers() []string {
	return splitList(c.KafkaBrokers)
}

// webhooksEnabled reports whether any provider has a signing secret.
func (c daemonConfig) webhooksEnabled() bool {
	return c.XeroWebhookKey != "" || c.QuickBooksWebhookToken != ""
}

// postgres reports whether the database url targets postgres rather than
// the sqlite default.
func (c daemonConfig) postgres() bool {
	dsn := strings.ToLower(c.DatabaseURL)
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
