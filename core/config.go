package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAuthorizeStateTTL = 10 * time.Minute
	defaultRefreshMargin     = 5 * time.Minute
	defaultRevokeTimeout     = 10 * time.Second
	defaultRedirectPath      = "/internal/oauth/callback/{provider}"

	defaultSyncMaxRateLimitAttempts = 3
	defaultSyncInitialBackoff       = time.Second
	defaultSyncMaxBackoff           = 30 * time.Second
	defaultSyncLeaseTTL             = 15 * time.Minute
	defaultSyncMaxPages             = 50
	defaultSyncRunTimeout           = 30 * time.Minute
)

type ProviderConfig struct {
	ClientID     string   `koanf:"client_id" mapstructure:"client_id"`
	ClientSecret string   `koanf:"client_secret" mapstructure:"client_secret"`
	Scopes       []string `koanf:"scopes" mapstructure:"scopes"`
	AuthURL      string   `koanf:"auth_url" mapstructure:"auth_url"`
	TokenURL     string   `koanf:"token_url" mapstructure:"token_url"`
	RevokeURL    string   `koanf:"revoke_url" mapstructure:"revoke_url"`
	BaseURL      string   `koanf:"base_url" mapstructure:"base_url"`
	Environment  string   `koanf:"environment" mapstructure:"environment"`
}

func (c ProviderConfig) Configured() bool {
	return strings.TrimSpace(c.ClientID) != "" && strings.TrimSpace(c.ClientSecret) != ""
}

type SyncConfig struct {
	// MaxRateLimitAttempts counts every call for a page, the first included.
	MaxRateLimitAttempts int           `koanf:"max_rate_limit_attempts" mapstructure:"max_rate_limit_attempts"`
	InitialBackoff       time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff           time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
	LeaseTTL             time.Duration `koanf:"lease_ttl" mapstructure:"lease_ttl"`
	MaxPages             int           `koanf:"max_pages" mapstructure:"max_pages"`
	RunTimeout           time.Duration `koanf:"run_timeout" mapstructure:"run_timeout"`
	ResourceTypes        []string      `koanf:"resource_types" mapstructure:"resource_types"`
}

type Config struct {
	ServiceName           string                    `koanf:"service_name" mapstructure:"service_name"`
	PublicOrigin          string                    `koanf:"public_origin" mapstructure:"public_origin"`
	RedirectPath          string                    `koanf:"redirect_path" mapstructure:"redirect_path"`
	AuthorizeStateTTL     time.Duration             `koanf:"authorize_state_ttl" mapstructure:"authorize_state_ttl"`
	RefreshMargin         time.Duration             `koanf:"refresh_margin" mapstructure:"refresh_margin"`
	RefreshMaxAttempts    int                       `koanf:"refresh_max_attempts" mapstructure:"refresh_max_attempts"`
	RefreshInitialBackoff time.Duration             `koanf:"refresh_initial_backoff" mapstructure:"refresh_initial_backoff"`
	RefreshMaxBackoff     time.Duration             `koanf:"refresh_max_backoff" mapstructure:"refresh_max_backoff"`
	RevokeTimeout         time.Duration             `koanf:"revoke_timeout" mapstructure:"revoke_timeout"`
	Sync                  SyncConfig                `koanf:"sync" mapstructure:"sync"`
	Providers             map[string]ProviderConfig `koanf:"providers" mapstructure:"providers"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:           "ledgersync",
		RedirectPath:          defaultRedirectPath,
		AuthorizeStateTTL:     defaultAuthorizeStateTTL,
		RefreshMargin:         defaultRefreshMargin,
		RefreshMaxAttempts:    defaultRefreshMaxAttempts,
		RefreshInitialBackoff: defaultRefreshInitialBackoff,
		RefreshMaxBackoff:     defaultRefreshMaxBackoff,
		RevokeTimeout:         defaultRevokeTimeout,
		Sync: SyncConfig{
			MaxRateLimitAttempts: defaultSyncMaxRateLimitAttempts,
			InitialBackoff:       defaultSyncInitialBackoff,
			MaxBackoff:           defaultSyncMaxBackoff,
			LeaseTTL:             defaultSyncLeaseTTL,
			MaxPages:             defaultSyncMaxPages,
			RunTimeout:           defaultSyncRunTimeout,
		},
		Providers: map[string]ProviderConfig{},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if origin := strings.TrimSpace(c.PublicOrigin); origin != "" {
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("core: public_origin must be an absolute url")
		}
	}
	if c.AuthorizeStateTTL < 0 || c.RefreshMargin < 0 {
		return fmt.Errorf("core: durations must not be negative")
	}
	if c.RefreshMaxAttempts < 0 || c.Sync.MaxRateLimitAttempts < 0 || c.Sync.MaxPages < 0 {
		return fmt.Errorf("core: attempt and page limits must not be negative")
	}
	for _, raw := range c.Sync.ResourceTypes {
		if _, err := ParseResourceType(raw); err != nil {
			return fmt.Errorf("core: sync.resource_types: %w", err)
		}
	}
	for key := range c.Providers {
		if _, err := ParseProviderID(key); err != nil {
			return fmt.Errorf("core: providers.%s: unknown provider", key)
		}
	}
	return nil
}

// Provider returns the configuration block for id, honoring aliases used as
// map keys.
func (c Config) Provider(id ProviderID) ProviderConfig {
	for key, value := range c.Providers {
		if parsed, err := ParseProviderID(key); err == nil && parsed == id {
			return value
		}
	}
	return ProviderConfig{}
}

// RedirectURI builds the callback URL registered with the provider.
func (c Config) RedirectURI(id ProviderID) string {
	path := strings.TrimSpace(c.RedirectPath)
	if path == "" {
		path = defaultRedirectPath
	}
	path = strings.ReplaceAll(path, "{provider}", string(id))
	origin := strings.TrimRight(strings.TrimSpace(c.PublicOrigin), "/")
	if origin == "" {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return origin + path
}

func (c Config) withFallbacks() Config {
	defaults := DefaultConfig()
	if c.AuthorizeStateTTL <= 0 {
		c.AuthorizeStateTTL = defaults.AuthorizeStateTTL
	}
	if c.RefreshMargin <= 0 {
		c.RefreshMargin = defaults.RefreshMargin
	}
	if c.RefreshMaxAttempts <= 0 {
		c.RefreshMaxAttempts = defaults.RefreshMaxAttempts
	}
	if c.RefreshInitialBackoff <= 0 {
		c.RefreshInitialBackoff = defaults.RefreshInitialBackoff
	}
	if c.RefreshMaxBackoff <= 0 {
		c.RefreshMaxBackoff = defaults.RefreshMaxBackoff
	}
	if c.RevokeTimeout <= 0 {
		c.RevokeTimeout = defaults.RevokeTimeout
	}
	if c.Sync.MaxRateLimitAttempts <= 0 {
		c.Sync.MaxRateLimitAttempts = defaults.Sync.MaxRateLimitAttempts
	}
	if c.Sync.MaxBackoff <= 0 {
		c.Sync.MaxBackoff = defaults.Sync.MaxBackoff
	}
	if c.Sync.LeaseTTL <= 0 {
		c.Sync.LeaseTTL = defaults.Sync.LeaseTTL
	}
	if c.Sync.MaxPages <= 0 {
		c.Sync.MaxPages = defaults.Sync.MaxPages
	}
	if c.Sync.RunTimeout <= 0 {
		c.Sync.RunTimeout = defaults.Sync.RunTimeout
	}
	return c
}

// WithDefaults fills zero values from the default sync settings.
func (c SyncConfig) WithDefaults() SyncConfig {
	defaults := DefaultConfig().Sync
	if c.MaxRateLimitAttempts <= 0 {
		c.MaxRateLimitAttempts = defaults.MaxRateLimitAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.LeaseTTL
	}
	if c.MaxPages <= 0 {
		c.MaxPages = defaults.MaxPages
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	return c
}
