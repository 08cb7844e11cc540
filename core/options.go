package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type tokenManagerBuilder struct {
	runtimeConfig    Config
	logger           Logger
	loggerProvider   LoggerProvider
	metricsRecorder  MetricsRecorder
	configProvider   ConfigProvider
	optionsResolver  OptionsResolver
	registry         Registry
	credentialStore  CredentialStore
	stateStore       AuthorizeStateStore
	refreshScheduler BackoffScheduler
	clock            Clock
}

type Option func(*tokenManagerBuilder)

func WithLogger(logger Logger) Option {
	return func(b *tokenManagerBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *tokenManagerBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *tokenManagerBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *tokenManagerBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *tokenManagerBuilder) {
		b.optionsResolver = resolver
	}
}

func WithRegistry(registry Registry) Option {
	return func(b *tokenManagerBuilder) {
		b.registry = registry
	}
}

func WithCredentialStore(store CredentialStore) Option {
	return func(b *tokenManagerBuilder) {
		b.credentialStore = store
	}
}

func WithAuthorizeStateStore(store AuthorizeStateStore) Option {
	return func(b *tokenManagerBuilder) {
		b.stateStore = store
	}
}

func WithRefreshBackoffScheduler(scheduler BackoffScheduler) Option {
	return func(b *tokenManagerBuilder) {
		b.refreshScheduler = scheduler
	}
}

func WithClock(clock Clock) Option {
	return func(b *tokenManagerBuilder) {
		b.clock = clock
	}
}

func defaultTokenManagerBuilder(runtime Config) tokenManagerBuilder {
	loggerProvider, logger := glog.Resolve("ledgersync.tokens", nil, nil)
	return tokenManagerBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
	}
}

type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// ResolveConfig runs the load and merge pipeline used by every service
// constructor.
func ResolveConfig(ctx context.Context, provider ConfigProvider, resolver OptionsResolver, runtime Config) (Config, error) {
	if provider == nil {
		provider = NewCfgxConfigProvider(nil)
	}
	if resolver == nil {
		resolver = GoOptionsResolver{}
	}
	defaults := DefaultConfig()
	loaded, err := provider.Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	setString := func(key, value string) {
		if includeZero || strings.TrimSpace(value) != "" {
			layer[key] = value
		}
	}
	setString("service_name", cfg.ServiceName)
	setString("public_origin", cfg.PublicOrigin)
	setString("redirect_path", cfg.RedirectPath)

	if includeZero || cfg.AuthorizeStateTTL > 0 {
		layer["authorize_state_ttl"] = cfg.AuthorizeStateTTL
	}
	if includeZero || cfg.RefreshMargin > 0 {
		layer["refresh_margin"] = cfg.RefreshMargin
	}
	if includeZero || cfg.RefreshMaxAttempts > 0 {
		layer["refresh_max_attempts"] = cfg.RefreshMaxAttempts
	}
	if includeZero || cfg.RefreshInitialBackoff > 0 {
		layer["refresh_initial_backoff"] = cfg.RefreshInitialBackoff
	}
	if includeZero || cfg.RefreshMaxBackoff > 0 {
		layer["refresh_max_backoff"] = cfg.RefreshMaxBackoff
	}
	if includeZero || cfg.RevokeTimeout > 0 {
		layer["revoke_timeout"] = cfg.RevokeTimeout
	}

	syncLayer := map[string]any{}
	if includeZero || cfg.Sync.MaxRateLimitAttempts > 0 {
		syncLayer["max_rate_limit_attempts"] = cfg.Sync.MaxRateLimitAttempts
	}
	if includeZero || cfg.Sync.InitialBackoff > 0 {
		syncLayer["initial_backoff"] = cfg.Sync.InitialBackoff
	}
	if includeZero || cfg.Sync.MaxBackoff > 0 {
		syncLayer["max_backoff"] = cfg.Sync.MaxBackoff
	}
	if includeZero || cfg.Sync.LeaseTTL > 0 {
		syncLayer["lease_ttl"] = cfg.Sync.LeaseTTL
	}
	if includeZero || cfg.Sync.MaxPages > 0 {
		syncLayer["max_pages"] = cfg.Sync.MaxPages
	}
	if includeZero || cfg.Sync.RunTimeout > 0 {
		syncLayer["run_timeout"] = cfg.Sync.RunTimeout
	}
	if includeZero || len(cfg.Sync.ResourceTypes) > 0 {
		syncLayer["resource_types"] = append([]string(nil), cfg.Sync.ResourceTypes...)
	}
	if len(syncLayer) > 0 {
		layer["sync"] = syncLayer
	}

	if includeZero || len(cfg.Providers) > 0 {
		providers := make(map[string]any, len(cfg.Providers))
		for key, value := range cfg.Providers {
			providers[key] = map[string]any{
				"client_id":     value.ClientID,
				"client_secret": value.ClientSecret,
				"scopes":        append([]string(nil), value.Scopes...),
				"auth_url":      value.AuthURL,
				"token_url":     value.TokenURL,
				"revoke_url":    value.RevokeURL,
				"base_url":      value.BaseURL,
				"environment":   value.Environment,
			}
		}
		layer["providers"] = providers
	}
	return layer
}
