package core

import (
	"context"
	"testing"
	"time"
)

type fixedConfigProvider struct {
	cfg Config
}

func (p *fixedConfigProvider) Load(context.Context, Config) (Config, error) {
	return p.cfg, nil
}

func TestNewTokenManager_DefaultConfig(t *testing.T) {
	manager, err := NewTokenManager(Config{})
	if err != nil {
		t.Fatalf("new token manager: %v", err)
	}
	cfg := manager.Config()
	if cfg.ServiceName != "ledgersync" {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.AuthorizeStateTTL != 10*time.Minute {
		t.Fatalf("expected 10m state ttl, got %s", cfg.AuthorizeStateTTL)
	}
	if cfg.RefreshMaxAttempts != 3 || cfg.Sync.MaxRateLimitAttempts != 3 {
		t.Fatalf("expected bounded attempts of 3, got %+v", cfg)
	}
}

func TestNewTokenManager_RuntimeOverridesLoadedConfig(t *testing.T) {
	loaded := DefaultConfig()
	loaded.PublicOrigin = "https://loaded.example.test"
	loaded.RefreshMargin = time.Minute

	manager, err := NewTokenManager(
		Config{PublicOrigin: "https://runtime.example.test"},
		WithConfigProvider(&fixedConfigProvider{cfg: loaded}),
	)
	if err != nil {
		t.Fatalf("new token manager: %v", err)
	}
	cfg := manager.Config()
	if cfg.PublicOrigin != "https://runtime.example.test" {
		t.Fatalf("expected runtime origin, got %q", cfg.PublicOrigin)
	}
	if cfg.RefreshMargin != time.Minute {
		t.Fatalf("expected loaded refresh margin, got %s", cfg.RefreshMargin)
	}
}

func TestCfgxConfigProvider_LoadsProviderBlocks(t *testing.T) {
	provider := NewCfgxConfigProvider(StaticRawConfigLoader{Values: map[string]any{
		"public_origin": "https://broker.example.test",
		"providers": map[string]any{
			"xero": map[string]any{
				"client_id":     "xero-client",
				"client_secret": "xero-secret",
			},
		},
	}})
	cfg, err := provider.Load(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	xero := cfg.Provider(ProviderXero)
	if !xero.Configured() || xero.ClientID != "xero-client" {
		t.Fatalf("expected xero provider config, got %+v", xero)
	}
	if got := cfg.RedirectURI(ProviderXero); got != "https://broker.example.test/internal/oauth/callback/xero" {
		t.Fatalf("unexpected redirect uri %q", got)
	}
}

func TestConfigValidate_RejectsUnknownProviderBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = map[string]ProviderConfig{"netsuite": {ClientID: "x"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
	cfg = DefaultConfig()
	cfg.PublicOrigin = "not a url"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected origin validation error")
	}
}
