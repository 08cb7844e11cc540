package ledgersync

import (
	"net/http"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/goliatone/go-ledgersync/providers/freeagent"
	"github.com/goliatone/go-ledgersync/providers/quickbooks"
	"github.com/goliatone/go-ledgersync/providers/sage"
	"github.com/goliatone/go-ledgersync/providers/xero"
	"github.com/goliatone/go-ledgersync/transport"
)

func XeroProvider(cfg xero.Config) (core.Provider, error) {
	return xero.New(cfg), nil
}

func QuickBooksProvider(cfg quickbooks.Config) (core.Provider, error) {
	return quickbooks.New(cfg), nil
}

func SageProvider(cfg sage.Config) (core.Provider, error) {
	return sage.New(cfg), nil
}

func FreeAgentProvider(cfg freeagent.Config) (core.Provider, error) {
	return freeagent.New(cfg), nil
}

// ProviderTransport is shared by every built-in provider. A nil HTTPClient
// falls back to the provider default; a nil Limiter disables throttling.
type ProviderTransport struct {
	HTTPClient *http.Client
	Limiter    transport.Limiter
}

// NewProviderRegistry registers every supported provider from cfg. Providers
// without client credentials are still registered so that operations on them
// fail with a provider configuration error instead of not-found.
func NewProviderRegistry(cfg core.Config, shared ProviderTransport) (*core.ProviderRegistry, error) {
	xeroCfg := cfg.Provider(core.ProviderXero)
	quickbooksCfg := cfg.Provider(core.ProviderQuickBooks)
	sageCfg := cfg.Provider(core.ProviderSage)
	freeagentCfg := cfg.Provider(core.ProviderFreeAgent)

	builders := []func() (core.Provider, error){
		func() (core.Provider, error) {
			return XeroProvider(xero.Config{
				ClientID:     xeroCfg.ClientID,
				ClientSecret: xeroCfg.ClientSecret,
				AuthURL:      xeroCfg.AuthURL,
				TokenURL:     xeroCfg.TokenURL,
				RevokeURL:    xeroCfg.RevokeURL,
				BaseURL:      xeroCfg.BaseURL,
				Scopes:       xeroCfg.Scopes,
				HTTPClient:   shared.HTTPClient,
				Limiter:      shared.Limiter,
			})
		},
		func() (core.Provider, error) {
			return QuickBooksProvider(quickbooks.Config{
				ClientID:     quickbooksCfg.ClientID,
				ClientSecret: quickbooksCfg.ClientSecret,
				AuthURL:      quickbooksCfg.AuthURL,
				TokenURL:     quickbooksCfg.TokenURL,
				RevokeURL:    quickbooksCfg.RevokeURL,
				BaseURL:      quickbooksCfg.BaseURL,
				Environment:  quickbooksCfg.Environment,
				Scopes:       quickbooksCfg.Scopes,
				HTTPClient:   shared.HTTPClient,
				Limiter:      shared.Limiter,
			})
		},
		func() (core.Provider, error) {
			return SageProvider(sage.Config{
				ClientID:     sageCfg.ClientID,
				ClientSecret: sageCfg.ClientSecret,
				AuthURL:      sageCfg.AuthURL,
				TokenURL:     sageCfg.TokenURL,
				RevokeURL:    sageCfg.RevokeURL,
				BaseURL:      sageCfg.BaseURL,
				Scopes:       sageCfg.Scopes,
				HTTPClient:   shared.HTTPClient,
				Limiter:      shared.Limiter,
			})
		},
		func() (core.Provider, error) {
			return FreeAgentProvider(freeagent.Config{
				ClientID:     freeagentCfg.ClientID,
				ClientSecret: freeagentCfg.ClientSecret,
				AuthURL:      freeagentCfg.AuthURL,
				TokenURL:     freeagentCfg.TokenURL,
				RevokeURL:    freeagentCfg.RevokeURL,
				BaseURL:      freeagentCfg.BaseURL,
				Environment:  freeagentCfg.Environment,
				HTTPClient:   shared.HTTPClient,
				Limiter:      shared.Limiter,
			})
		},
	}

	registry, err := core.NewProviderRegistry()
	if err != nil {
		return nil, err
	}
	for _, build := range builders {
		provider, err := build()
		if err != nil {
			return nil, err
		}
		if err := registry.Register(provider); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
