package xero

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/goliatone/go-ledgersync/providers"
	"github.com/goliatone/go-ledgersync/transport"
)

const (
	ProviderID      = core.ProviderXero
	AuthURL         = "https://login.xero.com/identity/connect/authorize"
	TokenURL        = "https://identity.xero.com/connect/token"
	BaseURL         = "https://api.xero.com"
	DefaultPageSize = 100

	tenantHeader = "xero-tenant-id"
)

type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RevokeURL    string
	BaseURL      string
	Scopes       []string
	PageSize     int
	HTTPClient   *http.Client
	Limiter      transport.Limiter
}

func DefaultConfig() Config {
	return Config{
		AuthURL:  AuthURL,
		TokenURL: TokenURL,
		BaseURL:  BaseURL,
		Scopes:   []string{"offline_access", "accounting.transactions.read"},
		PageSize: DefaultPageSize,
	}
}

// Provider connects to Xero. Every data call is scoped to one organisation
// through the xero-tenant-id header.
type Provider struct {
	*providers.OAuth2Provider
	cfg Config
	api *transport.RESTAdapter
}

func New(cfg Config) *Provider {
	defaults := DefaultConfig()
	cfg.AuthURL = providers.FirstNonEmpty(cfg.AuthURL, defaults.AuthURL)
	cfg.TokenURL = providers.FirstNonEmpty(cfg.TokenURL, defaults.TokenURL)
	cfg.BaseURL = providers.FirstNonEmpty(cfg.BaseURL, defaults.BaseURL)
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = defaults.Scopes
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}
	return &Provider{
		OAuth2Provider: providers.NewOAuth2Provider(providers.OAuth2Config{
			ID:           ProviderID,
			AuthURL:      cfg.AuthURL,
			TokenURL:     cfg.TokenURL,
			RevokeURL:    cfg.RevokeURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			HTTPClient:   cfg.HTTPClient,
		}),
		cfg: cfg,
		api: newAPI(cfg),
	}
}

func (p *Provider) Capabilities() core.ProviderCapabilities {
	return core.ProviderCapabilities{
		RequiresTenantSelection: true,
		RotatesRefreshToken:     true,
		Pagination:              core.PaginationPage,
		DefaultScopes:           p.Scopes(),
	}
}

type connection struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	TenantType string `json:"tenantType"`
	TenantName string `json:"tenantName"`
}

// ExchangeCode redeems the code and picks the organisation to bind. A
// tenant_id param selects a specific connection; otherwise the first one
// wins.
func (p *Provider) ExchangeCode(ctx context.Context, req core.ExchangeCodeRequest) (core.TokenGrant, error) {
	grant, err := p.Exchange(ctx, req.Code, req.RedirectURI)
	if err != nil {
		return core.TokenGrant{}, err
	}
	var connections []connection
	if _, err := p.api.DoJSON(ctx, transport.Request{
		URL:         providers.ResolveEndpoint(p.cfg.BaseURL, "/connections"),
		BearerToken: grant.AccessToken,
	}, &connections); err != nil {
		return core.TokenGrant{}, err
	}
	if len(connections) == 0 {
		return core.TokenGrant{}, core.NewAuthError("xero: authorization granted no organisation", nil)
	}

	selected := connections[0]
	if wanted := strings.TrimSpace(req.Params["tenant_id"]); wanted != "" {
		found := false
		for _, candidate := range connections {
			if candidate.TenantID == wanted {
				selected, found = candidate, true
				break
			}
		}
		if !found {
			return core.TokenGrant{}, core.NewAuthError("xero: requested organisation is not connected", nil)
		}
	}

	available := make([]map[string]any, 0, len(connections))
	for _, candidate := range connections {
		available = append(available, map[string]any{"id": candidate.TenantID, "name": candidate.TenantName})
	}
	grant.Tenant = &core.TenantInfo{ID: selected.TenantID, Name: selected.TenantName}
	grant.Metadata["available_tenants"] = available
	grant.Metadata["connection_id"] = selected.ID
	return grant, nil
}

func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (core.TokenGrant, error) {
	return p.Refresh(ctx, refreshToken)
}

func (p *Provider) FetchTransactions(_ context.Context, req core.FetchRequest) (core.PageSource, error) {
	return p.listing(req, "/api.xro/2.0/BankTransactions", "BankTransactions")
}

func (p *Provider) FetchInvoices(_ context.Context, req core.FetchRequest) (core.PageSource, error) {
	return p.listing(req, "/api.xro/2.0/Invoices", "Invoices")
}

func (p *Provider) listing(req core.FetchRequest, path, collection string) (core.PageSource, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return nil, core.NewProviderConfigError("xero: tenant id is required for data calls", nil)
	}
	headers := map[string]string{tenantHeader: tenantID}
	if req.Since != nil {
		headers["If-Modified-Since"] = req.Since.UTC().Format(time.RFC3339)
	}
	endpoint := providers.ResolveEndpoint(p.cfg.BaseURL, path)

	return providers.NewPagedSource(providers.PagedSourceConfig{
		PageSize:  p.cfg.PageSize,
		MaxPages:  req.MaxPages,
		Ordered:   true,
		Watermark: providers.FieldWatermark("UpdatedDateUTC"),
		Fetch: func(ctx context.Context, at providers.Position) (providers.PageResult, error) {
			var payload map[string]any
			_, err := p.api.DoJSON(ctx, transport.Request{
				URL: endpoint,
				Query: url.Values{
					"page":     {strconv.Itoa(at.Number)},
					"pageSize": {strconv.Itoa(p.cfg.PageSize)},
					"order":    {"UpdatedDateUTC ASC"},
				},
				Headers:     headers,
				BearerToken: req.AccessToken,
				Bucket:      providers.RateLimitBucket(ProviderID, tenantID),
			}, &payload)
			if err != nil {
				return providers.PageResult{}, err
			}
			items, _ := payload[collection].([]any)
			return providers.PageResult{
				Records: providers.RecordsFrom(items),
				Next:    providers.Position{Number: at.Number + 1},
				HasMore: len(items) >= p.cfg.PageSize,
			}, nil
		},
	}), nil
}

var _ core.Provider = (*Provider)(nil)

func newAPI(cfg Config) *transport.RESTAdapter {
	api := transport.NewRESTAdapter(cfg.HTTPClient)
	api.Limiter = cfg.Limiter
	return api
}
