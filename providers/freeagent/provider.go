package freeagent

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
	ProviderID        = core.ProviderFreeAgent
	SandboxBaseURL    = "https://api.sandbox.freeagent.com"
	ProductionBaseURL = "https://api.freeagent.com"
	DefaultPageSize   = 100

	subdomainHeader = "X-Subdomain"
)

type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RevokeURL    string
	BaseURL      string
	Environment  string
	PageSize     int
	HTTPClient   *http.Client
	Limiter      transport.Limiter
}

func DefaultConfig() Config {
	return Config{
		BaseURL:  SandboxBaseURL,
		PageSize: DefaultPageSize,
	}
}

// Provider connects to FreeAgent. Tokens are long lived and the API has no
// scopes; the company subdomain identifies the tenant.
type Provider struct {
	*providers.OAuth2Provider
	cfg Config
	api *transport.RESTAdapter
}

func New(cfg Config) *Provider {
	defaults := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
		if strings.EqualFold(cfg.Environment, "production") {
			cfg.BaseURL = ProductionBaseURL
		}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.AuthURL = providers.FirstNonEmpty(cfg.AuthURL, cfg.BaseURL+"/v2/approve_app")
	cfg.TokenURL = providers.FirstNonEmpty(cfg.TokenURL, cfg.BaseURL+"/v2/token_endpoint")
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}
	return &Provider{
		OAuth2Provider: providers.NewOAuth2Provider(providers.OAuth2Config{
			ID:                 ProviderID,
			AuthURL:            cfg.AuthURL,
			TokenURL:           cfg.TokenURL,
			RevokeURL:          cfg.RevokeURL,
			ClientID:           cfg.ClientID,
			ClientSecret:       cfg.ClientSecret,
			ClientSecretInBody: true,
			HTTPClient:         cfg.HTTPClient,
		}),
		cfg: cfg,
		api: newAPI(cfg),
	}
}

func (p *Provider) Capabilities() core.ProviderCapabilities {
	return core.ProviderCapabilities{
		Pagination: core.PaginationPage,
	}
}

func (p *Provider) ExchangeCode(ctx context.Context, req core.ExchangeCodeRequest) (core.TokenGrant, error) {
	grant, err := p.Exchange(ctx, req.Code, req.RedirectURI)
	if err != nil {
		return core.TokenGrant{}, err
	}
	var payload struct {
		Company struct {
			URL       string `json:"url"`
			Name      string `json:"name"`
			Subdomain string `json:"subdomain"`
		} `json:"company"`
	}
	if _, err := p.api.DoJSON(ctx, transport.Request{
		URL:         providers.ResolveEndpoint(p.cfg.BaseURL, "/v2/company"),
		BearerToken: grant.AccessToken,
	}, &payload); err != nil {
		return core.TokenGrant{}, err
	}
	subdomain := strings.TrimSpace(payload.Company.Subdomain)
	if subdomain != "" {
		grant.Tenant = &core.TenantInfo{ID: subdomain, Name: strings.TrimSpace(payload.Company.Name)}
		grant.Metadata["company_url"] = payload.Company.URL
	}
	return grant, nil
}

func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (core.TokenGrant, error) {
	return p.Refresh(ctx, refreshToken)
}

func (p *Provider) FetchTransactions(_ context.Context, req core.FetchRequest) (core.PageSource, error) {
	return p.listing(req, "/v2/bank_transactions", "bank_transactions", nil)
}

func (p *Provider) FetchInvoices(_ context.Context, req core.FetchRequest) (core.PageSource, error) {
	return p.listing(req, "/v2/bills", "bills", url.Values{"nested_bill_items": {"true"}})
}

func (p *Provider) listing(req core.FetchRequest, path, collection string, extra url.Values) (core.PageSource, error) {
	endpoint := providers.ResolveEndpoint(p.cfg.BaseURL, path)
	headers := map[string]string{}
	if subdomain := strings.TrimSpace(req.TenantID); subdomain != "" {
		headers[subdomainHeader] = subdomain
	}

	return providers.NewPagedSource(providers.PagedSourceConfig{
		PageSize:  p.cfg.PageSize,
		MaxPages:  req.MaxPages,
		Watermark: providers.FieldWatermark("updated_at"),
		Fetch: func(ctx context.Context, at providers.Position) (providers.PageResult, error) {
			query := url.Values{
				"page":     {strconv.Itoa(at.Number)},
				"per_page": {strconv.Itoa(p.cfg.PageSize)},
			}
			for key, values := range extra {
				query[key] = values
			}
			if req.Since != nil {
				query.Set("updated_since", req.Since.UTC().Format(time.RFC3339))
			}
			var payload map[string]any
			if _, err := p.api.DoJSON(ctx, transport.Request{
				URL:         endpoint,
				Query:       query,
				Headers:     headers,
				BearerToken: req.AccessToken,
				Bucket:      providers.RateLimitBucket(ProviderID, req.TenantID),
			}, &payload); err != nil {
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
