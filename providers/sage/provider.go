package sage

import (
	"context"
	"encoding/json"
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
	ProviderID      = core.ProviderSage
	AuthURL         = "https://central.uk.sageone.com/oauth2/auth"
	TokenURL        = "https://oauth.accounting.sage.com/token"
	BaseURL         = "https://api.accounting.sage.com"
	APIVersionPath  = "/v3.1"
	DefaultPageSize = 100

	businessHeader = "X-Business"
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
		Scopes:   []string{"full_access"},
		PageSize: DefaultPageSize,
	}
}

// Provider connects to Sage Business Cloud Accounting. Data calls are scoped
// to a business through the X-Business header.
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
			ID:                 ProviderID,
			AuthURL:            cfg.AuthURL,
			TokenURL:           cfg.TokenURL,
			RevokeURL:          cfg.RevokeURL,
			ClientID:           cfg.ClientID,
			ClientSecret:       cfg.ClientSecret,
			ClientSecretInBody: true,
			Scopes:             cfg.Scopes,
			HTTPClient:         cfg.HTTPClient,
		}),
		cfg: cfg,
		api: newAPI(cfg),
	}
}

func (p *Provider) Capabilities() core.ProviderCapabilities {
	return core.ProviderCapabilities{
		RequiresTenantSelection: true,
		RotatesRefreshToken:     true,
		Pagination:              core.PaginationCursor,
		DefaultScopes:           p.Scopes(),
	}
}

type business struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayedAs string `json:"displayed_as"`
}

func (p *Provider) ExchangeCode(ctx context.Context, req core.ExchangeCodeRequest) (core.TokenGrant, error) {
	grant, err := p.Exchange(ctx, req.Code, req.RedirectURI)
	if err != nil {
		return core.TokenGrant{}, err
	}
	res, err := p.api.Do(ctx, transport.Request{
		URL:         p.endpoint("/businesses"),
		BearerToken: grant.AccessToken,
	})
	if err != nil {
		return core.TokenGrant{}, err
	}
	businesses, err := decodeBusinesses(res.Body)
	if err != nil {
		return core.TokenGrant{}, err
	}
	if len(businesses) == 0 {
		return core.TokenGrant{}, core.NewAuthError("sage: authorization granted no business", nil)
	}

	selected := businesses[0]
	if wanted := strings.TrimSpace(req.Params["business_id"]); wanted != "" {
		found := false
		for _, candidate := range businesses {
			if candidate.ID == wanted {
				selected, found = candidate, true
				break
			}
		}
		if !found {
			return core.TokenGrant{}, core.NewAuthError("sage: requested business is not connected", nil)
		}
	}
	available := make([]map[string]any, 0, len(businesses))
	for _, candidate := range businesses {
		available = append(available, map[string]any{"id": candidate.ID, "name": candidate.label()})
	}
	grant.Tenant = &core.TenantInfo{ID: selected.ID, Name: selected.label()}
	grant.Metadata["available_tenants"] = available
	return grant, nil
}

func (b business) label() string {
	return providers.FirstNonEmpty(b.Name, b.DisplayedAs)
}

// decodeBusinesses accepts both the bare array and the $items envelope.
func decodeBusinesses(body []byte) ([]business, error) {
	var list []business
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var envelope struct {
		Items []business `json:"$items"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, core.NewUpstreamUnavailableError("sage: decode businesses", err)
	}
	return envelope.Items, nil
}

func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (core.TokenGrant, error) {
	return p.Refresh(ctx, refreshToken)
}

func (p *Provider) FetchTransactions(_ context.Context, req core.FetchRequest) (core.PageSource, error) {
	return p.listing(req, "/bank_transactions")
}

func (p *Provider) FetchInvoices(_ context.Context, req core.FetchRequest) (core.PageSource, error) {
	return p.listing(req, "/purchase_invoices")
}

func (p *Provider) endpoint(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, APIVersionPath+"/") {
		path = APIVersionPath + "/" + strings.TrimPrefix(path, "/")
	}
	return providers.ResolveEndpoint(p.cfg.BaseURL, path)
}

func (p *Provider) listing(req core.FetchRequest, path string) (core.PageSource, error) {
	businessID := strings.TrimSpace(req.TenantID)
	if businessID == "" {
		return nil, core.NewProviderConfigError("sage: business id is required for data calls", nil)
	}
	first := url.Values{
		"items_per_page": {strconv.Itoa(p.cfg.PageSize)},
		"attributes":     {"all"},
	}
	if req.Since != nil {
		first.Set("updated_or_created_since", req.Since.UTC().Format(time.RFC3339))
	}
	start := p.endpoint(path) + "?" + first.Encode()

	return providers.NewPagedSource(providers.PagedSourceConfig{
		Start:     providers.Position{Cursor: start},
		PageSize:  p.cfg.PageSize,
		MaxPages:  req.MaxPages,
		Watermark: providers.FieldWatermark("updated_at"),
		Fetch: func(ctx context.Context, at providers.Position) (providers.PageResult, error) {
			var payload struct {
				Items []any  `json:"$items"`
				Next  string `json:"$next"`
			}
			_, err := p.api.DoJSON(ctx, transport.Request{
				URL:         at.Cursor,
				Headers:     map[string]string{businessHeader: businessID},
				BearerToken: req.AccessToken,
				Bucket:      providers.RateLimitBucket(ProviderID, businessID),
			}, &payload)
			if err != nil {
				return providers.PageResult{}, err
			}
			next := strings.TrimSpace(payload.Next)
			result := providers.PageResult{
				Records: providers.RecordsFrom(payload.Items),
				HasMore: next != "",
			}
			if next != "" {
				result.Next = providers.Position{Number: at.Number + 1, Cursor: p.endpoint(next)}
			}
			return result, nil
		},
	}), nil
}

var _ core.Provider = (*Provider)(nil)

func newAPI(cfg Config) *transport.RESTAdapter {
	api := transport.NewRESTAdapter(cfg.HTTPClient)
	api.Limiter = cfg.Limiter
	return api
}
