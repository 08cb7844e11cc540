package quickbooks

import (
	"context"
	"fmt"
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
	ProviderID        = core.ProviderQuickBooks
	AuthURL           = "https://appcenter.intuit.com/connect/oauth2"
	TokenURL          = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	SandboxBaseURL    = "https://sandbox-quickbooks.api.intuit.com"
	ProductionBaseURL = "https://quickbooks.api.intuit.com"
	DefaultPageSize   = 200
	MinorVersion      = "70"

	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RevokeURL    string
	BaseURL      string
	Environment  string
	Scopes       []string
	PageSize     int
	HTTPClient   *http.Client
	Limiter      transport.Limiter
}

func DefaultConfig() Config {
	return Config{
		AuthURL:     AuthURL,
		TokenURL:    TokenURL,
		Environment: EnvironmentSandbox,
		Scopes:      []string{"com.intuit.quickbooks.accounting"},
		PageSize:    DefaultPageSize,
	}
}

// Provider connects to QuickBooks Online. The company (realm) is chosen on
// Intuit's consent screen and returned as the realmId callback param.
type Provider struct {
	*providers.OAuth2Provider
	cfg Config
	api *transport.RESTAdapter
}

func New(cfg Config) *Provider {
	defaults := DefaultConfig()
	cfg.AuthURL = providers.FirstNonEmpty(cfg.AuthURL, defaults.AuthURL)
	cfg.TokenURL = providers.FirstNonEmpty(cfg.TokenURL, defaults.TokenURL)
	cfg.Environment = strings.ToLower(providers.FirstNonEmpty(cfg.Environment, defaults.Environment))
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxBaseURL
		if cfg.Environment == EnvironmentProduction {
			cfg.BaseURL = ProductionBaseURL
		}
	}
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
		Pagination:              core.PaginationOffset,
		DefaultScopes:           p.Scopes(),
	}
}

func (p *Provider) ExchangeCode(ctx context.Context, req core.ExchangeCodeRequest) (core.TokenGrant, error) {
	realmID := providers.FirstNonEmpty(req.Params["realm_id"], req.Params["realmId"])
	if realmID == "" {
		return core.TokenGrant{}, core.NewAuthError("quickbooks: realmId is required to bind a company", nil)
	}
	grant, err := p.Exchange(ctx, req.Code, req.RedirectURI)
	if err != nil {
		return core.TokenGrant{}, err
	}
	grant.Tenant = &core.TenantInfo{ID: realmID, Name: p.companyName(ctx, grant.AccessToken, realmID)}
	grant.Metadata["realm_id"] = realmID
	grant.Metadata["environment"] = p.cfg.Environment
	return grant, nil
}

// companyName is best effort; a missing name never fails the connection.
func (p *Provider) companyName(ctx context.Context, accessToken, realmID string) string {
	var payload struct {
		CompanyInfo struct {
			CompanyName string `json:"CompanyName"`
		} `json:"CompanyInfo"`
	}
	path := fmt.Sprintf("/v3/company/%s/companyinfo/%s", url.PathEscape(realmID), url.PathEscape(realmID))
	if _, err := p.api.DoJSON(ctx, transport.Request{
		URL:         providers.ResolveEndpoint(p.cfg.BaseURL, path),
		Query:       url.Values{"minorversion": {MinorVersion}},
		BearerToken: accessToken,
	}, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.CompanyInfo.CompanyName)
}

func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (core.TokenGrant, error) {
	return p.Refresh(ctx, refreshToken)
}

func (p *Provider) FetchTransactions(_ context.Context, req core.FetchRequest) (core.PageSource, error) {
	return p.query(req, "Purchase")
}

func (p *Provider) FetchInvoices(_ context.Context, req core.FetchRequest) (core.PageSource, error) {
	return p.query(req, "Bill")
}

// BuildQuery renders the query-language statement for one page of entity.
func BuildQuery(entity string, since *time.Time, startPosition, maxResults int) string {
	var builder strings.Builder
	builder.WriteString("select * from ")
	builder.WriteString(entity)
	if since != nil {
		builder.WriteString(" where MetaData.LastUpdatedTime >= '")
		builder.WriteString(since.UTC().Format(time.RFC3339))
		builder.WriteString("'")
	}
	builder.WriteString(" orderby MetaData.LastUpdatedTime")
	builder.WriteString(" startposition ")
	builder.WriteString(strconv.Itoa(startPosition))
	builder.WriteString(" maxresults ")
	builder.WriteString(strconv.Itoa(maxResults))
	return builder.String()
}

func (p *Provider) query(req core.FetchRequest, entity string) (core.PageSource, error) {
	realmID := strings.TrimSpace(req.TenantID)
	if realmID == "" {
		return nil, core.NewProviderConfigError("quickbooks: realm id is required for data calls", nil)
	}
	endpoint := providers.ResolveEndpoint(p.cfg.BaseURL, "/v3/company/"+url.PathEscape(realmID)+"/query")
	since := req.Since

	return providers.NewPagedSource(providers.PagedSourceConfig{
		Start:     providers.Position{Offset: 1},
		PageSize:  p.cfg.PageSize,
		MaxPages:  req.MaxPages,
		Ordered:   true,
		Watermark: providers.FieldWatermark("MetaData.LastUpdatedTime"),
		Fetch: func(ctx context.Context, at providers.Position) (providers.PageResult, error) {
			var payload struct {
				QueryResponse map[string]any `json:"QueryResponse"`
			}
			_, err := p.api.DoJSON(ctx, transport.Request{
				URL: endpoint,
				Query: url.Values{
					"query":        {BuildQuery(entity, since, at.Offset, p.cfg.PageSize)},
					"minorversion": {MinorVersion},
				},
				BearerToken: req.AccessToken,
				Bucket:      providers.RateLimitBucket(ProviderID, realmID),
			}, &payload)
			if err != nil {
				return providers.PageResult{}, err
			}
			items, _ := payload.QueryResponse[entity].([]any)
			return providers.PageResult{
				Records: providers.RecordsFrom(items),
				Next:    providers.Position{Number: at.Number + 1, Offset: at.Offset + len(items)},
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
