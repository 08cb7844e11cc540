package ledgersync

import (
	"context"
	"sync"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"
	ledgercmd "github.com/goliatone/go-ledgersync/command"
	"github.com/goliatone/go-ledgersync/core"
	"github.com/shopspring/decimal"
)

// scriptedProvider serves fixed pages and accepts the code "good-code".
type scriptedProvider struct {
	id           core.ProviderID
	transactions []core.Page
	invoices     []core.Page

	mu     sync.Mutex
	tenant string
}

func newScriptedProvider(id core.ProviderID) *scriptedProvider {
	return &scriptedProvider{id: id}
}

func (p *scriptedProvider) ID() core.ProviderID { return p.id }

func (p *scriptedProvider) Capabilities() core.ProviderCapabilities {
	return core.ProviderCapabilities{RequiresTenantSelection: true, Pagination: core.PaginationPage}
}

func (p *scriptedProvider) BuildAuthorizeURL(_ context.Context, req core.AuthorizeURLRequest) (string, error) {
	return "https://login.example.test/authorize?state=" + req.State, nil
}

func (p *scriptedProvider) ExchangeCode(_ context.Context, req core.ExchangeCodeRequest) (core.TokenGrant, error) {
	if req.Code != "good-code" {
		return core.TokenGrant{}, core.NewAuthError("invalid_grant", nil)
	}
	expires := time.Now().UTC().Add(time.Hour)
	return core.TokenGrant{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiresAt:    &expires,
		Tenant:       &core.TenantInfo{ID: "tenant-1", Name: "Acme Ltd"},
	}, nil
}

func (p *scriptedProvider) RefreshToken(context.Context, string) (core.TokenGrant, error) {
	expires := time.Now().UTC().Add(time.Hour)
	return core.TokenGrant{AccessToken: "access-2", RefreshToken: "refresh-2", ExpiresAt: &expires, Rotated: true}, nil
}

func (p *scriptedProvider) Revoke(context.Context, core.RevokeRequest) error { return nil }

func (p *scriptedProvider) FetchTransactions(_ context.Context, req core.FetchRequest) (core.PageSource, error) {
	p.mu.Lock()
	p.tenant = req.TenantID
	p.mu.Unlock()
	return &pageList{pages: p.transactions}, nil
}

func (p *scriptedProvider) FetchInvoices(_ context.Context, req core.FetchRequest) (core.PageSource, error) {
	return &pageList{pages: p.invoices}, nil
}

func (p *scriptedProvider) lastTenant() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tenant
}

type pageList struct {
	pages []core.Page
	next  int
}

func (s *pageList) Next(context.Context) (core.Page, error) {
	if s.next >= len(s.pages) {
		return core.Page{Number: s.next + 1, Done: true}, nil
	}
	page := s.pages[s.next]
	s.next++
	if s.next == len(s.pages) {
		page.Done = true
	}
	return page, nil
}

// flatTransaction maps {"id","amount","date","updated_at"} payloads.
func flatTransaction(raw core.RawRecord) (core.NormalizedTransaction, error) {
	id, _ := raw["id"].(string)
	if id == "" {
		return core.NormalizedTransaction{}, core.NewNormalizationError("missing id", "id", nil)
	}
	amount, err := decimal.NewFromString(raw["amount"].(string))
	if err != nil {
		return core.NormalizedTransaction{}, core.NewNormalizationError("bad amount", "amount", err)
	}
	date, _ := time.Parse("2006-01-02", raw["date"].(string))
	direction := core.DirectionDebit
	if amount.IsNegative() {
		direction = core.DirectionCredit
		amount = amount.Neg()
	}
	record := core.NormalizedTransaction{
		ExternalID:      id,
		Direction:       direction,
		TransactionDate: date,
		Amount:          amount,
		Currency:        "GBP",
	}
	if updated, ok := raw["updated_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, updated); err == nil {
			record.SourceUpdatedAt = &ts
		}
	}
	return record, nil
}

func flatInvoice(raw core.RawRecord) (core.NormalizedInvoice, error) {
	id, _ := raw["id"].(string)
	if id == "" {
		return core.NormalizedInvoice{}, core.NewNormalizationError("missing id", "id", nil)
	}
	total, _ := decimal.NewFromString(raw["total"].(string))
	return core.NormalizedInvoice{
		ExternalID:  id,
		InvoiceType: core.InvoiceTypeBill,
		Number:      "INV-" + id,
		IssueDate:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Total:       total,
		AmountDue:   total,
		Currency:    "GBP",
	}, nil
}

func txPage(number int, watermark string, records ...core.RawRecord) core.Page {
	page := core.Page{Number: number, Records: records}
	if watermark != "" {
		ts, _ := time.Parse(time.RFC3339, watermark)
		page.Watermark = &ts
	}
	return page
}

func newTestService(t *testing.T, provider *scriptedProvider) *Service {
	t.Helper()
	hooks := NewExtensionHooks()
	if err := hooks.RegisterProviderPack(ProviderPack{Name: "scripted", Providers: []core.Provider{provider}}); err != nil {
		t.Fatalf("register provider pack: %v", err)
	}
	if err := hooks.RegisterMapperPack(MapperPack{
		Name:         "flat",
		Provider:     provider.id,
		Transactions: flatTransaction,
		Invoices:     flatInvoice,
	}); err != nil {
		t.Fatalf("register mapper pack: %v", err)
	}
	cfg := DefaultConfig()
	cfg.PublicOrigin = "https://broker.example.test"
	svc, err := NewService(cfg, Dependencies{Hooks: hooks})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func runCommand[M any, R any](t *testing.T, cmd gocmd.Commander[M], msg M) (R, error) {
	t.Helper()
	collector := gocmd.NewResult[R]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	err := cmd.Execute(ctx, msg)
	out, _ := collector.Load()
	return out, err
}

// connect runs authorize then exchange through the facade commands.
func connect(t *testing.T, facade *Facade, bp string, provider core.ProviderID) core.ExchangeResult {
	t.Helper()
	authorize, err := runCommand[ledgercmd.BuildAuthorizeURLMessage, core.AuthorizeURLResult](t, facade.Commands().BuildAuthorizeURL, ledgercmd.BuildAuthorizeURLMessage{
		BusinessProfileID: bp,
		Provider:          provider,
	})
	if err != nil {
		t.Fatalf("authorize url: %v", err)
	}
	if authorize.State == "" {
		t.Fatalf("expected authorize state")
	}
	exchanged, err := runCommand[ledgercmd.ExchangeMessage, core.ExchangeResult](t, facade.Commands().Exchange, ledgercmd.ExchangeMessage{
		Request: core.ExchangeRequest{
			BusinessProfileID: bp,
			Provider:          provider,
			Code:              "good-code",
			State:             authorize.State,
		},
	})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	return exchanged
}
