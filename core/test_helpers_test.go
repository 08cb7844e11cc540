package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeProvider struct {
	id           ProviderID
	caps         ProviderCapabilities
	exchangeFn   func(ctx context.Context, req ExchangeCodeRequest) (TokenGrant, error)
	refreshFn    func(ctx context.Context, refreshToken string) (TokenGrant, error)
	revokeErr    error
	configErr    error
	refreshCalls atomic.Int32
	revokeCalls  atomic.Int32
}

func newFakeProvider(id ProviderID) *fakeProvider {
	return &fakeProvider{
		id: id,
		caps: ProviderCapabilities{
			RotatesRefreshToken: true,
			Pagination:          PaginationPage,
		},
	}
}

func (p *fakeProvider) ID() ProviderID { return p.id }

func (p *fakeProvider) Capabilities() ProviderCapabilities { return p.caps }

func (p *fakeProvider) ValidateConfig() error { return p.configErr }

func (p *fakeProvider) BuildAuthorizeURL(_ context.Context, req AuthorizeURLRequest) (string, error) {
	return "https://auth.example.test/authorize?state=" + req.State + "&redirect_uri=" + req.RedirectURI, nil
}

func (p *fakeProvider) ExchangeCode(ctx context.Context, req ExchangeCodeRequest) (TokenGrant, error) {
	if p.exchangeFn != nil {
		return p.exchangeFn(ctx, req)
	}
	if req.Code != "good-code" {
		return TokenGrant{}, NewAuthError("invalid_grant", nil)
	}
	expires := time.Now().UTC().Add(time.Hour)
	return TokenGrant{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiresAt:    &expires,
		Tenant:       &TenantInfo{ID: "tenant-1", Name: "Acme Ltd"},
	}, nil
}

func (p *fakeProvider) RefreshToken(ctx context.Context, refreshToken string) (TokenGrant, error) {
	p.refreshCalls.Add(1)
	if p.refreshFn != nil {
		return p.refreshFn(ctx, refreshToken)
	}
	expires := time.Now().UTC().Add(time.Hour)
	return TokenGrant{AccessToken: "access-refreshed", RefreshToken: "refresh-2", ExpiresAt: &expires, Rotated: true}, nil
}

func (p *fakeProvider) Revoke(context.Context, RevokeRequest) error {
	p.revokeCalls.Add(1)
	return p.revokeErr
}

func (p *fakeProvider) FetchTransactions(context.Context, FetchRequest) (PageSource, error) {
	return nil, NewProviderConfigError("not used in core tests", nil)
}

func (p *fakeProvider) FetchInvoices(context.Context, FetchRequest) (PageSource, error) {
	return nil, NewProviderConfigError("not used in core tests", nil)
}

type fastBackoff struct{}

func (fastBackoff) NextDelay(int) time.Duration { return time.Millisecond }

type captureMetricsRecorder struct {
	mu       sync.Mutex
	counters map[string]int64
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = map[string]int64{}
	}
	m.counters[name] += value
}

func (m *captureMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func (m *captureMetricsRecorder) count(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func newTestTokenManager(t *testing.T, providers ...Provider) (*TokenManager, *MemoryCredentialStore) {
	t.Helper()
	store := NewMemoryCredentialStore()
	return newTestTokenManagerOn(t, store, providers...), store
}

// newTestTokenManagerOn builds a manager over a store another manager may
// share, standing in for a second broker instance.
func newTestTokenManagerOn(t *testing.T, store CredentialStore, providers ...Provider) *TokenManager {
	t.Helper()
	registry, err := NewProviderRegistry(providers...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	manager, err := NewTokenManager(Config{PublicOrigin: "https://broker.example.test"},
		WithRegistry(registry),
		WithCredentialStore(store),
		WithRefreshBackoffScheduler(fastBackoff{}),
	)
	if err != nil {
		t.Fatalf("new token manager: %v", err)
	}
	return manager
}

// seedConnected stores a connected credential whose access token expires at
// expiresAt.
func seedConnected(t *testing.T, store *MemoryCredentialStore, provider ProviderID, expiresAt time.Time) Credential {
	t.Helper()
	stored, err := store.Upsert(context.Background(), Credential{
		BusinessProfileID:    "bp-1",
		Provider:             provider,
		ExternalTenantID:     "tenant-1",
		AccessToken:          "access-old",
		RefreshToken:         "refresh-old",
		TokenType:            "Bearer",
		AccessTokenExpiresAt: &expiresAt,
		Status:               CredentialStatusConnected,
		Generation:           1,
	})
	if err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	return stored
}
