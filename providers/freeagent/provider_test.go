package freeagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goliatone/go-ledgersync/core"
)

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func TestExchangeAndFetchBills(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/token_endpoint", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"access_token": "access-1", "refresh_token": "refresh-1", "expires_in": 604800})
	})
	mux.HandleFunc("/v2/company", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"company": map[string]any{"url": "https://api.example/v2/company", "name": "Free Co", "subdomain": "freeco"}})
	})
	mux.HandleFunc("/v2/bills", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subdomain") != "freeco" {
			t.Errorf("expected subdomain header")
		}
		if r.URL.Query().Get("nested_bill_items") != "true" {
			t.Errorf("expected nested bill items")
		}
		if r.URL.Query().Get("updated_since") == "" {
			t.Errorf("expected updated_since filter")
		}
		writeJSON(w, map[string]any{"bills": []map[string]any{{"url": "https://api.example/v2/bills/1", "updated_at": "2025-03-01T12:00:00.000Z"}}})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	provider := New(Config{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		BaseURL:      server.URL,
		HTTPClient:   server.Client(),
	})
	if len(provider.Capabilities().DefaultScopes) != 0 {
		t.Fatalf("expected no scopes")
	}
	grant, err := provider.ExchangeCode(context.Background(), core.ExchangeCodeRequest{Code: "code-1"})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if grant.Tenant == nil || grant.Tenant.ID != "freeco" || grant.Tenant.Name != "Free Co" {
		t.Fatalf("unexpected tenant %+v", grant.Tenant)
	}

	since := core.ParseWatermark("2025-01-01T00:00:00Z")
	source, err := provider.FetchInvoices(context.Background(), core.FetchRequest{AccessToken: "access-1", TenantID: "freeco", Since: since})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	page, err := source.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if !page.Done || len(page.Records) != 1 || page.Watermark == nil {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestDataCallMapsUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := New(Config{ClientID: "c", ClientSecret: "s", BaseURL: server.URL, HTTPClient: server.Client()})
	source, err := provider.FetchTransactions(context.Background(), core.FetchRequest{AccessToken: "revoked"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if _, err := source.Next(context.Background()); !core.IsKind(err, core.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}
