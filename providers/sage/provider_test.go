package sage

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

func TestExchangeAndFollowNextLinks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("client_secret") != "secret-1" {
			t.Errorf("expected client secret in body")
		}
		writeJSON(w, map[string]any{"access_token": "access-1", "refresh_token": "refresh-1", "expires_in": 300})
	})
	mux.HandleFunc("/v3.1/businesses", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, []map[string]any{{"id": "biz-1", "name": "Lead Business"}})
	})
	mux.HandleFunc("/v3.1/bank_transactions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Business") != "biz-1" {
			t.Errorf("expected X-Business header")
		}
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, map[string]any{"$items": []map[string]any{{"id": "bt-2", "updated_at": "2025-01-02T00:00:00Z"}}, "$next": nil})
			return
		}
		if r.URL.Query().Get("attributes") != "all" {
			t.Errorf("expected attributes=all on first page")
		}
		writeJSON(w, map[string]any{
			"$items": []map[string]any{{"id": "bt-1", "updated_at": "2025-01-03T00:00:00Z"}},
			"$next":  "/bank_transactions?page=2&items_per_page=1",
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	provider := New(Config{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		AuthURL:      server.URL + "/authorize",
		TokenURL:     server.URL + "/token",
		BaseURL:      server.URL,
		PageSize:     1,
		HTTPClient:   server.Client(),
	})
	grant, err := provider.ExchangeCode(context.Background(), core.ExchangeCodeRequest{Code: "code-1"})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if grant.Tenant == nil || grant.Tenant.ID != "biz-1" {
		t.Fatalf("unexpected tenant %+v", grant.Tenant)
	}

	source, err := provider.FetchTransactions(context.Background(), core.FetchRequest{AccessToken: "access-1", TenantID: "biz-1"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	first, err := source.Next(context.Background())
	if err != nil || first.Done || first.Watermark != nil {
		t.Fatalf("unexpected first page %+v %v", first, err)
	}
	second, err := source.Next(context.Background())
	if err != nil || !second.Done {
		t.Fatalf("unexpected second page %+v %v", second, err)
	}
	if second.Watermark == nil || second.Watermark.Day() != 3 {
		t.Fatalf("expected final watermark at the latest update, got %v", second.Watermark)
	}
}

func TestDecodeBusinessesEnvelope(t *testing.T) {
	list, err := decodeBusinesses([]byte(`{"$items":[{"id":"b-1","displayed_as":"Shown"}]}`))
	if err != nil || len(list) != 1 || list[0].label() != "Shown" {
		t.Fatalf("unexpected businesses %+v %v", list, err)
	}
}
