package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-ledgersync/core"
)

func TestRESTAdapter_SendsBearerTokenAndQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if got := r.URL.Query().Get("page"); got != "2" {
			t.Errorf("expected page=2, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"1"}]}`))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	var payload struct {
		Items []map[string]any `json:"items"`
	}
	_, err := adapter.DoJSON(context.Background(), Request{
		URL:         server.URL + "/v2/bank_transactions",
		Query:       url.Values{"page": {"2"}},
		BearerToken: "token-1",
	}, &payload)
	if err != nil {
		t.Fatalf("do json: %v", err)
	}
	if len(payload.Items) != 1 {
		t.Fatalf("expected one item, got %d", len(payload.Items))
	}
}

func TestRESTAdapter_MapsStatusCodesToTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		header string
		kind   core.ErrorKind
		retry  time.Duration
	}{
		{http.StatusUnauthorized, "", core.KindAuth, 0},
		{http.StatusTooManyRequests, "60", core.KindRateLimited, 60 * time.Second},
		{http.StatusServiceUnavailable, "", core.KindUpstreamUnavailable, 0},
		{http.StatusBadRequest, "", core.KindProviderConfig, 0},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if tc.header != "" {
				w.Header().Set("Retry-After", tc.header)
			}
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"detail":"provider internals"}`))
		}))
		adapter := NewRESTAdapter(server.Client())
		_, err := adapter.Do(context.Background(), Request{URL: server.URL})
		server.Close()

		if got := core.KindOf(err); got != tc.kind {
			t.Fatalf("status %d: expected %q, got %q (%v)", tc.status, tc.kind, got, err)
		}
		if got := core.RetryAfter(err); got != tc.retry {
			t.Fatalf("status %d: expected retry after %s, got %s", tc.status, tc.retry, got)
		}
		var rich *goerrors.Error
		if !goerrors.As(err, &rich) {
			t.Fatalf("expected go-errors envelope")
		}
		if rich.Message == `{"detail":"provider internals"}` {
			t.Fatalf("provider body must not become the error message")
		}
	}
}

func TestRESTAdapter_ResponseLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("12345"))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	adapter.MaxResponseBodyBytes = 4
	_, err := adapter.Do(context.Background(), Request{URL: server.URL})
	if !core.IsKind(err, core.KindUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := ParseRetryAfter("120", now); got != 2*time.Minute {
		t.Fatalf("expected 2m, got %s", got)
	}
	date := now.Add(30 * time.Second).Format(http.TimeFormat)
	if got := ParseRetryAfter(date, now); got != 30*time.Second {
		t.Fatalf("expected 30s, got %s", got)
	}
	if got := ParseRetryAfter("soon", now); got != 0 {
		t.Fatalf("expected 0 for garbage, got %s", got)
	}
}
