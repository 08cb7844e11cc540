package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/goliatone/go-ledgersync/transport"
)

func response(status int, headers map[string]string) transport.Response {
	h := http.Header{}
	for key, value := range headers {
		h.Set(key, value)
	}
	return transport.Response{StatusCode: status, Headers: h}
}

func TestAdaptivePolicy_BeforeCallAllowsWhenNoState(t *testing.T) {
	policy := NewAdaptivePolicy(NewMemoryStateStore())

	if err := policy.BeforeCall(context.Background(), "xero:tenant-1"); err != nil {
		t.Fatalf("expected no error when no state exists, got %v", err)
	}
}

func TestAdaptivePolicy_AfterCallPersistsBudget(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	policy.AfterCall(context.Background(), "Xero:Tenant-1", response(http.StatusOK, map[string]string{
		"X-RateLimit-Limit":    "60",
		"X-MinLimit-Remaining": "42",
		"X-RateLimit-Reset":    "1700000045",
	}))

	state, err := store.Get(context.Background(), "xero:tenant-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Limit != 60 || state.Remaining != 42 {
		t.Fatalf("expected limit 60 remaining 42, got %+v", state)
	}
	if state.ResetAt == nil || !state.ResetAt.Equal(now.Add(45*time.Second)) {
		t.Fatalf("unexpected reset at %+v", state.ResetAt)
	}
	if state.ThrottledUntil != nil {
		t.Fatalf("expected no throttle window")
	}
}

func TestAdaptivePolicy_429OpensWindowFromRetryAfter(t *testing.T) {
	policy := NewAdaptivePolicy(NewMemoryStateStore())
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }
	ctx := context.Background()

	policy.AfterCall(ctx, "quickbooks:realm-1", response(http.StatusTooManyRequests, map[string]string{"Retry-After": "30"}))

	err := policy.BeforeCall(ctx, "quickbooks:realm-1")
	if !core.IsKind(err, core.KindRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if wait := core.RetryAfter(err); wait != 30*time.Second {
		t.Fatalf("expected 30s retry after, got %s", wait)
	}
	if err := policy.BeforeCall(ctx, "quickbooks:realm-2"); err != nil {
		t.Fatalf("other tenants must not be throttled, got %v", err)
	}

	now = now.Add(31 * time.Second)
	if err := policy.BeforeCall(ctx, "quickbooks:realm-1"); err != nil {
		t.Fatalf("expected window to close, got %v", err)
	}
}

func TestAdaptivePolicy_BackoffGrowsWithoutRetryAfter(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }
	ctx := context.Background()

	policy.AfterCall(ctx, "sage:b-1", response(http.StatusTooManyRequests, nil))
	policy.AfterCall(ctx, "sage:b-1", response(http.StatusTooManyRequests, nil))

	state, err := store.Get(ctx, "sage:b-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", state.Attempts)
	}
	if state.ThrottledUntil == nil || !state.ThrottledUntil.Equal(now.Add(2*time.Second)) {
		t.Fatalf("expected 2s window, got %+v", state.ThrottledUntil)
	}

	policy.AfterCall(ctx, "sage:b-1", response(http.StatusOK, nil))
	state, _ = store.Get(ctx, "sage:b-1")
	if state.Attempts != 0 || state.ThrottledUntil != nil {
		t.Fatalf("expected success to reset throttle, got %+v", state)
	}
}

func TestAdaptivePolicy_ServerErrorsDoNotThrottle(t *testing.T) {
	policy := NewAdaptivePolicy(NewMemoryStateStore())
	ctx := context.Background()

	policy.AfterCall(ctx, "xero:t", response(http.StatusServiceUnavailable, map[string]string{"X-RateLimit-Remaining": "0"}))
	if err := policy.BeforeCall(ctx, "xero:t"); err != nil {
		t.Fatalf("expected 5xx to leave bucket open, got %v", err)
	}
}

func TestAdaptivePolicy_GuardsRESTAdapter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	adapter := transport.NewRESTAdapter(server.Client())
	adapter.Limiter = NewAdaptivePolicy(NewMemoryStateStore())
	req := transport.Request{URL: server.URL + "/api", Bucket: "xero:tenant-1"}

	for i := 0; i < 3; i++ {
		_, err := adapter.Do(context.Background(), req)
		if !core.IsKind(err, core.KindRateLimited) {
			t.Fatalf("call %d: expected rate limited, got %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one upstream call while throttled, got %d", got)
	}
}
