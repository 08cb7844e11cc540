package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/goliatone/go-ledgersync/webhooks"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCredentials struct {
	lastBP       string
	lastProvider core.ProviderID
	lastExchange core.ExchangeRequest
	exchangeErr  error
	status       core.StatusView
}

func (s *stubCredentials) BuildAuthorizeURL(_ context.Context, bp string, provider core.ProviderID) (core.AuthorizeURLResult, error) {
	s.lastBP, s.lastProvider = bp, provider
	return core.AuthorizeURLResult{AuthorizeURL: "https://login.example/authorize?state=n1", State: "n1"}, nil
}

func (s *stubCredentials) Exchange(_ context.Context, req core.ExchangeRequest) (core.ExchangeResult, error) {
	s.lastExchange = req
	if s.exchangeErr != nil {
		return core.ExchangeResult{}, s.exchangeErr
	}
	return core.ExchangeResult{Status: core.CredentialStatusConnected, TenantID: "tenant-1"}, nil
}

func (s *stubCredentials) Disconnect(_ context.Context, bp string, provider core.ProviderID) (core.DisconnectResult, error) {
	s.lastBP, s.lastProvider = bp, provider
	return core.DisconnectResult{Status: core.CredentialStatusDisconnected}, nil
}

func (s *stubCredentials) GetStatus(_ context.Context, bp string, provider core.ProviderID) (core.StatusView, error) {
	s.lastBP, s.lastProvider = bp, provider
	return s.status, nil
}

type stubRunner struct {
	last   core.RunSyncRequest
	result core.SyncRunResult
	err    error
}

func (s *stubRunner) RunSync(_ context.Context, req core.RunSyncRequest) (core.SyncRunResult, error) {
	s.last = req
	return s.result, s.err
}

type stubTrigger struct {
	last core.SyncJobRequest
}

func (s *stubTrigger) Submit(_ context.Context, req core.SyncJobRequest) (core.JobHandle, error) {
	s.last = req
	return core.JobHandle{ID: "job-1", Status: core.JobStatusQueued, SubmittedAt: time.Now()}, nil
}

type stubRuns struct {
	run core.SyncRun
}

func (s *stubRuns) GetRun(_ context.Context, runID string) (core.SyncRun, error) {
	if runID != s.run.ID {
		return core.SyncRun{}, core.ErrSyncRunNotFound
	}
	return s.run, nil
}

func (s *stubRuns) ListRuns(context.Context, core.CredentialKey, int) ([]core.SyncRun, error) {
	return []core.SyncRun{s.run}, nil
}

type fixture struct {
	server      *Server
	credentials *stubCredentials
	runner      *stubRunner
	trigger     *stubTrigger
	records     *core.MemoryRecordStore
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	f := fixture{
		credentials: &stubCredentials{},
		runner:      &stubRunner{},
		trigger:     &stubTrigger{},
		records:     core.NewMemoryRecordStore(),
	}
	server, err := New(Services{
		Credentials: f.credentials,
		Runner:      f.runner,
		Trigger:     f.trigger,
		Runs: &stubRuns{run: core.SyncRun{
			ID:                "run-1",
			BusinessProfileID: "bp-1",
			Provider:          core.ProviderXero,
			Trigger:           core.SyncTriggerAPI,
			Status:            core.SyncRunStatusSucceeded,
			Resources: map[core.ResourceType]core.ResourceOutcome{
				core.ResourceInvoices:         {ResourceType: core.ResourceInvoices, Status: core.SyncRunStatusSucceeded},
				core.ResourceBankTransactions: {ResourceType: core.ResourceBankTransactions, Status: core.SyncRunStatusSucceeded},
			},
		}},
		Records: f.records,
	}, cfg)
	require.NoError(t, err)
	f.server = server
	return f
}

func doJSON(t *testing.T, s *Server, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func errorKind(t *testing.T, body map[string]any) string {
	t.Helper()
	envelope, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %v", body)
	kind, _ := envelope["kind"].(string)
	return kind
}

func TestNewRequiresCredentialsAndRunner(t *testing.T) {
	_, err := New(Services{Runner: &stubRunner{}}, Config{})
	require.Error(t, err)

	_, err = New(Services{Credentials: &stubCredentials{}}, Config{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Config{})
	status, body := doJSON(t, f.server, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestAPIKeyGuardsInternalRoutes(t *testing.T) {
	f := newFixture(t, Config{APIKey: "secret"})

	status, body := doJSON(t, f.server, http.MethodGet, "/internal/oauth/xero/status?business_profile_id=bp-1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, string(core.KindAuth), errorKind(t, body))

	status, _ = doJSON(t, f.server, http.MethodGet, "/internal/oauth/xero/status?business_profile_id=bp-1", nil,
		map[string]string{APIKeyHeader: "secret"})
	assert.Equal(t, http.StatusOK, status)
}

func TestAuthorizeURLResolvesProviderAlias(t *testing.T) {
	f := newFixture(t, Config{})

	status, body := doJSON(t, f.server, http.MethodPost, "/internal/oauth/free_agent/authorize-url",
		map[string]any{"business_profile_id": "bp-1"}, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "n1", body["state"])
	assert.Contains(t, body["authorize_url"], "state=n1")
	assert.Equal(t, core.ProviderFreeAgent, f.credentials.lastProvider)
	assert.Equal(t, "bp-1", f.credentials.lastBP)
}

func TestUnknownProviderIsNotFound(t *testing.T) {
	f := newFixture(t, Config{})

	status, body := doJSON(t, f.server, http.MethodPost, "/internal/oauth/myob/authorize-url",
		map[string]any{"business_profile_id": "bp-1"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(core.KindProviderConfig), errorKind(t, body))
}

func TestAuthorizeURLRequiresBusinessProfile(t *testing.T) {
	f := newFixture(t, Config{})

	status, body := doJSON(t, f.server, http.MethodPost, "/internal/oauth/xero/authorize-url", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(core.KindBadInput), errorKind(t, body))
}

func TestExchangeReadsCallbackURL(t *testing.T) {
	f := newFixture(t, Config{})

	status, body := doJSON(t, f.server, http.MethodPost, "/internal/oauth/quickbooks/exchange", map[string]any{
		"business_profile_id": "bp-1",
		"callback_url":        "https://app.example/callback?code=c-1&state=n1&realmId=realm-9",
	}, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "tenant-1", body["tenant_id"])
	assert.Equal(t, "c-1", f.credentials.lastExchange.Code)
	assert.Equal(t, "n1", f.credentials.lastExchange.State)
	assert.Equal(t, "realm-9", f.credentials.lastExchange.Params["realmId"])
}

func TestExchangeExplicitRealmWins(t *testing.T) {
	f := newFixture(t, Config{})

	status, _ := doJSON(t, f.server, http.MethodPost, "/internal/oauth/quickbooks/exchange", map[string]any{
		"business_profile_id": "bp-1",
		"code":                "c-1",
		"state":               "n1",
		"realm_id":            "realm-1",
		"callback_url":        "https://app.example/callback?realmId=realm-9",
	}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "realm-1", f.credentials.lastExchange.Params["realmId"])
}

func TestExchangeStateErrorMapsToAuth(t *testing.T) {
	f := newFixture(t, Config{})
	f.credentials.exchangeErr = core.ErrAuthorizeStateConsumed

	status, body := doJSON(t, f.server, http.MethodPost, "/internal/oauth/xero/exchange", map[string]any{
		"business_profile_id": "bp-1",
		"code":                "c-1",
		"state":               "n1",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, string(core.KindAuth), errorKind(t, body))
}

func TestExchangeProviderDeniedCallback(t *testing.T) {
	f := newFixture(t, Config{})

	status, body := doJSON(t, f.server, http.MethodPost, "/internal/oauth/sage/exchange", map[string]any{
		"business_profile_id": "bp-1",
		"callback_url":        "https://app.example/callback?error=access_denied&state=n1",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, string(core.KindAuth), errorKind(t, body))
	assert.Empty(t, f.credentials.lastExchange.Code)
}

func TestStatusReturnsView(t *testing.T) {
	f := newFixture(t, Config{})
	f.credentials.status = core.StatusView{
		Provider:           core.ProviderXero,
		Status:             core.CredentialStatusConnected,
		ExternalTenantName: "Acme Ltd",
	}

	status, body := doJSON(t, f.server, http.MethodGet, "/internal/oauth/xero/status?business_profile_id=bp-1", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(core.CredentialStatusConnected), body["status"])
	assert.Equal(t, "Acme Ltd", body["tenant_name"])
	assert.NotContains(t, body, "access_token")
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, Config{})

	status, body := doJSON(t, f.server, http.MethodPost, "/internal/oauth/sage/disconnect",
		map[string]any{"business_profile_id": "bp-2"}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(core.CredentialStatusDisconnected), body["status"])
	assert.Equal(t, core.ProviderSage, f.credentials.lastProvider)
}

func TestSyncRunsInline(t *testing.T) {
	f := newFixture(t, Config{})
	f.runner.result = core.SyncRunResult{
		RunID:  "run-9",
		Status: core.SyncRunStatusSucceeded,
		Resources: map[core.ResourceType]core.ResourceOutcome{
			core.ResourceInvoices: {ResourceType: core.ResourceInvoices, Status: core.SyncRunStatusSucceeded, Records: 3},
		},
	}

	status, body := doJSON(t, f.server, http.MethodPost, "/internal/sync/xero", map[string]any{
		"business_profile_id": "bp-1",
		"sync_types":          []string{"bills"},
	}, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "run-9", body["run_id"])
	assert.Equal(t, []core.ResourceType{core.ResourceInvoices}, f.runner.last.ResourceTypes)
	assert.Equal(t, core.SyncTriggerAPI, f.runner.last.Trigger)
	resources, ok := body["resources"].([]any)
	require.True(t, ok)
	assert.Len(t, resources, 1)
}

func TestSyncAbortedRunStillReportsOutcome(t *testing.T) {
	f := newFixture(t, Config{})
	f.runner.result = core.SyncRunResult{
		RunID:     "run-10",
		Status:    core.SyncRunStatusFailed,
		ErrorKind: core.KindTokenExpired,
	}
	f.runner.err = core.NewTokenExpiredError("refresh token rejected", nil)

	status, body := doJSON(t, f.server, http.MethodPost, "/internal/sync/xero",
		map[string]any{"business_profile_id": "bp-1"}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(core.SyncRunStatusFailed), body["status"])
	assert.Equal(t, string(core.KindTokenExpired), body["error_kind"])
}

func TestSyncConflictIsReported(t *testing.T) {
	f := newFixture(t, Config{})
	f.runner.err = core.NewConcurrencyConflictError("sync already running", core.ErrLeaseHeld)

	status, body := doJSON(t, f.server, http.MethodPost, "/internal/sync/xero",
		map[string]any{"business_profile_id": "bp-1"}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(core.KindConcurrencyConflict), errorKind(t, body))
}

func TestSyncRejectsUnknownResourceType(t *testing.T) {
	f := newFixture(t, Config{})

	status, body := doJSON(t, f.server, http.MethodPost, "/internal/sync/xero", map[string]any{
		"business_profile_id": "bp-1",
		"sync_types":          []string{"payroll"},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(core.KindBadInput), errorKind(t, body))
}

func TestSyncAsyncQueuesJob(t *testing.T) {
	f := newFixture(t, Config{})

	status, body := doJSON(t, f.server, http.MethodPost, "/internal/sync/freeagent", map[string]any{
		"business_profile_id": "bp-1",
		"async":               true,
	}, nil)
	require.Equal(t, http.StatusAccepted, status, body)
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, core.JobStatusQueued, body["status"])
	assert.Equal(t, core.ProviderFreeAgent, f.trigger.last.Provider)
}

func TestSyncAsyncWithoutTrigger(t *testing.T) {
	server, err := New(Services{Credentials: &stubCredentials{}, Runner: &stubRunner{}}, Config{})
	require.NoError(t, err)

	status, _ := doJSON(t, server, http.MethodPost, "/internal/sync/xero", map[string]any{
		"business_profile_id": "bp-1",
		"async":               true,
	}, nil)
	assert.Equal(t, http.StatusNotImplemented, status)
}

func TestGetRun(t *testing.T) {
	f := newFixture(t, Config{})

	status, body := doJSON(t, f.server, http.MethodGet, "/internal/sync/runs/run-1", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "run-1", body["run_id"])
	resources, ok := body["resources"].([]any)
	require.True(t, ok)
	require.Len(t, resources, 2)
	first, _ := resources[0].(map[string]any)
	assert.Equal(t, string(core.ResourceBankTransactions), first["resource_type"])

	status, body = doJSON(t, f.server, http.MethodGet, "/internal/sync/runs/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(core.KindNotFound), errorKind(t, body))
}

func TestListTransactionsPaginates(t *testing.T) {
	f := newFixture(t, Config{})
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	records := make([]core.NormalizedTransaction, 0, 3)
	for i, id := range []string{"t-1", "t-2", "t-3"} {
		records = append(records, core.NormalizedTransaction{
			BusinessProfileID: "bp-1",
			Provider:          core.ProviderXero,
			ExternalID:        id,
			Direction:         core.DirectionDebit,
			TransactionDate:   base,
			Amount:            decimal.RequireFromString("12.5"),
			Currency:          "GBP",
			IngestedAt:        base.Add(time.Duration(i) * time.Hour),
		})
	}
	_, err := f.records.UpsertTransactions(context.Background(), records)
	require.NoError(t, err)

	status, body := doJSON(t, f.server, http.MethodGet,
		"/internal/data/bank-transactions?business_profile_id=bp-1&provider=xero&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, status, body)
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)
	assert.EqualValues(t, 3, body["total"])
	assert.EqualValues(t, 2, body["next_offset"])
	first, _ := items[0].(map[string]any)
	assert.Equal(t, "12.50", first["amount"])
	assert.Equal(t, "2026-03-01", first["transaction_date"])

	status, body = doJSON(t, f.server, http.MethodGet,
		"/internal/data/bank-transactions?business_profile_id=bp-1&since=2026-03-01T01:30:00Z", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])
	assert.NotContains(t, body, "next_offset")
}

func TestListInvoicesValidatesQuery(t *testing.T) {
	f := newFixture(t, Config{})

	status, body := doJSON(t, f.server, http.MethodGet, "/internal/data/invoices", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(core.KindBadInput), errorKind(t, body))

	status, _ = doJSON(t, f.server, http.MethodGet, "/internal/data/invoices?business_profile_id=bp-1&since=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, f.server, http.MethodGet, "/internal/data/invoices?business_profile_id=bp-1&since_field=created_at", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestListInvoices(t *testing.T) {
	f := newFixture(t, Config{})
	due := time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)
	_, err := f.records.UpsertInvoices(context.Background(), []core.NormalizedInvoice{{
		BusinessProfileID: "bp-1",
		Provider:          core.ProviderQuickBooks,
		ExternalID:        "inv-1",
		InvoiceType:       core.InvoiceTypeSales,
		IssueDate:         time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		DueDate:           &due,
		Total:             decimal.RequireFromString("100"),
		AmountDue:         decimal.RequireFromString("40.1"),
		Currency:          "USD",
		IngestedAt:        time.Now().UTC(),
	}})
	require.NoError(t, err)

	status, body := doJSON(t, f.server, http.MethodGet, "/internal/data/invoices?business_profile_id=bp-1", nil, nil)
	require.Equal(t, http.StatusOK, status, body)
	items, _ := body["items"].([]any)
	require.Len(t, items, 1)
	invoice, _ := items[0].(map[string]any)
	assert.Equal(t, "100.00", invoice["total"])
	assert.Equal(t, "40.10", invoice["amount_due"])
	assert.Equal(t, "2026-04-30", invoice["due_date"])
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t, Config{MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})})

	status, body := doJSON(t, f.server, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
}

type stubWebhooks struct {
	last webhooks.Delivery
	err  error
}

func (s *stubWebhooks) Process(_ context.Context, delivery webhooks.Delivery) (webhooks.Result, error) {
	s.last = delivery
	if s.err != nil {
		return webhooks.Result{}, s.err
	}
	return webhooks.Result{
		Accepted:   true,
		StatusCode: http.StatusAccepted,
		DeliveryID: "d-1",
		Jobs:       []core.JobHandle{{ID: "job-1", Status: core.JobStatusQueued}},
	}, nil
}

func newWebhookServer(t *testing.T, processor WebhookProcessor) *Server {
	t.Helper()
	server, err := New(Services{
		Credentials: &stubCredentials{},
		Runner:      &stubRunner{},
		Webhooks:    processor,
	}, Config{APIKey: "secret"})
	require.NoError(t, err)
	return server
}

func TestWebhookRouteSkipsAPIKeyAndPassesRawBody(t *testing.T) {
	processor := &stubWebhooks{}
	server := newWebhookServer(t, processor)

	status, body := doJSON(t, server, http.MethodPost, "/webhooks/xero", map[string]any{"events": []any{}}, map[string]string{
		"X-Xero-Signature": "sig",
	})
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "d-1", body["delivery_id"])
	assert.Equal(t, core.ProviderXero, processor.last.Provider)
	assert.JSONEq(t, `{"events":[]}`, string(processor.last.Body))
	assert.Equal(t, "sig", processor.last.Headers["X-Xero-Signature"])
}

func TestWebhookSignatureFailureIsUnauthorized(t *testing.T) {
	server := newWebhookServer(t, &stubWebhooks{err: core.NewAuthError("webhook signature verification failed", nil)})

	status, body := doJSON(t, server, http.MethodPost, "/webhooks/quickbooks", map[string]any{}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, string(core.KindAuth), errorKind(t, body))
}

func TestWebhookRouteWithoutProcessor(t *testing.T) {
	f := newFixture(t, Config{})

	status, _ := doJSON(t, f.server, http.MethodPost, "/webhooks/xero", map[string]any{}, nil)
	assert.Equal(t, http.StatusNotImplemented, status)
}
