package sqlstore_test

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/goliatone/go-ledgersync/core"
	ledgermigrations "github.com/goliatone/go-ledgersync/migrations"
	"github.com/goliatone/go-ledgersync/security"
	sqlstore "github.com/goliatone/go-ledgersync/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-ledgersync-tests"
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	var tableName string
	if err := client.DB().NewRaw(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
		"ledgersync_credentials",
	).Scan(context.Background(), &tableName); err != nil {
		t.Fatalf("query sqlite master: %v", err)
	}
	if tableName != "ledgersync_credentials" {
		t.Fatalf("expected ledgersync_credentials table, got %q", tableName)
	}
}

func TestCredentialStore_SealsTokensAndGuardsGeneration(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()
	factory := newFactory(t, client)
	store := factory.CredentialStore()

	expiresAt := time.Now().UTC().Add(30 * time.Minute)
	connectedAt := time.Now().UTC()
	stored, err := store.UpdateIfGeneration(ctx, core.Credential{
		BusinessProfileID:    "bp_1",
		Provider:             core.ProviderXero,
		ExternalTenantID:     "tenant-1",
		ExternalTenantName:   "Acme Ltd",
		AccessToken:          "access-plain-1",
		RefreshToken:         "refresh-plain-1",
		TokenType:            "Bearer",
		AccessTokenExpiresAt: &expiresAt,
		Scopes:               []string{"accounting.transactions.read"},
		Status:               core.CredentialStatusConnected,
		Generation:           1,
		ConnectedAt:          &connectedAt,
	}, 0)
	if err != nil {
		t.Fatalf("insert credential: %v", err)
	}
	if stored.AccessToken != "access-plain-1" || stored.RefreshToken != "refresh-plain-1" {
		t.Fatalf("expected tokens to round-trip, got %q/%q", stored.AccessToken, stored.RefreshToken)
	}
	if stored.Generation != 1 {
		t.Fatalf("expected generation 1, got %d", stored.Generation)
	}

	var payload []byte
	if err := client.DB().NewRaw(
		"SELECT encrypted_payload FROM ledgersync_credentials WHERE business_profile_id = ?",
		"bp_1",
	).Scan(ctx, &payload); err != nil {
		t.Fatalf("read raw payload: %v", err)
	}
	if bytes.Contains(payload, []byte("access-plain-1")) || bytes.Contains(payload, []byte("refresh-plain-1")) {
		t.Fatalf("expected tokens to be sealed at rest")
	}

	if _, err := store.UpdateIfGeneration(ctx, core.Credential{
		BusinessProfileID: "bp_1",
		Provider:          core.ProviderXero,
		AccessToken:       "racer",
		Status:            core.CredentialStatusConnected,
		Generation:        1,
	}, 0); !errors.Is(err, core.ErrStaleGeneration) {
		t.Fatalf("expected stale generation for duplicate insert, got %v", err)
	}

	next := stored
	next.AccessToken = "access-plain-2"
	next.Generation = 2
	updated, err := store.UpdateIfGeneration(ctx, next, 1)
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if updated.AccessToken != "access-plain-2" || updated.Generation != 2 {
		t.Fatalf("unexpected updated credential %+v", updated)
	}

	next.AccessToken = "access-plain-3"
	next.Generation = 3
	if _, err := store.UpdateIfGeneration(ctx, next, 1); !errors.Is(err, core.ErrStaleGeneration) {
		t.Fatalf("expected stale generation for outdated expectation, got %v", err)
	}

	reader, ok := store.(core.StatusReader)
	if !ok {
		t.Fatalf("expected credential store to serve status reads")
	}
	view, err := reader.ReadStatus(ctx, core.CredentialKey{BusinessProfileID: "bp_1", Provider: core.ProviderXero})
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if view.Status != core.CredentialStatusConnected || view.ExternalTenantName != "Acme Ltd" {
		t.Fatalf("unexpected status view %+v", view)
	}

	missing, err := reader.ReadStatus(ctx, core.CredentialKey{BusinessProfileID: "bp_none", Provider: core.ProviderSage})
	if err != nil {
		t.Fatalf("read missing status: %v", err)
	}
	if missing.Status != core.CredentialStatusDisconnected {
		t.Fatalf("expected disconnected for missing credential, got %q", missing.Status)
	}

	if _, err := store.Get(ctx, core.CredentialKey{BusinessProfileID: "bp_none", Provider: core.ProviderSage}); !errors.Is(err, core.ErrCredentialNotFound) {
		t.Fatalf("expected credential not found, got %v", err)
	}
}

func TestCachedCredentialStore_EvictsOnWrite(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	secrets := newSecretProvider(t)
	base, err := sqlstore.NewCredentialStore(client.DB(), secrets, nil)
	if err != nil {
		t.Fatalf("new credential store: %v", err)
	}
	cached, err := sqlstore.NewCachedCredentialStore(base, newTestCacheService(t))
	if err != nil {
		t.Fatalf("new cached credential store: %v", err)
	}

	key := core.CredentialKey{BusinessProfileID: "bp_cache", Provider: core.ProviderQuickBooks}
	if _, err := cached.Upsert(ctx, core.Credential{
		BusinessProfileID: key.BusinessProfileID,
		Provider:          key.Provider,
		AccessToken:       "access",
		Status:            core.CredentialStatusConnected,
		Generation:        1,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	view, err := cached.ReadStatus(ctx, key)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if view.Status != core.CredentialStatusConnected {
		t.Fatalf("expected connected, got %q", view.Status)
	}

	if _, err := client.DB().NewRaw(
		"UPDATE ledgersync_credentials SET status = ? WHERE business_profile_id = ?",
		string(core.CredentialStatusExpired),
		key.BusinessProfileID,
	).Exec(ctx); err != nil {
		t.Fatalf("bypass update: %v", err)
	}
	view, err = cached.ReadStatus(ctx, key)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if view.Status != core.CredentialStatusConnected {
		t.Fatalf("expected cached connected status, got %q", view.Status)
	}

	if _, err := cached.UpdateIfGeneration(ctx, core.Credential{
		BusinessProfileID: key.BusinessProfileID,
		Provider:          key.Provider,
		AccessToken:       "access",
		Status:            core.CredentialStatusError,
		LastError:         "refresh rejected",
		Generation:        2,
	}, 1); err != nil {
		t.Fatalf("guarded update through cache: %v", err)
	}
	view, err = cached.ReadStatus(ctx, key)
	if err != nil {
		t.Fatalf("third read: %v", err)
	}
	if view.Status != core.CredentialStatusError || view.LastError != "refresh rejected" {
		t.Fatalf("expected evicted entry to reload, got %+v", view)
	}
}

func TestCredentialStore_FindByTenant(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	store, err := sqlstore.NewCredentialStore(client.DB(), newSecretProvider(t), nil)
	if err != nil {
		t.Fatalf("new credential store: %v", err)
	}
	for _, cred := range []core.Credential{
		{BusinessProfileID: "bp_b", Provider: core.ProviderXero, ExternalTenantID: "tenant-1", AccessToken: "a", Status: core.CredentialStatusConnected},
		{BusinessProfileID: "bp_a", Provider: core.ProviderXero, ExternalTenantID: "tenant-1", AccessToken: "b", Status: core.CredentialStatusConnected},
		{BusinessProfileID: "bp_c", Provider: core.ProviderXero, ExternalTenantID: "tenant-2", AccessToken: "c", Status: core.CredentialStatusConnected},
		{BusinessProfileID: "bp_d", Provider: core.ProviderQuickBooks, ExternalTenantID: "tenant-1", AccessToken: "d", Status: core.CredentialStatusConnected},
	} {
		if _, err := store.Upsert(ctx, cred); err != nil {
			t.Fatalf("upsert %s: %v", cred.BusinessProfileID, err)
		}
	}

	found, err := store.FindByTenant(ctx, core.ProviderXero, "tenant-1")
	if err != nil {
		t.Fatalf("find by tenant: %v", err)
	}
	if len(found) != 2 || found[0].BusinessProfileID != "bp_a" || found[1].BusinessProfileID != "bp_b" {
		t.Fatalf("unexpected matches: %+v", found)
	}
	if found[0].AccessToken != "" {
		t.Fatalf("expected token-free credentials")
	}
	if none, err := store.FindByTenant(ctx, core.ProviderSage, "tenant-1"); err != nil || len(none) != 0 {
		t.Fatalf("expected no sage matches, got %v err=%v", none, err)
	}
}

func TestCredentialStatusCacheKey_EscapesSegments(t *testing.T) {
	key, err := sqlstore.CredentialStatusCacheKey(core.CredentialKey{BusinessProfileID: " bp/1 ", Provider: core.ProviderSage})
	if err != nil {
		t.Fatalf("cache key: %v", err)
	}
	if key != "ledgersync::credential_status::v1::bp%2F1::sage" {
		t.Fatalf("unexpected cache key %q", key)
	}
	if _, err := sqlstore.CredentialStatusCacheKey(core.CredentialKey{Provider: core.ProviderSage}); err == nil {
		t.Fatalf("expected missing business profile to be rejected")
	}
}

func TestAuthorizeStateStore_ConsumesOnce(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()
	store := newFactory(t, client).AuthorizeStateStore()

	if err := store.Save(ctx, core.AuthorizeState{
		Nonce:             "nonce-1",
		BusinessProfileID: "bp_1",
		Provider:          core.ProviderFreeAgent,
		RedirectURI:       "https://ledger.example.com/internal/oauth/callback/freeagent",
	}); err != nil {
		t.Fatalf("save state: %v", err)
	}

	state, err := store.Consume(ctx, "nonce-1")
	if err != nil {
		t.Fatalf("consume state: %v", err)
	}
	if state.BusinessProfileID != "bp_1" || state.Provider != core.ProviderFreeAgent {
		t.Fatalf("unexpected state %+v", state)
	}
	if _, err := store.Consume(ctx, "nonce-1"); !errors.Is(err, core.ErrAuthorizeStateConsumed) {
		t.Fatalf("expected consumed state on replay, got %v", err)
	}
	if _, err := store.Consume(ctx, "nonce-unknown"); !errors.Is(err, core.ErrAuthorizeStateNotFound) {
		t.Fatalf("expected unknown nonce to be not found, got %v", err)
	}

	past := time.Now().UTC().Add(-time.Minute)
	if err := store.Save(ctx, core.AuthorizeState{
		Nonce:             "nonce-expired",
		BusinessProfileID: "bp_1",
		Provider:          core.ProviderFreeAgent,
		CreatedAt:         past.Add(-10 * time.Minute),
		ExpiresAt:         past,
	}); err != nil {
		t.Fatalf("save expired state: %v", err)
	}
	if _, err := store.Consume(ctx, "nonce-expired"); !errors.Is(err, core.ErrAuthorizeStateExpired) {
		t.Fatalf("expected expired state, got %v", err)
	}
}

func TestSyncCursorStore_FencesWritesWithLeaseEpoch(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()
	store := newFactory(t, client).SyncCursorStore()

	pair := core.CredentialKey{BusinessProfileID: "bp_1", Provider: core.ProviderXero}
	key := core.CursorKey{BusinessProfileID: "bp_1", Provider: core.ProviderXero, ResourceType: core.ResourceBankTransactions}

	idle, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get idle cursor: %v", err)
	}
	if idle.LastRunStatus != core.SyncRunStatusIdle || idle.Watermark != "" {
		t.Fatalf("expected idle cursor, got %+v", idle)
	}

	lease, err := store.AcquireLease(ctx, core.LeaseRequest{BusinessProfileID: "bp_1", Provider: core.ProviderXero, Owner: "run-1", TTL: time.Minute})
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	if lease.Epoch != 1 {
		t.Fatalf("expected first epoch 1, got %d", lease.Epoch)
	}
	if _, err := store.AcquireLease(ctx, core.LeaseRequest{BusinessProfileID: "bp_1", Provider: core.ProviderXero, Owner: "run-2", TTL: time.Minute}); !errors.Is(err, core.ErrLeaseHeld) {
		t.Fatalf("expected lease held, got %v", err)
	}

	if _, err := store.MarkRunning(ctx, key, lease.Epoch); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	cursor, err := store.Advance(ctx, key, lease.Epoch, "2026-03-01T10:00:00Z")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if cursor.Watermark != "2026-03-01T10:00:00Z" {
		t.Fatalf("unexpected watermark %q", cursor.Watermark)
	}
	cursor, err = store.Advance(ctx, key, lease.Epoch, "2026-02-01T10:00:00Z")
	if err != nil {
		t.Fatalf("advance backwards: %v", err)
	}
	if cursor.Watermark != "2026-03-01T10:00:00Z" {
		t.Fatalf("expected watermark to stay monotonic, got %q", cursor.Watermark)
	}
	if _, err := store.RenewLease(ctx, pair, lease.Epoch, time.Minute); err != nil {
		t.Fatalf("renew lease: %v", err)
	}
	cursor, err = store.Complete(ctx, key, lease.Epoch, core.SyncRunStatusSucceeded, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if cursor.LastRunStatus != core.SyncRunStatusSucceeded || cursor.LastRunAt == nil {
		t.Fatalf("unexpected completed cursor %+v", cursor)
	}

	if err := store.ReleaseLease(ctx, pair, lease.Epoch+7); !errors.Is(err, core.ErrLeaseLost) {
		t.Fatalf("expected wrong epoch release to fail, got %v", err)
	}
	if err := store.ReleaseLease(ctx, pair, lease.Epoch); err != nil {
		t.Fatalf("release lease: %v", err)
	}

	next, err := store.AcquireLease(ctx, core.LeaseRequest{BusinessProfileID: "bp_1", Provider: core.ProviderXero, Owner: "run-3", TTL: time.Minute})
	if err != nil {
		t.Fatalf("reacquire lease: %v", err)
	}
	if next.Epoch != 2 {
		t.Fatalf("expected epoch 2, got %d", next.Epoch)
	}
	if _, err := store.Advance(ctx, key, lease.Epoch, "2026-04-01T10:00:00Z"); !errors.Is(err, core.ErrLeaseLost) {
		t.Fatalf("expected stale epoch write to be fenced, got %v", err)
	}

	cursors, err := store.List(ctx, pair)
	if err != nil {
		t.Fatalf("list cursors: %v", err)
	}
	if len(cursors) != 1 || cursors[0].RunEpoch != 2 {
		t.Fatalf("expected one cursor stamped with epoch 2, got %+v", cursors)
	}
}

func TestSyncCursorStore_ExpiredLeaseCanBeTakenOver(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()
	store := newFactory(t, client).SyncCursorStore()

	first, err := store.AcquireLease(ctx, core.LeaseRequest{BusinessProfileID: "bp_2", Provider: core.ProviderSage, Owner: "stuck", TTL: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	second, err := store.AcquireLease(ctx, core.LeaseRequest{BusinessProfileID: "bp_2", Provider: core.ProviderSage, Owner: "fresh", TTL: time.Minute})
	if err != nil {
		t.Fatalf("take over expired lease: %v", err)
	}
	if second.Epoch != first.Epoch+1 {
		t.Fatalf("expected epoch to advance, got %d after %d", second.Epoch, first.Epoch)
	}
	key := core.CursorKey{BusinessProfileID: "bp_2", Provider: core.ProviderSage, ResourceType: core.ResourceInvoices}
	if _, err := store.MarkRunning(ctx, key, first.Epoch); !errors.Is(err, core.ErrLeaseLost) {
		t.Fatalf("expected expired holder to be fenced, got %v", err)
	}
}

func TestRecordStore_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()
	store := newFactory(t, client).RecordStore()

	ingested := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	batch := []core.NormalizedTransaction{
		sampleTransaction("ext-1", "12.50", ingested),
		sampleTransaction("ext-2", "-40.00", ingested),
	}
	result, err := store.UpsertTransactions(ctx, batch)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if result.Inserted != 2 || result.Updated != 0 {
		t.Fatalf("unexpected first upsert result %+v", result)
	}

	first, err := store.ListTransactions(ctx, core.RecordFilter{BusinessProfileID: "bp_1"})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(first.Items) != 2 || first.Page.Total != 2 {
		t.Fatalf("expected two stored transactions, got %+v", first.Page)
	}
	originalID := first.Items[0].ID

	batch[0].Description = "updated"
	result, err = store.UpsertTransactions(ctx, batch)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if result.Inserted != 0 || result.Updated != 2 {
		t.Fatalf("unexpected second upsert result %+v", result)
	}

	second, err := store.ListTransactions(ctx, core.RecordFilter{BusinessProfileID: "bp_1", Limit: 1})
	if err != nil {
		t.Fatalf("list after rerun: %v", err)
	}
	if second.Page.Total != 2 || len(second.Items) != 1 {
		t.Fatalf("expected total 2 with one item page, got %+v", second.Page)
	}
	if second.Page.NextOffset == nil || *second.Page.NextOffset != 1 {
		t.Fatalf("expected next offset 1, got %+v", second.Page.NextOffset)
	}
	if second.Items[0].ID != originalID {
		t.Fatalf("expected stable row id %q, got %q", originalID, second.Items[0].ID)
	}
	if second.Items[0].ExternalID != "ext-1" || second.Items[0].Description != "updated" {
		t.Fatalf("unexpected first item %+v", second.Items[0])
	}
	if !second.Items[0].Amount.Equal(decimal.RequireFromString("12.50")) {
		t.Fatalf("expected exact amount 12.50, got %s", second.Items[0].Amount)
	}

	since := ingested.Add(time.Hour)
	empty, err := store.ListTransactions(ctx, core.RecordFilter{BusinessProfileID: "bp_1", Since: &since})
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if empty.Page.Total != 0 {
		t.Fatalf("expected no records after since, got %d", empty.Page.Total)
	}
}

func TestRecordStore_InvoicesKeyedPerProfile(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()
	store := newFactory(t, client).RecordStore()

	ingested := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	invoice := core.NormalizedInvoice{
		BusinessProfileID: "bp_1",
		Provider:          core.ProviderQuickBooks,
		ExternalID:        "inv-1",
		InvoiceType:       core.InvoiceTypeSales,
		Number:            "1001",
		Status:            "open",
		IssueDate:         ingested,
		Total:             decimal.RequireFromString("120.00"),
		AmountDue:         decimal.RequireFromString("20.00"),
		Currency:          "GBP",
		Raw:               map[string]any{"Id": "inv-1"},
		IngestedAt:        ingested,
	}
	other := invoice
	other.BusinessProfileID = "bp_2"

	result, err := store.UpsertInvoices(ctx, []core.NormalizedInvoice{invoice, other})
	if err != nil {
		t.Fatalf("upsert invoices: %v", err)
	}
	if result.Inserted != 2 {
		t.Fatalf("expected both profiles to insert, got %+v", result)
	}

	page, err := store.ListInvoices(ctx, core.RecordFilter{BusinessProfileID: "bp_2"})
	if err != nil {
		t.Fatalf("list invoices: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].BusinessProfileID != "bp_2" {
		t.Fatalf("expected one bp_2 invoice, got %+v", page.Items)
	}
	if !page.Items[0].AmountDue.Equal(decimal.RequireFromString("20")) {
		t.Fatalf("unexpected amount due %s", page.Items[0].AmountDue)
	}

	if _, err := store.UpsertInvoices(ctx, []core.NormalizedInvoice{{Provider: core.ProviderQuickBooks}}); err == nil {
		t.Fatalf("expected incomplete key to be rejected")
	}
}

func TestSyncRunStore_CreateUpdateAndList(t *testing.T) {
	ctx := context.Background()
	client, cleanup := newSQLiteClient(t)
	defer cleanup()
	store := newFactory(t, client).SyncRunStore()

	pair := core.CredentialKey{BusinessProfileID: "bp_1", Provider: core.ProviderXero}
	started := time.Now().UTC().Add(-time.Minute)
	run, err := store.Create(ctx, core.SyncRun{
		BusinessProfileID: pair.BusinessProfileID,
		Provider:          pair.Provider,
		Trigger:           core.SyncTriggerAPI,
		Status:            core.SyncRunStatusRunning,
		Resources:         map[core.ResourceType]core.ResourceOutcome{},
		StartedAt:         started,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.ID == "" {
		t.Fatalf("expected generated run id")
	}

	finished := time.Now().UTC()
	run.Status = core.SyncRunStatusPartialFailure
	run.FinishedAt = &finished
	run.Resources = map[core.ResourceType]core.ResourceOutcome{
		core.ResourceBankTransactions: {ResourceType: core.ResourceBankTransactions, Status: core.SyncRunStatusSucceeded, Pages: 2, Records: 150},
		core.ResourceInvoices:         {ResourceType: core.ResourceInvoices, Status: core.SyncRunStatusFailed, ErrorKind: core.KindRateLimited},
	}
	if _, err := store.Update(ctx, run); err != nil {
		t.Fatalf("update run: %v", err)
	}

	loaded, err := store.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if loaded.Status != core.SyncRunStatusPartialFailure || loaded.FinishedAt == nil {
		t.Fatalf("unexpected loaded run %+v", loaded)
	}
	if loaded.Resources[core.ResourceBankTransactions].Records != 150 {
		t.Fatalf("expected resource outcome to round-trip, got %+v", loaded.Resources)
	}
	if loaded.Resources[core.ResourceInvoices].ErrorKind != core.KindRateLimited {
		t.Fatalf("expected error kind to round-trip, got %+v", loaded.Resources[core.ResourceInvoices])
	}

	if _, err := store.Create(ctx, core.SyncRun{
		BusinessProfileID: pair.BusinessProfileID,
		Provider:          pair.Provider,
		Trigger:           core.SyncTriggerJob,
		Status:            core.SyncRunStatusRunning,
		StartedAt:         time.Now().UTC(),
	}); err != nil {
		t.Fatalf("create second run: %v", err)
	}
	recent, err := store.ListRecent(ctx, pair, 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Trigger != core.SyncTriggerJob {
		t.Fatalf("expected newest run first, got %+v", recent)
	}

	if _, err := store.Get(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, core.ErrSyncRunNotFound) {
		t.Fatalf("expected missing run, got %v", err)
	}
	if _, err := store.Get(ctx, "not-a-uuid"); !errors.Is(err, core.ErrSyncRunNotFound) {
		t.Fatalf("expected malformed id to be not found, got %v", err)
	}
}

func sampleTransaction(externalID, amount string, ingested time.Time) core.NormalizedTransaction {
	updated := ingested.Add(-time.Hour)
	return core.NormalizedTransaction{
		BusinessProfileID: "bp_1",
		Provider:          core.ProviderXero,
		ExternalID:        externalID,
		AccountID:         "acc-1",
		Direction:         core.DirectionDebit,
		TransactionDate:   ingested.Add(-24 * time.Hour),
		Amount:            decimal.RequireFromString(amount),
		Currency:          "GBP",
		Description:       "original",
		SourceUpdatedAt:   &updated,
		Raw:               map[string]any{"BankTransactionID": externalID},
		IngestedAt:        ingested,
	}
}

func newFactory(t *testing.T, client *persistence.Client) *sqlstore.RepositoryFactory {
	t.Helper()
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client, newSecretProvider(t))
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory
}

func newSecretProvider(t *testing.T) *security.AppKeySecretProvider {
	t.Helper()
	provider, err := security.NewAppKeySecretProviderFromString("integration-test-app-key", security.WithKeyID("test-key"))
	if err != nil {
		t.Fatalf("new secret provider: %v", err)
	}
	return provider
}

func newTestCacheService(t *testing.T) repositorycache.CacheService {
	t.Helper()
	config := repositorycache.DefaultConfig()
	config.TTL = time.Minute
	service, err := repositorycache.NewCacheService(config)
	if err != nil {
		t.Fatalf("new cache service: %v", err)
	}
	return service
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:ledgersync-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = ledgermigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != ledgermigrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, ledgermigrations.WithDialects(ledgermigrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
