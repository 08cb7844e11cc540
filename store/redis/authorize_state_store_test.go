package redisstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/redis/go-redis/v9"
)

const isolatedTestRedisDB = 13

func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("LEDGERSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LEDGERSYNC_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("LEDGERSYNC_TEST_REDIS_PASSWORD"),
		DB:       isolatedTestRedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestStore(t *testing.T, client *redis.Client, opts ...Option) *AuthorizeStateStore {
	t.Helper()
	prefix := fmt.Sprintf("ledgersync-test:%d", time.Now().UnixNano())
	store, err := NewAuthorizeStateStore(client, append([]Option{WithKeyPrefix(prefix)}, opts...)...)
	if err != nil {
		t.Fatalf("new authorize state store: %v", err)
	}
	return store
}

func TestNewAuthorizeStateStore_RequiresClient(t *testing.T) {
	if _, err := NewAuthorizeStateStore(nil); err == nil {
		t.Fatalf("expected nil client to be rejected")
	}
}

func TestAuthorizeStateStore_ConsumeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newTestRedisClient(t))

	if err := store.Save(ctx, core.AuthorizeState{
		Nonce:             "nonce-1",
		BusinessProfileID: "bp_1",
		Provider:          core.ProviderXero,
		RedirectURI:       "https://ledger.example.com/internal/oauth/callback/xero",
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, core.AuthorizeState{Nonce: "nonce-1", BusinessProfileID: "bp_1", Provider: core.ProviderXero}); err == nil {
		t.Fatalf("expected nonce collision")
	}

	state, err := store.Consume(ctx, "nonce-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if state.BusinessProfileID != "bp_1" || state.Provider != core.ProviderXero || !state.Consumed {
		t.Fatalf("unexpected state %+v", state)
	}
	if _, err := store.Consume(ctx, "nonce-1"); !errors.Is(err, core.ErrAuthorizeStateConsumed) {
		t.Fatalf("expected consumed on replay, got %v", err)
	}
	if _, err := store.Consume(ctx, "nonce-missing"); !errors.Is(err, core.ErrAuthorizeStateNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAuthorizeStateStore_ExpiredStateIsRejected(t *testing.T) {
	ctx := context.Background()
	current := time.Now().UTC()
	store := newTestStore(t, newTestRedisClient(t), WithClock(func() time.Time { return current }))

	if err := store.Save(ctx, core.AuthorizeState{
		Nonce:             "nonce-expiring",
		BusinessProfileID: "bp_1",
		Provider:          core.ProviderSage,
		ExpiresAt:         current.Add(time.Minute),
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	current = current.Add(2 * time.Minute)

	if _, err := store.Consume(ctx, "nonce-expiring"); !errors.Is(err, core.ErrAuthorizeStateExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}
