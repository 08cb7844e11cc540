package redisstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/goliatone/go-ledgersync/webhooks"
)

func TestNewDeliveryLedger_RequiresClient(t *testing.T) {
	if _, err := NewDeliveryLedger(nil, "", 0); err == nil {
		t.Fatalf("expected nil client to be rejected")
	}
}

func TestDeliveryLedger_ClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newTestRedisClient(t)
	prefix := fmt.Sprintf("ledgersync-test:deliveries:%d", time.Now().UnixNano())
	ledger, err := NewDeliveryLedger(client, prefix, time.Minute)
	if err != nil {
		t.Fatalf("new delivery ledger: %v", err)
	}

	if _, err := ledger.Get(ctx, "xero", "d-1"); !errors.Is(err, webhooks.ErrDeliveryNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	record, claimed, err := ledger.Claim(ctx, "xero", "d-1", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	if _, claimed, err := ledger.Claim(ctx, "xero", "d-1", time.Minute); err != nil || claimed {
		t.Fatalf("expected live claim to block, claimed=%v err=%v", claimed, err)
	}

	if err := ledger.Fail(ctx, record.ClaimID, errors.New("queue full"), time.Now(), 3); err != nil {
		t.Fatalf("fail: %v", err)
	}
	retry, claimed, err := ledger.Claim(ctx, "xero", "d-1", time.Minute)
	if err != nil || !claimed {
		t.Fatalf("reclaim: claimed=%v err=%v", claimed, err)
	}
	if retry.Attempts != 2 || retry.ClaimID == record.ClaimID {
		t.Fatalf("expected a fresh second attempt, got %+v", retry)
	}
	if err := ledger.Complete(ctx, record.ClaimID); err == nil {
		t.Fatalf("expected superseded claim to be rejected")
	}
	if err := ledger.Complete(ctx, retry.ClaimID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	done, err := ledger.Get(ctx, "xero", "d-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.Status != webhooks.DeliveryStatusProcessed || done.LastError != "" {
		t.Fatalf("expected processed record, got %+v", done)
	}
	if _, claimed, _ := ledger.Claim(ctx, "xero", "d-1", time.Minute); claimed {
		t.Fatalf("expected processed delivery to stay deduped")
	}
}
