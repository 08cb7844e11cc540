package webhooks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DeliveryStatusProcessing = "processing"
	DeliveryStatusProcessed  = "processed"
	DeliveryStatusRetryReady = "retry_ready"
	DeliveryStatusDead       = "dead"
)

type DeliveryRecord struct {
	ClaimID        string
	ProviderID     string
	DeliveryID     string
	Status         string
	Attempts       int
	LastError      string
	LeaseExpiresAt time.Time
	NextAttemptAt  *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeliveryLedger tracks the claim lifecycle of each delivery. Claim reports
// false when the delivery is finished or another claim is still live.
type DeliveryLedger interface {
	Claim(ctx context.Context, providerID string, deliveryID string, lease time.Duration) (DeliveryRecord, bool, error)
	Get(ctx context.Context, providerID string, deliveryID string) (DeliveryRecord, error)
	Complete(ctx context.Context, claimID string) error
	Fail(ctx context.Context, claimID string, cause error, nextAttemptAt time.Time, maxAttempts int) error
}

var ErrDeliveryNotFound = fmt.Errorf("webhooks: delivery not found")

// MemoryDeliveryLedger keeps delivery records in process. Finished records
// older than Retention are pruned on claim.
type MemoryDeliveryLedger struct {
	Retention time.Duration
	Now       func() time.Time

	mu      sync.Mutex
	records map[string]DeliveryRecord
	claims  map[string]string
}

func NewMemoryDeliveryLedger() *MemoryDeliveryLedger {
	return &MemoryDeliveryLedger{
		Retention: 24 * time.Hour,
		records:   map[string]DeliveryRecord{},
		claims:    map[string]string{},
	}
}

func (l *MemoryDeliveryLedger) Claim(_ context.Context, providerID string, deliveryID string, lease time.Duration) (DeliveryRecord, bool, error) {
	providerID = strings.TrimSpace(providerID)
	deliveryID = strings.TrimSpace(deliveryID)
	if providerID == "" || deliveryID == "" {
		return DeliveryRecord{}, false, fmt.Errorf("webhooks: provider and delivery id are required")
	}
	now := l.now()
	key := deliveryKey(providerID, deliveryID)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)

	record, exists := l.records[key]
	if exists {
		switch record.Status {
		case DeliveryStatusProcessed, DeliveryStatusDead:
			return record, false, nil
		case DeliveryStatusProcessing:
			if now.Before(record.LeaseExpiresAt) {
				return record, false, nil
			}
		}
		delete(l.claims, record.ClaimID)
		record.Attempts++
	} else {
		record = DeliveryRecord{
			ProviderID: providerID,
			DeliveryID: deliveryID,
			Attempts:   1,
			CreatedAt:  now,
		}
	}
	record.ClaimID = uuid.NewString()
	record.Status = DeliveryStatusProcessing
	record.LeaseExpiresAt = now.Add(lease)
	record.UpdatedAt = now
	l.records[key] = record
	l.claims[record.ClaimID] = key
	return record, true, nil
}

func (l *MemoryDeliveryLedger) Get(_ context.Context, providerID string, deliveryID string) (DeliveryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[deliveryKey(strings.TrimSpace(providerID), strings.TrimSpace(deliveryID))]
	if !ok {
		return DeliveryRecord{}, ErrDeliveryNotFound
	}
	return record, nil
}

func (l *MemoryDeliveryLedger) Complete(_ context.Context, claimID string) error {
	return l.update(claimID, func(record *DeliveryRecord) {
		record.Status = DeliveryStatusProcessed
		record.LastError = ""
		record.NextAttemptAt = nil
	})
}

func (l *MemoryDeliveryLedger) Fail(_ context.Context, claimID string, cause error, nextAttemptAt time.Time, maxAttempts int) error {
	return l.update(claimID, func(record *DeliveryRecord) {
		if cause != nil {
			record.LastError = cause.Error()
		}
		if maxAttempts > 0 && record.Attempts >= maxAttempts {
			record.Status = DeliveryStatusDead
			record.NextAttemptAt = nil
			return
		}
		record.Status = DeliveryStatusRetryReady
		next := nextAttemptAt.UTC()
		record.NextAttemptAt = &next
	})
}

func (l *MemoryDeliveryLedger) update(claimID string, mutate func(record *DeliveryRecord)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key, ok := l.claims[strings.TrimSpace(claimID)]
	if !ok {
		return fmt.Errorf("webhooks: claim %q is not active", claimID)
	}
	record := l.records[key]
	if record.ClaimID != claimID || record.Status != DeliveryStatusProcessing {
		return fmt.Errorf("webhooks: claim %q is not active", claimID)
	}
	mutate(&record)
	record.UpdatedAt = l.now()
	l.records[key] = record
	delete(l.claims, claimID)
	return nil
}

func (l *MemoryDeliveryLedger) pruneLocked(now time.Time) {
	if l.Retention <= 0 {
		return
	}
	for key, record := range l.records {
		finished := record.Status == DeliveryStatusProcessed || record.Status == DeliveryStatusDead
		if finished && now.Sub(record.UpdatedAt) > l.Retention {
			delete(l.records, key)
		}
	}
}

func (l *MemoryDeliveryLedger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func deliveryKey(providerID, deliveryID string) string {
	return providerID + ":" + deliveryID
}

var _ DeliveryLedger = (*MemoryDeliveryLedger)(nil)
