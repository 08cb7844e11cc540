package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/goliatone/go-ledgersync/webhooks"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultDeliveryPrefix    = "ledgersync:webhook_delivery"
	defaultDeliveryRetention = 24 * time.Hour
)

// DeliveryLedger shares webhook delivery claims across instances. Every
// transition runs under WATCH on the delivery key, so a concurrent claim
// loses with TxFailedErr instead of double-dispatching.
type DeliveryLedger struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

func NewDeliveryLedger(client redis.UniversalClient, prefix string, retention time.Duration) (*DeliveryLedger, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: redis client is required")
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultDeliveryPrefix
	}
	if retention <= 0 {
		retention = defaultDeliveryRetention
	}
	return &DeliveryLedger{
		client:    client,
		prefix:    prefix,
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

type storedDelivery struct {
	ClaimID        string     `json:"claim_id"`
	ProviderID     string     `json:"provider_id"`
	DeliveryID     string     `json:"delivery_id"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	LeaseExpiresAt time.Time  `json:"lease_expires_at"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (s *DeliveryLedger) Claim(ctx context.Context, providerID string, deliveryID string, lease time.Duration) (webhooks.DeliveryRecord, bool, error) {
	providerID = strings.TrimSpace(providerID)
	deliveryID = strings.TrimSpace(deliveryID)
	if providerID == "" || deliveryID == "" {
		return webhooks.DeliveryRecord{}, false, fmt.Errorf("redisstore: provider and delivery id are required")
	}
	key := s.deliveryKey(providerID, deliveryID)
	now := s.now()

	var out storedDelivery
	claimed := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, found, err := readDelivery(ctx, tx, key)
		if err != nil {
			return err
		}
		if found {
			out = current
			switch current.Status {
			case webhooks.DeliveryStatusProcessed, webhooks.DeliveryStatusDead:
				return nil
			case webhooks.DeliveryStatusProcessing:
				if now.Before(current.LeaseExpiresAt) {
					return nil
				}
			}
			current.Attempts++
		} else {
			current = storedDelivery{
				ProviderID: providerID,
				DeliveryID: deliveryID,
				Attempts:   1,
				CreatedAt:  now,
			}
		}
		previousClaim := current.ClaimID
		current.ClaimID = uuid.NewString()
		current.Status = webhooks.DeliveryStatusProcessing
		current.LeaseExpiresAt = now.Add(lease)
		current.UpdatedAt = now
		payload, err := json.Marshal(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.retention)
			pipe.Set(ctx, s.claimKey(current.ClaimID), key, s.retention)
			if previousClaim != "" {
				pipe.Del(ctx, s.claimKey(previousClaim))
			}
			return nil
		})
		if err == nil {
			out = current
			claimed = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		record, getErr := s.Get(ctx, providerID, deliveryID)
		return record, false, getErr
	}
	if err != nil {
		return webhooks.DeliveryRecord{}, false, core.NewPersistenceError("claim webhook delivery", err)
	}
	return out.toRecord(), claimed, nil
}

func (s *DeliveryLedger) Get(ctx context.Context, providerID string, deliveryID string) (webhooks.DeliveryRecord, error) {
	stored, found, err := readDelivery(ctx, s.client, s.deliveryKey(strings.TrimSpace(providerID), strings.TrimSpace(deliveryID)))
	if err != nil {
		return webhooks.DeliveryRecord{}, core.NewPersistenceError("load webhook delivery", err)
	}
	if !found {
		return webhooks.DeliveryRecord{}, webhooks.ErrDeliveryNotFound
	}
	return stored.toRecord(), nil
}

func (s *DeliveryLedger) Complete(ctx context.Context, claimID string) error {
	return s.transition(ctx, claimID, func(record *storedDelivery) {
		record.Status = webhooks.DeliveryStatusProcessed
		record.LastError = ""
		record.NextAttemptAt = nil
	})
}

func (s *DeliveryLedger) Fail(ctx context.Context, claimID string, cause error, nextAttemptAt time.Time, maxAttempts int) error {
	return s.transition(ctx, claimID, func(record *storedDelivery) {
		if cause != nil {
			record.LastError = cause.Error()
		}
		if maxAttempts > 0 && record.Attempts >= maxAttempts {
			record.Status = webhooks.DeliveryStatusDead
			record.NextAttemptAt = nil
			return
		}
		next := nextAttemptAt.UTC()
		record.Status = webhooks.DeliveryStatusRetryReady
		record.NextAttemptAt = &next
	})
}

func (s *DeliveryLedger) transition(ctx context.Context, claimID string, mutate func(record *storedDelivery)) error {
	claimID = strings.TrimSpace(claimID)
	key, err := s.client.Get(ctx, s.claimKey(claimID)).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("redisstore: claim %q is not active", claimID)
	}
	if err != nil {
		return core.NewPersistenceError("load webhook claim", err)
	}
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, found, err := readDelivery(ctx, tx, key)
		if err != nil {
			return err
		}
		if !found || current.ClaimID != claimID || current.Status != webhooks.DeliveryStatusProcessing {
			return fmt.Errorf("redisstore: claim %q is not active", claimID)
		}
		mutate(&current)
		current.UpdatedAt = s.now()
		payload, err := json.Marshal(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.retention)
			pipe.Del(ctx, s.claimKey(claimID))
			return nil
		})
		return err
	}, key)
	if err != nil {
		return core.NewPersistenceError("update webhook delivery", err)
	}
	return nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readDelivery(ctx context.Context, client stringGetter, key string) (storedDelivery, bool, error) {
	raw, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return storedDelivery{}, false, nil
	}
	if err != nil {
		return storedDelivery{}, false, err
	}
	var stored storedDelivery
	if err := json.Unmarshal(raw, &stored); err != nil {
		return storedDelivery{}, false, err
	}
	return stored, true, nil
}

func (d storedDelivery) toRecord() webhooks.DeliveryRecord {
	return webhooks.DeliveryRecord{
		ClaimID:        d.ClaimID,
		ProviderID:     d.ProviderID,
		DeliveryID:     d.DeliveryID,
		Status:         d.Status,
		Attempts:       d.Attempts,
		LastError:      d.LastError,
		LeaseExpiresAt: d.LeaseExpiresAt,
		NextAttemptAt:  d.NextAttemptAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func (s *DeliveryLedger) deliveryKey(providerID, deliveryID string) string {
	return s.prefix + ":" + providerID + ":" + deliveryID
}

func (s *DeliveryLedger) claimKey(claimID string) string {
	return s.prefix + ":claim:" + claimID
}

var _ webhooks.DeliveryLedger = (*DeliveryLedger)(nil)
