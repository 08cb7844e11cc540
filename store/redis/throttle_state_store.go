package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/goliatone/go-ledgersync/ratelimit"
	"github.com/redis/go-redis/v9"
)

const (
	defaultThrottleKeyPrefix = "ledgersync:throttle"
	// idle buckets are forgotten after this long.
	defaultThrottleRetention = time.Hour
)

// ThrottleStateStore shares provider throttle windows across processes so a
// 429 seen by one worker pauses every worker for that tenant.
type ThrottleStateStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewThrottleStateStore(client redis.UniversalClient, prefix string, retention time.Duration) (*ThrottleStateStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: redis client is required")
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultThrottleKeyPrefix
	}
	if retention <= 0 {
		retention = defaultThrottleRetention
	}
	return &ThrottleStateStore{client: client, prefix: prefix, retention: retention}, nil
}

type storedThrottle struct {
	Limit          int        `json:"limit"`
	Remaining      int        `json:"remaining"`
	ResetAt        *time.Time `json:"reset_at,omitempty"`
	ThrottledUntil *time.Time `json:"throttled_until,omitempty"`
	LastStatus     int        `json:"last_status"`
	Attempts       int        `json:"attempts"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (s *ThrottleStateStore) Get(ctx context.Context, bucket string) (ratelimit.State, error) {
	bucket = strings.TrimSpace(bucket)
	raw, err := s.client.Get(ctx, s.key(bucket)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ratelimit.State{}, ratelimit.ErrStateNotFound
		}
		return ratelimit.State{}, core.NewPersistenceError("load throttle state", err)
	}
	var stored storedThrottle
	if err := json.Unmarshal(raw, &stored); err != nil {
		return ratelimit.State{}, core.NewPersistenceError("decode throttle state", err)
	}
	return ratelimit.State{
		Bucket:         bucket,
		Limit:          stored.Limit,
		Remaining:      stored.Remaining,
		ResetAt:        stored.ResetAt,
		ThrottledUntil: stored.ThrottledUntil,
		LastStatus:     stored.LastStatus,
		Attempts:       stored.Attempts,
		UpdatedAt:      stored.UpdatedAt,
	}, nil
}

func (s *ThrottleStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	payload, err := json.Marshal(storedThrottle{
		Limit:          state.Limit,
		Remaining:      state.Remaining,
		ResetAt:        state.ResetAt,
		ThrottledUntil: state.ThrottledUntil,
		LastStatus:     state.LastStatus,
		Attempts:       state.Attempts,
		UpdatedAt:      state.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("redisstore: encode throttle state: %w", err)
	}
	ttl := s.retention
	if state.ThrottledUntil != nil {
		if window := time.Until(*state.ThrottledUntil); window > ttl {
			ttl = window
		}
	}
	if err := s.client.Set(ctx, s.key(strings.TrimSpace(state.Bucket)), payload, ttl).Err(); err != nil {
		return core.NewPersistenceError("save throttle state", err)
	}
	return nil
}

func (s *ThrottleStateStore) key(bucket string) string {
	return s.prefix + ":" + bucket
}

var _ ratelimit.StateStore = (*ThrottleStateStore)(nil)
