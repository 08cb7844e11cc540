package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix         = "ledgersync:authorize_state"
	defaultAuthorizeStateTTL = 10 * time.Minute
	// consumed and expired nonces stay addressable this long so replays get
	// a precise error instead of not-found.
	defaultRetention = 10 * time.Minute
)

type Option func(*AuthorizeStateStore)

func WithKeyPrefix(prefix string) Option {
	return func(s *AuthorizeStateStore) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			s.prefix = strings.TrimSuffix(trimmed, ":")
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *AuthorizeStateStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithRetention(retention time.Duration) Option {
	return func(s *AuthorizeStateStore) {
		if retention > 0 {
			s.retention = retention
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *AuthorizeStateStore) {
		if now != nil {
			s.now = now
		}
	}
}

// AuthorizeStateStore keeps single-use authorize nonces in Redis. Consume
// relies on GETDEL so exactly one caller receives the state.
type AuthorizeStateStore struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
}

func NewAuthorizeStateStore(client redis.UniversalClient, opts ...Option) (*AuthorizeStateStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: redis client is required")
	}
	store := &AuthorizeStateStore{
		client:    client,
		prefix:    defaultKeyPrefix,
		ttl:       defaultAuthorizeStateTTL,
		retention: defaultRetention,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

type storedState struct {
	BusinessProfileID string         `json:"business_profile_id"`
	Provider          string         `json:"provider"`
	RedirectURI       string         `json:"redirect_uri,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
}

func (s *AuthorizeStateStore) Save(ctx context.Context, state core.AuthorizeState) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redisstore: authorize state store is not configured")
	}
	nonce := strings.TrimSpace(state.Nonce)
	if nonce == "" {
		return fmt.Errorf("redisstore: authorize state nonce is required")
	}
	now := s.now()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	if state.ExpiresAt.IsZero() {
		state.ExpiresAt = state.CreatedAt.Add(s.ttl)
	}
	payload, err := json.Marshal(storedState{
		BusinessProfileID: strings.TrimSpace(state.BusinessProfileID),
		Provider:          string(state.Provider),
		RedirectURI:       state.RedirectURI,
		Metadata:          state.Metadata,
		CreatedAt:         state.CreatedAt.UTC(),
		ExpiresAt:         state.ExpiresAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("redisstore: encode authorize state: %w", err)
	}

	expiry := state.ExpiresAt.Sub(now)
	if expiry < 0 {
		expiry = 0
	}
	created, err := s.client.SetNX(ctx, s.stateKey(nonce), payload, expiry+s.retention).Result()
	if err != nil {
		return core.NewPersistenceError("save authorize state", err)
	}
	if !created {
		return fmt.Errorf("redisstore: authorize state nonce collision")
	}
	return nil
}

func (s *AuthorizeStateStore) Consume(ctx context.Context, nonce string) (core.AuthorizeState, error) {
	if s == nil || s.client == nil {
		return core.AuthorizeState{}, fmt.Errorf("redisstore: authorize state store is not configured")
	}
	nonce = strings.TrimSpace(nonce)
	if nonce == "" {
		return core.AuthorizeState{}, core.ErrAuthorizeStateNotFound
	}

	raw, err := s.client.GetDel(ctx, s.stateKey(nonce)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return core.AuthorizeState{}, core.NewPersistenceError("consume authorize state", err)
		}
		consumed, existsErr := s.client.Exists(ctx, s.consumedKey(nonce)).Result()
		if existsErr != nil {
			return core.AuthorizeState{}, core.NewPersistenceError("check consumed authorize state", existsErr)
		}
		if consumed > 0 {
			return core.AuthorizeState{}, core.ErrAuthorizeStateConsumed
		}
		return core.AuthorizeState{}, core.ErrAuthorizeStateNotFound
	}

	now := s.now()
	if err := s.client.Set(ctx, s.consumedKey(nonce), now.Format(time.RFC3339Nano), s.retention).Err(); err != nil {
		return core.AuthorizeState{}, core.NewPersistenceError("mark authorize state consumed", err)
	}

	var stored storedState
	if err := json.Unmarshal(raw, &stored); err != nil {
		return core.AuthorizeState{}, core.NewPersistenceError("decode authorize state", err)
	}
	if now.After(stored.ExpiresAt) {
		return core.AuthorizeState{}, core.ErrAuthorizeStateExpired
	}
	return core.AuthorizeState{
		Nonce:             nonce,
		BusinessProfileID: stored.BusinessProfileID,
		Provider:          core.ProviderID(stored.Provider),
		RedirectURI:       stored.RedirectURI,
		Metadata:          stored.Metadata,
		CreatedAt:         stored.CreatedAt,
		ExpiresAt:         stored.ExpiresAt,
		Consumed:          true,
		ConsumedAt:        &now,
	}, nil
}

func (s *AuthorizeStateStore) stateKey(nonce string) string {
	return s.prefix + ":" + nonce
}

func (s *AuthorizeStateStore) consumedKey(nonce string) string {
	return s.prefix + ":consumed:" + nonce
}

var _ core.AuthorizeStateStore = (*AuthorizeStateStore)(nil)
