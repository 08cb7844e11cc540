package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"
)

type MemoryAuthorizeStateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     Clock
	entries map[string]AuthorizeState
}

func NewMemoryAuthorizeStateStore(ttl time.Duration) *MemoryAuthorizeStateStore {
	if ttl <= 0 {
		ttl = defaultAuthorizeStateTTL
	}
	return &MemoryAuthorizeStateStore{
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		entries: map[string]AuthorizeState{},
	}
}

func (s *MemoryAuthorizeStateStore) Save(_ context.Context, state AuthorizeState) error {
	if s == nil {
		return fmt.Errorf("core: authorize state store is not configured")
	}
	nonce := strings.TrimSpace(state.Nonce)
	if nonce == "" {
		return fmt.Errorf("core: authorize state nonce is required")
	}

	now := s.now()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	if state.ExpiresAt.IsZero() {
		state.ExpiresAt = state.CreatedAt.Add(s.ttl)
	}
	state.Consumed = false
	state.ConsumedAt = nil

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	if _, exists := s.entries[nonce]; exists {
		return fmt.Errorf("core: authorize state nonce collision")
	}
	s.entries[nonce] = cloneAuthorizeState(state)
	return nil
}

// Consume marks the nonce used. The entry is kept until expiry so a replay
// reports ErrAuthorizeStateConsumed rather than not found.
func (s *MemoryAuthorizeStateStore) Consume(_ context.Context, nonce string) (AuthorizeState, error) {
	if s == nil {
		return AuthorizeState{}, fmt.Errorf("core: authorize state store is not configured")
	}
	nonce = strings.TrimSpace(nonce)
	if nonce == "" {
		return AuthorizeState{}, ErrAuthorizeStateNotFound
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.entries[nonce]
	if !ok {
		return AuthorizeState{}, ErrAuthorizeStateNotFound
	}
	if state.Consumed {
		return AuthorizeState{}, ErrAuthorizeStateConsumed
	}
	if !state.ExpiresAt.IsZero() && now.After(state.ExpiresAt) {
		delete(s.entries, nonce)
		return AuthorizeState{}, ErrAuthorizeStateExpired
	}
	state.Consumed = true
	state.ConsumedAt = timePointer(now)
	s.entries[nonce] = state
	return cloneAuthorizeState(state), nil
}

func (s *MemoryAuthorizeStateStore) pruneLocked(now time.Time) {
	for nonce, state := range s.entries {
		if !state.ExpiresAt.IsZero() && now.After(state.ExpiresAt) {
			delete(s.entries, nonce)
		}
	}
}

func generateAuthorizeNonce() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("core: generate authorize state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func cloneAuthorizeState(state AuthorizeState) AuthorizeState {
	cloned := state
	cloned.Metadata = copyAnyMap(state.Metadata)
	cloned.ConsumedAt = cloneTimePointer(state.ConsumedAt)
	return cloned
}

var _ AuthorizeStateStore = (*MemoryAuthorizeStateStore)(nil)
