// Package ratelimit remembers provider throttling per tenant bucket so that
// concurrent runs stop calling a provider that has already answered 429.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-ledgersync/core"
	"github.com/goliatone/go-ledgersync/transport"
	glog "github.com/goliatone/go-logger/glog"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// remainingHeaders are checked in order; Xero reports its per-minute budget
// under its own name.
var remainingHeaders = []string{"X-Rate-Limit-Remaining", "X-RateLimit-Remaining", "X-MinLimit-Remaining"}

type State struct {
	Bucket         string
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
}

type StateStore interface {
	Get(ctx context.Context, bucket string) (State, error)
	Upsert(ctx context.Context, state State) error
}

// AdaptivePolicy implements transport.Limiter. A 429, or an exhausted budget
// header, opens a throttle window for the bucket; calls inside the window
// fail fast with a rate-limited error carrying the remaining wait.
type AdaptivePolicy struct {
	Store            StateStore
	Now              func() time.Time
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	DefaultRetryHint time.Duration
	Logger           glog.Logger
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	return &AdaptivePolicy{
		Store:            store,
		Now:              func() time.Time { return time.Now().UTC() },
		InitialBackoff:   time.Second,
		MaxBackoff:       time.Minute,
		DefaultRetryHint: 5 * time.Second,
		Logger:           glog.Nop(),
	}
}

func (p *AdaptivePolicy) BeforeCall(ctx context.Context, bucket string) error {
	if p == nil || p.Store == nil {
		return nil
	}
	bucket = normalizeBucket(bucket)
	state, err := p.Store.Get(ctx, bucket)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		// Throttle memory is advisory; a broken store must not stop syncs.
		p.logger().Warn("ratelimit state read failed", "bucket", bucket, "error", err)
		return nil
	}

	now := p.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return throttledError(bucket, until.Sub(now))
	}
	if state.Remaining == 0 && state.ResetAt != nil && now.Before(*state.ResetAt) {
		return throttledError(bucket, state.ResetAt.Sub(now))
	}
	return nil
}

func (p *AdaptivePolicy) AfterCall(ctx context.Context, bucket string, res transport.Response) {
	if p == nil || p.Store == nil {
		return
	}
	bucket = normalizeBucket(bucket)
	now := p.now()
	state, err := p.Store.Get(ctx, bucket)
	if err != nil {
		if !errors.Is(err, ErrStateNotFound) {
			p.logger().Warn("ratelimit state read failed", "bucket", bucket, "error", err)
			return
		}
		state = State{Bucket: bucket, Remaining: -1}
	}

	state.LastStatus = res.StatusCode
	state.UpdatedAt = now

	if limit, ok := headerInt(res.Headers, "X-RateLimit-Limit"); ok {
		state.Limit = limit
	}
	hasRemaining := false
	for _, name := range remainingHeaders {
		if remaining, ok := headerInt(res.Headers, name); ok {
			state.Remaining = remaining
			hasRemaining = true
			break
		}
	}
	if resetAt, ok := headerResetAt(res.Headers); ok {
		state.ResetAt = &resetAt
	}

	retryAfter := transport.ParseRetryAfter(res.Headers.Get("Retry-After"), now)
	throttled := res.StatusCode == http.StatusTooManyRequests ||
		(res.StatusCode < 500 && hasRemaining && state.Remaining == 0)
	if throttled {
		state.Attempts++
		delay := retryAfter
		if delay <= 0 {
			delay = p.nextBackoff(state.Attempts)
		}
		until := now.Add(delay)
		state.ThrottledUntil = &until
	} else {
		state.Attempts = 0
		state.ThrottledUntil = nil
	}
	if err := p.Store.Upsert(ctx, state); err != nil {
		p.logger().Warn("ratelimit state write failed", "bucket", bucket, "error", err)
	}
}

func (p *AdaptivePolicy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *AdaptivePolicy) logger() glog.Logger {
	if p == nil {
		return glog.Nop()
	}
	return glog.Ensure(p.Logger)
}

func (p *AdaptivePolicy) nextBackoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = p.defaultRetryHint()
	}
	maximum := p.MaxBackoff
	if maximum <= 0 {
		maximum = time.Minute
	}
	delay := core.ExponentialBackoffScheduler{Initial: initial, Max: maximum}.NextDelay(attempt)
	if delay <= 0 {
		return p.defaultRetryHint()
	}
	return delay
}

func (p *AdaptivePolicy) defaultRetryHint() time.Duration {
	if p != nil && p.DefaultRetryHint > 0 {
		return p.DefaultRetryHint
	}
	return 5 * time.Second
}

func throttledError(bucket string, wait time.Duration) error {
	return core.NewRateLimitedError(
		fmt.Sprintf("ratelimit: bucket %q is throttled for %s", bucket, wait.Round(time.Millisecond)),
		wait,
		nil,
	)
}

func headerInt(headers http.Header, key string) (int, bool) {
	value := strings.TrimSpace(headers.Get(key))
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func headerResetAt(headers http.Header) (time.Time, bool) {
	value := strings.TrimSpace(headers.Get("X-RateLimit-Reset"))
	if value == "" {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil || unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(unix, 0).UTC(), true
}

func normalizeBucket(bucket string) string {
	return strings.ToLower(strings.TrimSpace(bucket))
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, bucket string) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[normalizeBucket(bucket)]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.Bucket = normalizeBucket(state.Bucket)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.Bucket] = state
	return nil
}

var _ transport.Limiter = (*AdaptivePolicy)(nil)
