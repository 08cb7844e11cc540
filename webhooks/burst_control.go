package webhooks

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-ledgersync/core"
)

type BurstMode string

const (
	BurstModeNone     BurstMode = "none"
	BurstModeCoalesce BurstMode = "coalesce"
	BurstModeDebounce BurstMode = "debounce"
)

type BurstDecision struct {
	Allow    bool
	Metadata map[string]any
}

// BurstController decides whether a webhook-driven sync should be submitted
// or folded into one submitted moments ago.
type BurstController interface {
	Allow(ctx context.Context, req core.SyncJobRequest) (BurstDecision, error)
}

type BurstOptions struct {
	Mode       BurstMode
	Window     time.Duration
	MaxEntries int
	Now        func() time.Time
}

const defaultBurstWindow = 30 * time.Second

// DefaultBurstController keys submissions by SyncIdempotencyKey. Coalesce
// measures the window from the first allowed submission; debounce restarts
// it on every suppressed one.
type DefaultBurstController struct {
	opts BurstOptions

	mu     sync.Mutex
	bursts map[string]burst
}

type burst struct {
	opened     time.Time
	lastSeen   time.Time
	suppressed int
}

// quietSince is the instant the window is measured from.
func (b burst) quietSince(mode BurstMode) time.Time {
	if mode == BurstModeDebounce {
		return b.lastSeen
	}
	return b.opened
}

func NewBurstController(opts BurstOptions) *DefaultBurstController {
	opts.Mode = ParseBurstMode(string(opts.Mode))
	if opts.Window <= 0 {
		opts.Window = defaultBurstWindow
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 4096
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &DefaultBurstController{opts: opts, bursts: map[string]burst{}}
}

func (c *DefaultBurstController) Allow(_ context.Context, req core.SyncJobRequest) (BurstDecision, error) {
	if c == nil || c.opts.Mode == BurstModeNone {
		return BurstDecision{Allow: true}, nil
	}
	key := core.SyncIdempotencyKey(req)
	now := c.opts.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	current, open := c.bursts[key]
	if !open || now.Sub(current.quietSince(c.opts.Mode)) >= c.opts.Window {
		c.evict(now)
		c.bursts[key] = burst{opened: now, lastSeen: now}
		return BurstDecision{Allow: true}, nil
	}

	current.lastSeen = now
	current.suppressed++
	c.bursts[key] = current

	verdict := "coalesced"
	if c.opts.Mode == BurstModeDebounce {
		verdict = "debounced"
	}
	return BurstDecision{Metadata: map[string]any{
		verdict:           true,
		"burst_mode":      string(c.opts.Mode),
		"burst_key":       key,
		"burst_window_ms": c.opts.Window.Milliseconds(),
		"burst_count":     current.suppressed,
	}}, nil
}

// evict drops closed bursts once the table is full, then the oldest open
// ones if that was not enough.
func (c *DefaultBurstController) evict(now time.Time) {
	if len(c.bursts) < c.opts.MaxEntries {
		return
	}
	for key, b := range c.bursts {
		if now.Sub(b.quietSince(c.opts.Mode)) >= c.opts.Window {
			delete(c.bursts, key)
		}
	}
	for len(c.bursts) >= c.opts.MaxEntries {
		var oldestKey string
		var oldest time.Time
		for key, b := range c.bursts {
			if oldestKey == "" || b.lastSeen.Before(oldest) {
				oldestKey, oldest = key, b.lastSeen
			}
		}
		delete(c.bursts, oldestKey)
	}
}

func ParseBurstMode(raw string) BurstMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(BurstModeCoalesce):
		return BurstModeCoalesce
	case string(BurstModeDebounce):
		return BurstModeDebounce
	default:
		return BurstModeNone
	}
}

var _ BurstController = (*DefaultBurstController)(nil)
