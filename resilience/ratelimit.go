package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskforge-ai/taskforge/core"
)

// RateLimiterConfig configures the data-source rate limiter: a leaky
// bucket for the short-term rate plus a coarse sliding window, with a
// cool-down honoured when the upstream sends its own throttle signal.
type RateLimiterConfig struct {
	// RequestsPerSecond is the leak rate. Default: 2.
	RequestsPerSecond float64

	// Burst is the bucket capacity. Default: 4.
	Burst int

	// WindowLimit caps requests inside WindowSize. Default: 10000.
	WindowLimit int

	// WindowSize is the coarse window. Default: 10 minutes.
	WindowSize time.Duration

	// CoolDown is how long to back off after an upstream throttle signal.
	// Default: 30 seconds.
	CoolDown time.Duration

	// Logger for throttle events.
	Logger core.Logger
}

// DefaultRateLimiterConfig returns the data-source defaults.
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		RequestsPerSecond: 2,
		Burst:             4,
		WindowLimit:       10000,
		WindowSize:        10 * time.Minute,
		CoolDown:          30 * time.Second,
	}
}

// RateLimiter is a leaky bucket plus coarse-window limiter.
type RateLimiter struct {
	config RateLimiterConfig
	logger core.Logger

	mu           sync.Mutex
	tokens       float64
	lastRefill   time.Time
	windowStart  time.Time
	windowCount  int
	coolDownTill time.Time

	// now is swappable in tests.
	now func() time.Time
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(config *RateLimiterConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 2
	}
	if config.Burst <= 0 {
		config.Burst = 4
	}
	if config.WindowLimit <= 0 {
		config.WindowLimit = 10000
	}
	if config.WindowSize <= 0 {
		config.WindowSize = 10 * time.Minute
	}
	if config.CoolDown <= 0 {
		config.CoolDown = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	now := time.Now()
	return &RateLimiter{
		config:      *config,
		logger:      logger,
		tokens:      float64(config.Burst),
		lastRefill:  now,
		windowStart: now,
		now:         time.Now,
	}
}

// Allow reports whether a request may proceed right now, consuming a token
// when it may.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.coolDownTill) {
		return false
	}

	// Coarse window.
	if now.Sub(rl.windowStart) >= rl.config.WindowSize {
		rl.windowStart = now
		rl.windowCount = 0
	}
	if rl.windowCount >= rl.config.WindowLimit {
		return false
	}

	// Leaky bucket refill.
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.tokens += elapsed * rl.config.RequestsPerSecond
	if rl.tokens > float64(rl.config.Burst) {
		rl.tokens = float64(rl.config.Burst)
	}
	rl.lastRefill = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	rl.windowCount++
	return true
}

// Wait blocks until a token is available or the context ends.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit wait aborted: %w", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// NoteThrottled enters the cool-down state in response to an upstream
// throttle signal.
func (rl *RateLimiter) NoteThrottled() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.coolDownTill = rl.now().Add(rl.config.CoolDown)
	rl.logger.Warn("Upstream throttle signal, entering cool-down", map[string]interface{}{
		"cool_down_ms": rl.config.CoolDown.Milliseconds(),
	})
}
