// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaygate/relaygate/internal/domain/ratelimit"
)

// RateLimiter implements ratelimit.RateLimiter using GCRA in memory.
// Safe for concurrent use. Limits are per-process; a multi-instance
// deployment gets one budget per instance.
type RateLimiter struct {
	mu    sync.Mutex
	cells map[string]time.Time // theoretical arrival time per key

	cleanupInterval time.Duration
	maxTTL          time.Duration
	now             func() time.Time
	logger          *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewRateLimiter creates a limiter that sweeps every 5 minutes and drops
// keys idle for an hour.
func NewRateLimiter() *RateLimiter {
	return NewRateLimiterWithConfig(5*time.Minute, time.Hour, slog.Default())
}

// NewRateLimiterWithConfig creates a limiter with custom sweep settings.
func NewRateLimiterWithConfig(cleanupInterval, maxTTL time.Duration, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		cells:           make(map[string]time.Time),
		cleanupInterval: cleanupInterval,
		maxTTL:          maxTTL,
		now:             time.Now,
		logger:          logger,
		stopChan:        make(chan struct{}),
	}
}

// Allow consumes one cell for key under config.
func (r *RateLimiter) Allow(_ context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	if config.Rate <= 0 {
		config.Rate = 1
	}
	if config.Burst <= 0 {
		config.Burst = config.Rate
	}
	emission := config.Period / time.Duration(config.Rate)
	burstOffset := time.Duration(config.Burst) * emission

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	tat, ok := r.cells[key]
	if !ok || tat.Before(now) {
		tat = now
	}

	allowAt := tat.Add(-burstOffset)
	if now.Before(allowAt) {
		return ratelimit.RateLimitResult{
			Allowed:    false,
			RetryAfter: allowAt.Sub(now),
			ResetAfter: tat.Sub(now),
		}, nil
	}

	next := tat.Add(emission)
	r.cells[key] = next

	remaining := int((burstOffset - next.Sub(now)) / emission)
	remaining = max(0, min(remaining, config.Burst))

	return ratelimit.RateLimitResult{
		Allowed:    true,
		Remaining:  remaining,
		ResetAfter: next.Sub(now),
	}, nil
}

// Forget drops the state for key, e.g. when a WebSocket connection closes.
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	delete(r.cells, key)
	r.mu.Unlock()
}

// StartCleanup starts the background sweep. It stops when ctx is cancelled
// or Stop is called.
func (r *RateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

func (r *RateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.maxTTL)
	cleaned := 0
	for key, tat := range r.cells {
		if tat.Before(cutoff) {
			delete(r.cells, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		r.logger.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(r.cells))
	}
}

// Stop stops the sweep goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *RateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the current number of tracked keys.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cells)
}

var _ ratelimit.RateLimiter = (*RateLimiter)(nil)
