// Package ratelimit implements per-client admission control for the gateway.
//
// Each caller identity gets a fixed-window counter in the coordination
// store. The window is anchored at the identity's first request, not at
// wall-clock boundaries: the counter key is created by the first INCR and
// expires one window later.
//
// The limiter is a courtesy layer, not a security boundary. Any store
// failure fails open: the request is admitted and the remaining budget is
// reported optimistically.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/krishna-kudari/searchgate/store"
)

// DefaultLimit and DefaultWindow match the public quota of the gateway:
// 100 requests per client per minute.
const (
	DefaultLimit  = 100
	DefaultWindow = 60 * time.Second
)

const defaultKeyPrefix = "ratelimit:"

// Result is the outcome of an admission check.
type Result struct {
	Allowed   bool
	Limit     int64
	Remaining int64

	// ResetAt is when the client's window expires. On the allow path this
	// is an estimate (now + window); the exact TTL is only fetched when a
	// request is denied and the caller needs a precise Retry-After.
	ResetAt time.Time

	// RetryAfter is how long the caller should back off. Zero when allowed.
	RetryAfter time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithKeyPrefix overrides the storage key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.keyPrefix = prefix }
}

// WithLogger sets the logger used for degraded-mode warnings.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// Limiter is a fixed-window admission controller backed by a store.Store.
type Limiter struct {
	store     store.Store
	limit     int64
	window    time.Duration
	keyPrefix string
	logger    *zap.Logger
}

// New creates a Limiter allowing limit requests per identity per window.
func New(s store.Store, limit int64, window time.Duration, opts ...Option) (*Limiter, error) {
	if s == nil {
		return nil, fmt.Errorf("ratelimit: store is required")
	}
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("ratelimit: limit and window must be positive")
	}
	l := &Limiter{
		store:     s,
		limit:     limit,
		window:    window,
		keyPrefix: defaultKeyPrefix,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Allow records one request for identity and reports whether it is within
// quota. It never fails the request: on store errors the result is an
// optimistic admission.
func (l *Limiter) Allow(ctx context.Context, identity string) *Result {
	key := l.keyPrefix + identity
	now := time.Now()

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		l.logger.Warn("rate limit check failed, failing open",
			zap.String("identity", identity), zap.Error(err))
		return l.failOpen(now)
	}

	// INCR created the key without an expiry; attach the window TTL on the
	// first request. Ordered increment-then-expire so the common case (key
	// already exists) costs a single round-trip.
	if count == 1 {
		if err := l.store.Expire(ctx, key, l.window); err != nil {
			l.logger.Warn("failed to set rate limit window TTL",
				zap.String("identity", identity), zap.Error(err))
			return l.failOpen(now)
		}
	}

	if count > l.limit {
		reset := l.window
		ttl, err := l.store.TTL(ctx, key)
		if err == nil && ttl > 0 {
			reset = ttl
		}
		return &Result{
			Allowed:    false,
			Limit:      l.limit,
			Remaining:  0,
			ResetAt:    now.Add(reset),
			RetryAfter: reset,
		}
	}

	return &Result{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - count,
		ResetAt:   now.Add(l.window),
	}
}

// Reset clears the counter for identity.
func (l *Limiter) Reset(ctx context.Context, identity string) error {
	return l.store.Del(ctx, l.keyPrefix+identity)
}

// Limit returns the configured per-window ceiling.
func (l *Limiter) Limit() int64 { return l.limit }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

func (l *Limiter) failOpen(now time.Time) *Result {
	return &Result{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - 1,
		ResetAt:   now.Add(l.window),
	}
}
