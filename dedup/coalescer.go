// Package dedup collapses concurrent identical requests into a single
// upstream call.
//
// The first caller for a fingerprint takes a short-lived lock in the
// coordination store, performs the work, and publishes the result under a
// sibling key. Callers that find the lock held poll for that result on a
// fixed interval. There is no cross-instance signaling primitive, so the
// wait is a bounded poll loop: a follower that exhausts its budget runs
// the work itself rather than blocking further.
//
// The lock is best-effort, not a consensus primitive. Two callers racing
// through the exists/create window can both lead; the cost is one
// duplicate upstream call, which is accepted. Coalescing is a latency and
// quota optimization, never a correctness requirement, so every store
// failure falls back to direct execution.
package dedup

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/krishna-kudari/searchgate/store"
)

// Defaults: a 3s dedup window with followers polling every 100ms for up
// to 20 attempts (~2s worst-case added latency).
const (
	DefaultWindow       = 3 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultPollBudget   = 20

	// releaseDelay keeps the lock alive briefly after the result is
	// published so mid-poll followers observe the result instead of the
	// lock's absence.
	releaseDelay = 100 * time.Millisecond
)

const defaultKeyPrefix = "dedup:"

// Result is the shared outcome of a coalesced request: the serialized
// response body and its status code, exactly as the leader produced them.
type Result struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"response"`
}

// WorkFunc performs the actual upstream call.
type WorkFunc func(ctx context.Context) (*Result, error)

type lockRecord struct {
	Timestamp int64 `json:"timestamp"` // unix milliseconds
}

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithWindow sets the dedup window (lock and result TTL).
func WithWindow(w time.Duration) Option {
	return func(c *Coalescer) { c.window = w }
}

// WithPolling sets the follower poll interval and attempt budget.
func WithPolling(interval time.Duration, budget int) Option {
	return func(c *Coalescer) {
		c.pollInterval = interval
		c.pollBudget = budget
	}
}

// WithKeyPrefix overrides the storage key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *Coalescer) { c.keyPrefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coalescer) { c.logger = logger }
}

// Outcome labels reported to the observer.
const (
	OutcomeLeader           = "leader"
	OutcomeFollowerHit      = "follower_hit"
	OutcomeFollowerTimedOut = "follower_timed_out"
	OutcomeBypass           = "bypass"
)

// WithObserver registers a callback invoked once per Do call with the
// outcome label. Used for metrics.
func WithObserver(fn func(outcome string)) Option {
	return func(c *Coalescer) { c.observe = fn }
}

// Coalescer deduplicates in-flight requests by fingerprint.
type Coalescer struct {
	store        store.Store
	window       time.Duration
	pollInterval time.Duration
	pollBudget   int
	keyPrefix    string
	logger       *zap.Logger
	observe      func(outcome string)
}

// New creates a Coalescer with the given store.
func New(s store.Store, opts ...Option) *Coalescer {
	c := &Coalescer{
		store:        s,
		window:       DefaultWindow,
		pollInterval: DefaultPollInterval,
		pollBudget:   DefaultPollBudget,
		keyPrefix:    defaultKeyPrefix,
		logger:       zap.NewNop(),
		observe:      func(string) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do runs work for fingerprint, coalescing with concurrent identical
// requests. The returned Result is either this caller's own work output
// or a result published by another leader within the dedup window.
func (c *Coalescer) Do(ctx context.Context, fingerprint string, work WorkFunc) (*Result, error) {
	lockKey := c.keyPrefix + fingerprint + ":lock"
	resultKey := c.keyPrefix + fingerprint + ":result"

	held, err := c.store.Exists(ctx, lockKey)
	if err != nil {
		c.logger.Warn("dedup lock check failed, executing directly", zap.Error(err))
		c.observe(OutcomeBypass)
		return work(ctx)
	}

	if held {
		if res, ok, err := c.await(ctx, resultKey); err != nil {
			return nil, err
		} else if ok {
			c.observe(OutcomeFollowerHit)
			return res, nil
		}
		// Poll budget exhausted: the leader crashed or is slow. Become a
		// leader ourselves to bound follower latency.
		c.observe(OutcomeFollowerTimedOut)
	} else {
		c.observe(OutcomeLeader)
	}

	return c.lead(ctx, lockKey, resultKey, work)
}

// await polls for a published result. Returns ok=false when the budget is
// exhausted without observing one.
func (c *Coalescer) await(ctx context.Context, resultKey string) (*Result, bool, error) {
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()

	for i := 0; i < c.pollBudget; i++ {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-timer.C:
		}

		var res Result
		err := store.GetJSON(ctx, c.store, resultKey, &res)
		if err == nil {
			return &res, true, nil
		}
		if !store.IsNotFound(err) {
			c.logger.Warn("dedup result poll failed", zap.Error(err))
			return nil, false, nil
		}
		timer.Reset(c.pollInterval)
	}
	return nil, false, nil
}

func (c *Coalescer) lead(ctx context.Context, lockKey, resultKey string, work WorkFunc) (*Result, error) {
	lock := lockRecord{Timestamp: time.Now().UnixMilli()}
	if err := store.SetJSON(ctx, c.store, lockKey, lock, c.window); err != nil {
		c.logger.Warn("dedup lock create failed, executing directly", zap.Error(err))
		return work(ctx)
	}

	res, err := work(ctx)
	if err != nil {
		// Nothing to share. Drop the lock now so waiting followers fall
		// through sooner; its TTL covers us if the delete fails.
		if derr := c.store.Del(ctx, lockKey); derr != nil {
			c.logger.Warn("dedup lock release failed", zap.Error(derr))
		}
		return nil, err
	}

	if perr := store.SetJSON(ctx, c.store, resultKey, res, c.window); perr != nil {
		c.logger.Warn("dedup result publish failed", zap.Error(perr))
	}

	// Release the lock after a grace period so followers mid-poll see the
	// published result rather than racing to lead. The store's TTL is the
	// backstop if the process dies first.
	s := c.store
	logger := c.logger
	time.AfterFunc(releaseDelay, func() {
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if derr := s.Del(rctx, lockKey); derr != nil {
			logger.Warn("dedup lock release failed", zap.Error(derr))
		}
	})

	return res, nil
}
