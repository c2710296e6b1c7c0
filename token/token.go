// Package token manages the pool of upstream API credentials.
//
// The pool itself is static per process, parsed from configuration. What a
// credential has left of its upstream quota is shared state: every
// instance records the rate-limit headers it observed into the
// coordination store, and selection reads those records back. A record is
// TTL'd to its upstream reset instant so stale state never outlives the
// window it describes.
package token

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/krishna-kudari/searchgate/store"
)

// LowRemainingThreshold is the pool-wide remaining-request level below
// which responses carry a low-quota warning header.
const LowRemainingThreshold = 50

const (
	defaultKeyPrefix = "github:ratelimit:"
	fallbackTTL      = time.Hour
)

// ErrNoCredentials is returned when the configured credential list
// contains no usable entries.
var ErrNoCredentials = fmt.Errorf("token: credential list contains no tokens")

// Credential is one upstream API token. ID is a stable ordinal name used
// as the storage key; Secret is the opaque credential string.
type Credential struct {
	ID     string
	Secret string
}

// RateLimit is the upstream quota state for one credential, as reported by
// the upstream API.
type RateLimit struct {
	Remaining int64 `json:"remaining"`
	Limit     int64 `json:"limit"`
	Reset     int64 `json:"reset"` // unix seconds
}

// Status combines a credential's quota state with its availability.
type Status struct {
	TokenID string
	RateLimit
	Available bool
}

// QuotaFetcher queries the upstream API's own rate-status endpoint for the
// quota attached to a credential. Used to populate records missing from
// the store.
type QuotaFetcher interface {
	FetchRateLimit(ctx context.Context, secret string) (RateLimit, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeyPrefix overrides the storage key prefix for rate-limit records.
func WithKeyPrefix(prefix string) Option {
	return func(m *Manager) { m.keyPrefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// Manager selects the best credential for each upstream call and tracks
// per-credential quota records in the store.
type Manager struct {
	creds     []Credential
	store     store.Store
	fetcher   QuotaFetcher
	keyPrefix string
	logger    *zap.Logger
}

// ParseCredentials splits a comma-separated credential list into the pool.
// Surrounding single or double quotes (common in .env files) are stripped,
// entries are trimmed, and empties are dropped.
func ParseCredentials(raw string) ([]Credential, error) {
	v := strings.TrimSpace(raw)
	if (strings.HasPrefix(v, `"`) && strings.HasSuffix(v, `"`) && len(v) >= 2) ||
		(strings.HasPrefix(v, `'`) && strings.HasSuffix(v, `'`) && len(v) >= 2) {
		v = v[1 : len(v)-1]
	}

	var creds []Credential
	for _, part := range strings.Split(v, ",") {
		secret := strings.TrimSpace(part)
		if secret == "" {
			continue
		}
		creds = append(creds, Credential{
			ID:     fmt.Sprintf("token_%d", len(creds)),
			Secret: secret,
		})
	}
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}
	return creds, nil
}

// NewManager builds a Manager from a raw credential list. An empty or
// malformed list is a configuration error and fails construction.
func NewManager(raw string, s store.Store, fetcher QuotaFetcher, opts ...Option) (*Manager, error) {
	creds, err := ParseCredentials(raw)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("token: store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("token: quota fetcher is required")
	}
	m := &Manager{
		creds:     creds,
		store:     s,
		fetcher:   fetcher,
		keyPrefix: defaultKeyPrefix,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Size returns the number of credentials in the pool.
func (m *Manager) Size() int { return len(m.creds) }

// Best returns the credential to use for the next upstream call.
//
// With a single-credential pool it is returned unconditionally, with no
// store access. Otherwise the credential with the highest remaining quota
// among the available ones wins (ties broken by pool order). When every
// credential is exhausted, the one with the earliest reset is returned so
// the call can still succeed once the reset has elapsed server-side.
func (m *Manager) Best(ctx context.Context) *Credential {
	if len(m.creds) == 1 {
		return &m.creds[0]
	}

	statuses := m.Statuses(ctx)
	now := time.Now().Unix()

	best := -1
	for i, st := range statuses {
		if st.Remaining > 0 || st.Reset <= now {
			if best == -1 || st.Remaining > statuses[best].Remaining {
				best = i
			}
		}
	}
	if best >= 0 {
		return &m.creds[best]
	}

	// All exhausted: soonest to recover.
	earliest := 0
	for i, st := range statuses {
		if st.Reset < statuses[earliest].Reset {
			earliest = i
		}
	}
	return &m.creds[earliest]
}

// BestExcluding returns an alternate credential with remaining quota,
// skipping excludeID. Used for single-hop failover after an upstream
// quota rejection; returns false when no such credential exists.
func (m *Manager) BestExcluding(ctx context.Context, excludeID string) (*Credential, bool) {
	statuses := m.Statuses(ctx)
	best := -1
	for i, st := range statuses {
		if st.TokenID == excludeID || st.Remaining <= 0 {
			continue
		}
		if best == -1 || st.Remaining > statuses[best].Remaining {
			best = i
		}
	}
	if best == -1 {
		return nil, false
	}
	return &m.creds[best], true
}

// UpdateRateLimit overwrites the stored record for id with rl. The record
// expires at the upstream reset instant, or after an hour if the reset has
// already passed. Store failures are logged, never surfaced: the record is
// an optimization, not a correctness requirement.
func (m *Manager) UpdateRateLimit(ctx context.Context, id string, rl RateLimit) {
	ttl := time.Duration(rl.Reset-time.Now().Unix()) * time.Second
	if ttl <= 0 {
		ttl = fallbackTTL
	}
	if err := store.SetJSON(ctx, m.store, m.keyPrefix+id, rl, ttl); err != nil {
		m.logger.Warn("failed to update token rate limit record",
			zap.String("token_id", id), zap.Error(err))
	}
}

// Statuses returns the quota state for every credential, in pool order.
// Records missing from the store are filled by probing the upstream
// rate-status endpoint and cached; a failed probe yields an exhausted
// placeholder so the credential is deprioritized until its record heals.
func (m *Manager) Statuses(ctx context.Context) []Status {
	now := time.Now().Unix()
	statuses := make([]Status, 0, len(m.creds))

	for _, cred := range m.creds {
		rl, err := m.record(ctx, cred)
		if err != nil {
			m.logger.Warn("failed to resolve token rate limit",
				zap.String("token_id", cred.ID), zap.Error(err))
			rl = RateLimit{Remaining: 0, Limit: 5000, Reset: now + 3600}
		}
		statuses = append(statuses, Status{
			TokenID:   cred.ID,
			RateLimit: rl,
			Available: rl.Remaining > 0 || rl.Reset <= now,
		})
	}
	return statuses
}

// TotalRemaining sums the remaining quota across the pool. Negative
// remaining values (never written, but possible under clock skew) are
// clamped to zero.
func (m *Manager) TotalRemaining(ctx context.Context) int64 {
	var total int64
	for _, st := range m.Statuses(ctx) {
		if st.Remaining > 0 {
			total += st.Remaining
		}
	}
	return total
}

// TotalLimit sums the quota ceilings across the pool.
func (m *Manager) TotalLimit(ctx context.Context) int64 {
	var total int64
	for _, st := range m.Statuses(ctx) {
		total += st.Limit
	}
	return total
}

// EarliestReset returns the soonest reset instant across the pool, as unix
// seconds. Used as the retry-after hint when the whole pool is exhausted.
func (m *Manager) EarliestReset(ctx context.Context) int64 {
	statuses := m.Statuses(ctx)
	if len(statuses) == 0 {
		return time.Now().Unix() + 3600
	}
	earliest := statuses[0].Reset
	for _, st := range statuses[1:] {
		if st.Reset < earliest {
			earliest = st.Reset
		}
	}
	return earliest
}

func (m *Manager) record(ctx context.Context, cred Credential) (RateLimit, error) {
	var rl RateLimit
	err := store.GetJSON(ctx, m.store, m.keyPrefix+cred.ID, &rl)
	if err == nil {
		return rl, nil
	}
	if !store.IsNotFound(err) {
		m.logger.Warn("token rate limit record read failed",
			zap.String("token_id", cred.ID), zap.Error(err))
	}

	// No usable record: ask the upstream API directly, then cache.
	rl, ferr := m.fetcher.FetchRateLimit(ctx, cred.Secret)
	if ferr != nil {
		return RateLimit{}, ferr
	}
	m.UpdateRateLimit(ctx, cred.ID, rl)
	return rl, nil
}
