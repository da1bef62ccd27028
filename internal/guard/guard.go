// Package guard decides when the engine must degrade instead of consulting
// the decision oracle, and throttles oracle calls per role.
package guard

import (
	"fmt"
	"sync"
	"time"

	"github.com/ironmill-erp/decision-engine/internal/domain"
	"github.com/ironmill-erp/decision-engine/internal/resilience"
)

// GuardConfig holds the oracle switch and rate limit.
type GuardConfig struct {
	OracleEnabled      bool
	RateLimitPerMinute int
}

// Guard coordinates the degradation gate and per-role rate checks.
type Guard struct {
	Quota  *resilience.QuotaCache
	Config GuardConfig

	now func() time.Time // for testing

	mu         sync.Mutex
	rateCounts map[string]*rateBucket
}

type rateBucket struct {
	count       int
	windowStart int64
}

// NewGuard creates a Guard with the given dependencies. quota may be nil.
func NewGuard(quota *resilience.QuotaCache, cfg GuardConfig) *Guard {
	return &Guard{
		Quota:      quota,
		Config:     cfg,
		now:        time.Now,
		rateCounts: make(map[string]*rateBucket),
	}
}

// Degraded reports whether oracle-dependent steps must be replaced by the
// synthetic approval, and why.
func (g *Guard) Degraded() (string, bool) {
	if !g.Config.OracleEnabled {
		return "decision oracle disabled; auto-approving without oracle checks", true
	}
	if g.Quota != nil {
		if entry, ok := g.Quota.Get(resilience.DefaultQuotaKey); ok {
			return fmt.Sprintf("decision oracle unavailable until %s (%s); auto-approving without oracle checks",
				entry.Expiry.UTC().Format(time.RFC3339), entry.Reason), true
		}
	}
	return "", false
}

// CheckAll runs the checks that precede one oracle call for role:
// the degradation gate, then the rate limit.
func (g *Guard) CheckAll(role domain.Role) error {
	if !g.Config.OracleEnabled {
		return domain.ErrOracleDisabled
	}
	if g.Quota != nil && g.Quota.IsExceeded(resilience.DefaultQuotaKey) {
		return domain.ErrRateLimitExceeded
	}
	return g.CheckRateLimit(string(role))
}

// CheckRateLimit enforces a per-key sliding window rate limit.
// The window is 60 seconds. If the count exceeds the configured limit,
// ErrRateLimitExceeded is returned. A non-positive limit disables the check.
func (g *Guard) CheckRateLimit(key string) error {
	if g.Config.RateLimitPerMinute <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().Unix()
	bucket, ok := g.rateCounts[key]
	if !ok {
		g.rateCounts[key] = &rateBucket{count: 1, windowStart: now}
		return nil
	}

	if now-bucket.windowStart > 60 {
		bucket.count = 1
		bucket.windowStart = now
		return nil
	}

	if bucket.count >= g.Config.RateLimitPerMinute {
		return domain.ErrRateLimitExceeded
	}

	bucket.count++
	return nil
}
