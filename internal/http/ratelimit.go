package http

import (
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// tenantLimiters holds one token bucket per tenant.
type tenantLimiters struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// newTenantLimiters allows rps requests per second per tenant with a burst of
// one second's worth. rps <= 0 disables limiting.
func newTenantLimiters(rps float64) *tenantLimiters {
	if rps <= 0 {
		return &tenantLimiters{limit: rate.Inf}
	}
	return &tenantLimiters{
		limit:    rate.Limit(rps),
		burst:    int(math.Max(1, math.Ceil(rps))),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (t *tenantLimiters) allow(tenantID string) bool {
	if t.limit == rate.Inf {
		return true
	}
	t.mu.Lock()
	l, ok := t.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[tenantID] = l
	}
	t.mu.Unlock()
	return l.Allow()
}
