// Package ratelimit admits runs against a per-tenant token budget.
// Every run is charged up front by its requested max_tokens, or a flat
// estimate when the caller set none; the sliding window lives in Redis
// so all gateway replicas draw from the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// DefaultEstimate is the charge for a request without max_tokens.
const DefaultEstimate = 1000

// Estimate converts a request's max_tokens into the tokens charged for
// one run.
func Estimate(maxTokens *int) int {
	if maxTokens != nil && *maxTokens > 0 {
		return *maxTokens
	}
	return DefaultEstimate
}

// Limiter wraps github.com/vnmchuo/ratelimiter with tenant-keyed
// windows.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow charges tokens against the tenant's window and reports whether
// the run may proceed.
func (l *Limiter) Allow(ctx context.Context, tenantID string, tokens int) (bool, error) {
	res, err := l.store.AllowN(ctx, tenantKey(tenantID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Status reads the tenant's window without charging it.
func (l *Limiter) Status(ctx context.Context, tenantID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, tenantKey(tenantID))
}

func tenantKey(tenantID string) string {
	return fmt.Sprintf("ratelimit:tenant:%s", tenantID)
}
