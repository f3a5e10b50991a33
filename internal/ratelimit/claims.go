package ratelimit

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/leadclaim/internal/config"
	"go.uber.org/zap"
)

const keyClaimAcquire = "leadclaim:ratelimit:claim:%s"

// ClaimLimiter throttles how fast one user can take cases. A nil limiter allows everything.
type ClaimLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
	log    *zap.Logger
}

// NewClaimLimiter returns nil when Redis or a positive per-minute rate is not configured.
func NewClaimLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *ClaimLimiter {
	if client == nil || cfg.ClaimRatePerMinute <= 0 {
		return nil
	}
	burst := cfg.ClaimBurst
	if burst <= 0 {
		burst = max(int(cfg.ClaimRatePerMinute), 1)
	}
	return &ClaimLimiter{
		bucket: NewTokenBucket(client),
		rate:   cfg.ClaimRatePerMinute / 60,
		burst:  burst,
		log:    log.Named("ratelimit"),
	}
}

func (l *ClaimLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// AllowAcquire takes one token for userID. Redis failures fail open.
func (l *ClaimLimiter) AllowAcquire(ctx context.Context, userID snowflake.ID) Result {
	if !l.Enabled() {
		return Result{Allowed: true}
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyClaimAcquire, userID.String()), l.rate, l.burst)
	if err != nil {
		l.log.Warn("claim rate limit check failed", zap.Error(err), zap.String("user_id", userID.String()))
		return Result{Allowed: true, Limit: l.burst}
	}
	return res
}
