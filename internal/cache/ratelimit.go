package cache

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	queryLimitKey      = "limit_key = ?"
	queryLimitKeyStale = "limit_key = ? AND hit_at_ms <= ?"
	orderHitAtAsc      = "hit_at_ms ASC"
)

// RateLimitResult is the outcome of one rate-limit check.
type RateLimitResult struct {
	Success   bool
	Remaining int
	ResetTime time.Time
}

// RateLimit records an attempt against key if fewer than maxAttempts attempts
// were admitted during the trailing window. Hits at or before now-window are
// stale. The purge, count and insert run in one transaction so concurrent
// callers cannot both take the last slot. Backend failures fail open.
func (s *Store) RateLimit(ctx context.Context, key string, window time.Duration, maxAttempts int) RateLimitResult {
	now := s.clock()
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	if maxAttempts <= 0 {
		return RateLimitResult{Success: false, Remaining: 0, ResetTime: now.Add(window)}
	}

	var result RateLimitResult
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if transaction.Dialector.Name() == "postgres" {
			if err := transaction.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", key).Error; err != nil {
				return err
			}
		}
		if err := transaction.Where(queryLimitKeyStale, key, nowMs-windowMs).Delete(&RateLimitHit{}).Error; err != nil {
			return err
		}
		var count int64
		if err := transaction.Model(&RateLimitHit{}).Where(queryLimitKey, key).Count(&count).Error; err != nil {
			return err
		}
		if int(count) >= maxAttempts {
			var oldest RateLimitHit
			if err := transaction.Where(queryLimitKey, key).Order(orderHitAtAsc).Take(&oldest).Error; err != nil {
				return err
			}
			result = RateLimitResult{
				Success:   false,
				Remaining: 0,
				ResetTime: time.UnixMilli(oldest.HitAtMs + windowMs),
			}
			return nil
		}
		hit := RateLimitHit{Member: ulid.Make().String(), Key: key, HitAtMs: nowMs}
		if err := transaction.Create(&hit).Error; err != nil {
			return err
		}
		result = RateLimitResult{
			Success:   true,
			Remaining: maxAttempts - int(count) - 1,
			ResetTime: now.Add(window),
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("rate limiter backend failed, allowing request",
			zap.String("operation", opRateLimit),
			zap.String(fieldKey, key),
			zap.Error(err))
		return RateLimitResult{Success: true, Remaining: maxAttempts - 1, ResetTime: now.Add(window)}
	}
	return result
}
