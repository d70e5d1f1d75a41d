package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/erdsync/internal/cache"
	"go.uber.org/zap"
)

const keyPrefix = "rate_limit:"

var (
	// ErrTooManyRequests is returned when a subject exhausted its attempts for the window.
	ErrTooManyRequests = errors.New("ratelimit: too many requests")
	// ErrMissingSubject indicates an empty subject key.
	ErrMissingSubject = errors.New("ratelimit: subject required")
)

// Policy bounds how often one subject may perform an action.
type Policy struct {
	Scope       string
	Window      time.Duration
	MaxAttempts int
}

var (
	// InvitationPolicy allows two invitations per recipient and project every three minutes.
	InvitationPolicy = Policy{Scope: "invite", Window: 3 * time.Minute, MaxAttempts: 2}
	// PasswordResetPolicy allows two reset requests per email every three minutes.
	PasswordResetPolicy = Policy{Scope: "reset", Window: 3 * time.Minute, MaxAttempts: 2}
)

// Backend is the atomic check-and-record primitive.
type Backend interface {
	RateLimit(ctx context.Context, key string, window time.Duration, maxAttempts int) cache.RateLimitResult
}

// Decision is the outcome of Allow.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

// RetryAfter returns how long until the window admits another attempt.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetTime.After(now) {
		return 0
	}
	return d.ResetTime.Sub(now)
}

// Limiter applies policies to subjects.
type Limiter struct {
	backend Backend
	logger  *zap.Logger
}

// NewLimiter constructs a Limiter over backend.
func NewLimiter(backend Backend, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{backend: backend, logger: logger}
}

// Key builds the storage key for subject parts under policy, e.g.
// rate_limit:bob@x.com:reset.
func Key(policy Policy, subjectParts ...string) string {
	normalized := make([]string, 0, len(subjectParts)+1)
	for _, part := range subjectParts {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(part)))
	}
	if policy.Scope != "" {
		normalized = append(normalized, policy.Scope)
	}
	return keyPrefix + strings.Join(normalized, ":")
}

// Allow consults the backend for subjectParts under policy. A rejected attempt
// returns ErrTooManyRequests alongside the decision.
func (l *Limiter) Allow(ctx context.Context, policy Policy, subjectParts ...string) (Decision, error) {
	for _, part := range subjectParts {
		if strings.TrimSpace(part) == "" {
			return Decision{}, ErrMissingSubject
		}
	}
	if len(subjectParts) == 0 {
		return Decision{}, ErrMissingSubject
	}
	key := Key(policy, subjectParts...)
	result := l.backend.RateLimit(ctx, key, policy.Window, policy.MaxAttempts)
	decision := Decision{
		Allowed:   result.Success,
		Remaining: result.Remaining,
		ResetTime: result.ResetTime,
	}
	if !decision.Allowed {
		l.logger.Info("rate limit exceeded",
			zap.String("scope", policy.Scope),
			zap.String("key", key),
			zap.Time("reset_time", result.ResetTime))
		return decision, fmt.Errorf("%w: %s", ErrTooManyRequests, policy.Scope)
	}
	return decision, nil
}
