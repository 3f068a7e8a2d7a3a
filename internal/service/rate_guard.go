package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/campuslib/ebook-delivery/internal/audit"
	"github.com/campuslib/ebook-delivery/internal/config"
	apperrors "github.com/campuslib/ebook-delivery/internal/errors"
	"github.com/campuslib/ebook-delivery/internal/metrics"
	"github.com/campuslib/ebook-delivery/internal/model"
	redisclient "github.com/campuslib/ebook-delivery/internal/redis"
)

type RateAction string

const (
	RateActionOTPIssue         RateAction = "otp_issue"
	RateActionDownloadInitiate RateAction = "download_initiate"
	RateActionCodeSubmit       RateAction = "code_submit"
	RateActionItemFetch        RateAction = "item_fetch"
)

// DefaultRatePolicies returns the built-in limits. item_fetch uses the
// configured anonymous fetch interval.
func DefaultRatePolicies(fetchInterval time.Duration) map[RateAction]config.RatePolicy {
	return map[RateAction]config.RatePolicy{
		RateActionOTPIssue:         {Limit: 1, Window: 2 * time.Minute},
		RateActionDownloadInitiate: {Limit: 10, Window: 10 * time.Minute},
		RateActionCodeSubmit:       {Limit: 5, Window: time.Minute},
		RateActionItemFetch:        {Limit: 1, Window: fetchInterval},
	}
}

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateGuard answers allow/deny per (identity, action). It never blocks.
type RateGuard struct {
	limiter  Limiter
	policies map[RateAction]config.RatePolicy
	audit    audit.Sink
	clock    Clock
}

func NewRateGuard(limiter Limiter, policies map[RateAction]config.RatePolicy, sink audit.Sink, clock Clock) *RateGuard {
	return &RateGuard{limiter: limiter, policies: policies, audit: sink, clock: clock}
}

// WithOverrides replaces policies by action name. Unknown names are logged
// and ignored.
func (g *RateGuard) WithOverrides(overrides map[string]config.RatePolicy) *RateGuard {
	for name, policy := range overrides {
		action := RateAction(name)
		if _, ok := g.policies[action]; !ok {
			log.Warn().Str("action", name).Msg("ignoring rate policy for unknown action")
			continue
		}
		g.policies[action] = policy
	}
	return g
}

func (g *RateGuard) Policy(action RateAction) (config.RatePolicy, bool) {
	p, ok := g.policies[action]
	return p, ok
}

func (g *RateGuard) Allow(ctx context.Context, identity string, action RateAction) Decision {
	policy, ok := g.policies[action]
	if !ok {
		return Decision{Allowed: true}
	}

	now := g.clock.now()
	allowed, resetAt := g.limiter.CheckLimit(ctx, redisclient.RateLimitKey(string(action), identity), policy.Limit, policy.Window, now)
	if allowed {
		return Decision{Allowed: true}
	}

	retryAfter := resetAt.Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}

	metrics.RateLimitDenialsTotal.WithLabelValues(string(action)).Inc()
	log.Warn().
		Str("action", string(action)).
		Str("identity", identity).
		Dur("retryAfter", retryAfter).
		Msg("rate limit exceeded")
	g.audit.Record(ctx, audit.Entry{
		Actor:      identity,
		Action:     audit.ActionRateLimit,
		EntityType: audit.EntityClient,
		EntityID:   identity,
		Outcome:    model.AuditOutcomeDenied,
		Details:    map[string]any{"rateAction": string(action), "retryAfterMs": retryAfter.Milliseconds()},
		At:         now,
	})

	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// Check is Allow returning RateLimitExceeded on denial.
func (g *RateGuard) Check(ctx context.Context, identity string, action RateAction) error {
	if d := g.Allow(ctx, identity, action); !d.Allowed {
		return apperrors.RateLimitExceeded(d.RetryAfter)
	}
	return nil
}
