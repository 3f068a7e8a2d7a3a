package service

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslib/ebook-delivery/internal/audit"
	"github.com/campuslib/ebook-delivery/internal/config"
	apperrors "github.com/campuslib/ebook-delivery/internal/errors"
	"github.com/campuslib/ebook-delivery/internal/model"
	redisclient "github.com/campuslib/ebook-delivery/internal/redis"
)

func TestMemoryLimiter(t *testing.T) {
	ctx := context.Background()
	rl := NewMemoryLimiter()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		allowed, _ := rl.CheckLimit(ctx, "k", 3, time.Minute, now.Add(time.Duration(i)*time.Second))
		assert.True(t, allowed)
	}

	allowed, resetAt := rl.CheckLimit(ctx, "k", 3, time.Minute, now.Add(10*time.Second))
	assert.False(t, allowed)
	assert.Equal(t, now.Add(time.Minute), resetAt)

	allowed, _ = rl.CheckLimit(ctx, "other", 3, time.Minute, now.Add(10*time.Second))
	assert.True(t, allowed, "keys are independent")

	allowed, _ = rl.CheckLimit(ctx, "k", 3, time.Minute, now.Add(61*time.Second))
	assert.True(t, allowed, "window slides")
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	now := time.Now()
	allowed, resetAt := NewRedisLimiter(client).CheckLimit(context.Background(), "k", 1, time.Minute, now)
	assert.True(t, allowed)
	assert.Equal(t, now.Add(time.Minute), resetAt)
}

func TestRedisLimiter(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := redisclient.NewClient(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	key := redisclient.RateLimitKey("test", uuid.NewString())
	defer client.Del(ctx, key)

	rl := NewRedisLimiter(client.Client)
	now := time.Now()

	allowed, _ := rl.CheckLimit(ctx, key, 2, time.Minute, now)
	assert.True(t, allowed)
	allowed, _ = rl.CheckLimit(ctx, key, 2, time.Minute, now.Add(time.Second))
	assert.True(t, allowed)

	allowed, resetAt := rl.CheckLimit(ctx, key, 2, time.Minute, now.Add(2*time.Second))
	assert.False(t, allowed)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), resetAt.UnixMilli())
}

func TestRateGuard(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()

	newGuard := func(rec *audit.Recorder) *RateGuard {
		return NewRateGuard(NewMemoryLimiter(), DefaultRatePolicies(30*time.Second), rec, Clock(clock.Now))
	}

	t.Run("denies past the limit and audits", func(t *testing.T) {
		rec := audit.NewRecorder()
		guard := newGuard(rec)

		for i := 0; i < 5; i++ {
			assert.True(t, guard.Allow(ctx, testIP, RateActionCodeSubmit).Allowed)
		}
		decision := guard.Allow(ctx, testIP, RateActionCodeSubmit)
		assert.False(t, decision.Allowed)
		assert.Equal(t, time.Minute, decision.RetryAfter)

		denials := rec.Find(audit.ActionRateLimit)
		require.Len(t, denials, 1)
		assert.Equal(t, model.AuditOutcomeDenied, denials[0].Outcome)
		assert.Equal(t, "code_submit", denials[0].Details["rateAction"])
	})

	t.Run("identities and actions are independent", func(t *testing.T) {
		guard := newGuard(audit.NewRecorder())

		assert.True(t, guard.Allow(ctx, "a", RateActionItemFetch).Allowed)
		assert.False(t, guard.Allow(ctx, "a", RateActionItemFetch).Allowed)
		assert.True(t, guard.Allow(ctx, "b", RateActionItemFetch).Allowed)
		assert.True(t, guard.Allow(ctx, "a", RateActionOTPIssue).Allowed)
	})

	t.Run("check returns a retry hint", func(t *testing.T) {
		guard := newGuard(audit.NewRecorder())

		require.NoError(t, guard.Check(ctx, "c", RateActionItemFetch))
		err := guard.Check(ctx, "c", RateActionItemFetch)
		require.True(t, apperrors.Is(err, apperrors.ErrCodeRateLimitExceeded))
		retryAfter, ok := apperrors.RetryAfter(err)
		require.True(t, ok)
		assert.Equal(t, 30*time.Second, retryAfter)
	})

	t.Run("unknown action is allowed", func(t *testing.T) {
		guard := newGuard(audit.NewRecorder())
		assert.True(t, guard.Allow(ctx, "d", RateAction("unknown")).Allowed)
	})

	t.Run("overrides replace known policies only", func(t *testing.T) {
		guard := newGuard(audit.NewRecorder()).WithOverrides(map[string]config.RatePolicy{
			"code_submit": {Limit: 1, Window: time.Hour},
			"bogus":       {Limit: 1, Window: time.Hour},
		})

		policy, ok := guard.Policy(RateActionCodeSubmit)
		require.True(t, ok)
		assert.Equal(t, 1, policy.Limit)
		_, ok = guard.Policy("bogus")
		assert.False(t, ok)
	})
}
