package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslib/ebook-delivery/internal/audit"
	apperrors "github.com/campuslib/ebook-delivery/internal/errors"
	"github.com/campuslib/ebook-delivery/internal/model"
)

func otpKey() model.ChallengeKey {
	return model.ChallengeKey{
		Recipient:   testRecipient,
		Purpose:     model.OTPPurposeSessionDownload,
		ReferenceID: "ref-1",
	}
}

func TestOTPService_Issue(t *testing.T) {
	ctx := context.Background()

	t.Run("sends a six digit code", func(t *testing.T) {
		env := newTestEnv(t)

		challenge, err := env.otp.Issue(ctx, IssueParams{ChallengeKey: otpKey(), Titles: []string{"Linear Algebra"}})
		require.NoError(t, err)
		assert.Equal(t, env.clock.Now().Add(10*time.Minute), challenge.ExpiresAt)

		code := env.notifier.lastCode(t)
		assert.Len(t, code, 6)
		assert.Equal(t, challenge.Code, code)
		assert.Len(t, env.audit.Find(audit.ActionOTPIssue), 1)
	})

	t.Run("throttles reissue for the same tuple", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.otp.Issue(ctx, IssueParams{ChallengeKey: otpKey()})
		require.NoError(t, err)

		env.clock.Advance(time.Minute)
		_, err = env.otp.Issue(ctx, IssueParams{ChallengeKey: otpKey()})
		require.True(t, apperrors.Is(err, apperrors.ErrCodeRateLimitExceeded))
		retryAfter, ok := apperrors.RetryAfter(err)
		require.True(t, ok)
		assert.Equal(t, 4*time.Minute, retryAfter)
		assert.Equal(t, 1, env.notifier.count())
	})

	t.Run("reissue supersedes the previous code", func(t *testing.T) {
		env := newTestEnv(t)

		first, err := env.otp.Issue(ctx, IssueParams{ChallengeKey: otpKey()})
		require.NoError(t, err)
		env.clock.Advance(6 * time.Minute)
		second, err := env.otp.Issue(ctx, IssueParams{ChallengeKey: otpKey()})
		require.NoError(t, err)

		latest, err := env.challenges.FindLatest(ctx, otpKey())
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, second.ID, latest.ID)

		if first.Code != second.Code {
			result, err := env.otp.Verify(ctx, otpKey(), first.Code)
			require.NoError(t, err)
			assert.Equal(t, VerifyInvalid, result)
		}
		result, err := env.otp.Verify(ctx, otpKey(), second.Code)
		require.NoError(t, err)
		assert.Equal(t, VerifyVerified, result)
	})

	t.Run("removes the challenge when sending fails", func(t *testing.T) {
		env := newTestEnv(t)
		env.notifier.fail(errors.New("smtp down"))

		_, err := env.otp.Issue(ctx, IssueParams{ChallengeKey: otpKey()})
		require.True(t, apperrors.Is(err, apperrors.ErrCodeExternal))

		latest, err := env.challenges.FindLatest(ctx, otpKey())
		require.NoError(t, err)
		assert.Nil(t, latest)

		env.notifier.fail(nil)
		_, err = env.otp.Issue(ctx, IssueParams{ChallengeKey: otpKey()})
		assert.NoError(t, err, "a failed send does not count towards the throttle")
	})

	t.Run("rejects unknown purpose", func(t *testing.T) {
		env := newTestEnv(t)
		key := otpKey()
		key.Purpose = "bogus"

		_, err := env.otp.Issue(ctx, IssueParams{ChallengeKey: key})
		assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidInput))
	})
}

func TestOTPService_Verify(t *testing.T) {
	ctx := context.Background()

	t.Run("code succeeds exactly once", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.otp.Issue(ctx, IssueParams{ChallengeKey: otpKey()})
		require.NoError(t, err)
		code := env.notifier.lastCode(t)

		result, err := env.otp.Verify(ctx, otpKey(), code)
		require.NoError(t, err)
		assert.Equal(t, VerifyVerified, result)

		result, err = env.otp.Verify(ctx, otpKey(), code)
		require.NoError(t, err)
		assert.Equal(t, VerifyInvalid, result)
	})

	t.Run("concurrent submissions verify once", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.otp.Issue(ctx, IssueParams{ChallengeKey: otpKey()})
		require.NoError(t, err)
		code := env.notifier.lastCode(t)

		var verified atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if result, err := env.otp.Verify(ctx, otpKey(), code); err == nil && result == VerifyVerified {
					verified.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), verified.Load())
	})

	t.Run("wrong or malformed code is invalid", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.otp.Issue(ctx, IssueParams{ChallengeKey: otpKey()})
		require.NoError(t, err)
		code := env.notifier.lastCode(t)

		for _, candidate := range []string{wrongCode(code), "12ab56", "", "1234567"} {
			result, err := env.otp.Verify(ctx, otpKey(), candidate)
			require.NoError(t, err)
			assert.Equal(t, VerifyInvalid, result, candidate)
		}

		result, err := env.otp.Verify(ctx, otpKey(), code)
		require.NoError(t, err)
		assert.Equal(t, VerifyVerified, result, "failed attempts do not burn the code")
	})

	t.Run("expired code reports expired", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.otp.Issue(ctx, IssueParams{ChallengeKey: otpKey()})
		require.NoError(t, err)
		code := env.notifier.lastCode(t)

		env.clock.Advance(10 * time.Minute)
		result, err := env.otp.Verify(ctx, otpKey(), code)
		require.NoError(t, err)
		assert.Equal(t, VerifyExpired, result)
	})

	t.Run("code is bound to its tuple", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.otp.Issue(ctx, IssueParams{ChallengeKey: otpKey()})
		require.NoError(t, err)
		code := env.notifier.lastCode(t)

		other := otpKey()
		other.ReferenceID = "ref-2"
		result, err := env.otp.Verify(ctx, other, code)
		require.NoError(t, err)
		assert.Equal(t, VerifyInvalid, result)
	})
}
