package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuslib/ebook-delivery/internal/model"
	"github.com/campuslib/ebook-delivery/internal/repository"
)

func issuedSession(t *testing.T, repo *DownloadSessionRepository, id, tokenHash string) {
	t.Helper()
	ctx := context.Background()
	cartKey := "cart-1"

	_, err := repo.Create(ctx, model.CreateDownloadSessionParams{
		ID:        id,
		CartKey:   &cartKey,
		Recipient: "student@inst.edu",
		Purpose:   model.OTPPurposeSessionDownload,
		Items:     model.Snapshot{{ItemID: "A", Title: "Algebra"}},
		Now:       baseTime,
		ExpiresAt: baseTime.Add(time.Hour),
	})
	require.NoError(t, err)

	steps := []model.DownloadStatus{
		model.DownloadStatusInitiated,
		model.DownloadStatusOTPPending,
		model.DownloadStatusOTPVerified,
		model.DownloadStatusTokenIssued,
	}
	tokenExpiry := baseTime.Add(10 * time.Minute)
	for i := 0; i < len(steps)-1; i++ {
		params := model.TransitionParams{ID: id, From: steps[i], To: steps[i+1], Now: baseTime}
		if steps[i+1] == model.DownloadStatusTokenIssued {
			params.TokenHash = &tokenHash
			params.TokenExpiresAt = &tokenExpiry
		}
		s, err := repo.Transition(ctx, params)
		require.NoError(t, err)
		require.NotNil(t, s)
	}
}

func TestDownloadSessionRepository_Transition(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadSessionRepository()
	issuedSession(t, repo, "s1", "hash-1")

	t.Run("stale from status is rejected", func(t *testing.T) {
		s, err := repo.Transition(ctx, model.TransitionParams{
			ID: "s1", From: model.DownloadStatusOTPPending, To: model.DownloadStatusOTPVerified, Now: baseTime,
		})
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("backward transition is refused", func(t *testing.T) {
		_, err := repo.Transition(ctx, model.TransitionParams{
			ID: "s1", From: model.DownloadStatusTokenIssued, To: model.DownloadStatusOTPVerified, Now: baseTime,
		})
		assert.ErrorIs(t, err, repository.ErrIllegalTransition)
	})

	t.Run("returned copy does not alias storage", func(t *testing.T) {
		s, err := repo.FindByID(ctx, "s1")
		require.NoError(t, err)
		s.Items[0].Title = "changed"

		again, _ := repo.FindByID(ctx, "s1")
		assert.Equal(t, "Algebra", again.Items[0].Title)
	})
}

func TestDownloadSessionRepository_ConsumeToken(t *testing.T) {
	ctx := context.Background()

	t.Run("exactly one concurrent consumer wins", func(t *testing.T) {
		repo := NewDownloadSessionRepository()
		issuedSession(t, repo, "s1", "hash-1")

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, _, err := repo.ConsumeToken(ctx, model.ConsumeTokenParams{TokenHash: "hash-1", Now: baseTime.Add(time.Minute)})
				if err == nil && s != nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		s, _ := repo.FindByID(ctx, "s1")
		assert.Equal(t, model.DownloadStatusDelivered, s.Status)
		assert.NotNil(t, s.DeliveredAt)
	})

	t.Run("expired token is not consumed", func(t *testing.T) {
		repo := NewDownloadSessionRepository()
		issuedSession(t, repo, "s1", "hash-1")

		s, _, err := repo.ConsumeToken(ctx, model.ConsumeTokenParams{TokenHash: "hash-1", Now: baseTime.Add(10 * time.Minute)})
		require.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("only one session of a cart is delivered", func(t *testing.T) {
		repo := NewDownloadSessionRepository()
		issuedSession(t, repo, "s1", "hash-1")
		issuedSession(t, repo, "s2", "hash-2")

		var wins atomic.Int32
		var wg sync.WaitGroup
		for _, hash := range []string{"hash-1", "hash-2"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, _, err := repo.ConsumeToken(ctx, model.ConsumeTokenParams{
					TokenHash: hash, SiblingReason: "cart_delivered", Now: baseTime.Add(time.Minute),
				})
				if err == nil && s != nil {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		first, _ := repo.FindByID(ctx, "s1")
		second, _ := repo.FindByID(ctx, "s2")
		statuses := []model.DownloadStatus{first.Status, second.Status}
		assert.ElementsMatch(t, []model.DownloadStatus{model.DownloadStatusDelivered, model.DownloadStatusFailed}, statuses)
	})
}

func TestDownloadSessionRepository_Sweeps(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadSessionRepository()
	issuedSession(t, repo, "s1", "hash-1")
	issuedSession(t, repo, "s2", "hash-2")

	delivered, closed, err := repo.ConsumeToken(ctx, model.ConsumeTokenParams{
		TokenHash: "hash-1", SiblingReason: "cart_delivered", Now: baseTime,
	})
	require.NoError(t, err)
	require.NotNil(t, delivered)
	assert.Equal(t, int64(1), closed)

	s2, _ := repo.FindByID(ctx, "s2")
	require.NotNil(t, s2.FailureReason)
	assert.Equal(t, "cart_delivered", *s2.FailureReason)

	issuedSession(t, repo, "s3", "hash-3")

	n, err := repo.MarkExpired(ctx, baseTime.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.DeleteTerminalBefore(ctx, baseTime.Add(12*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
