package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/campuslib/ebook-delivery/internal/model"
	"github.com/campuslib/ebook-delivery/internal/repository"
	"github.com/campuslib/ebook-delivery/internal/util"
)

var _ repository.ChallengeRepository = (*ChallengeRepository)(nil)

type ChallengeRepository struct {
	mu         sync.Mutex
	challenges []model.OTPChallenge
}

func NewChallengeRepository() *ChallengeRepository {
	return &ChallengeRepository{}
}

func (r *ChallengeRepository) Supersede(ctx context.Context, params model.CreateChallengeParams) (*model.OTPChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if latest := r.latest(params.ChallengeKey); latest != nil {
		if next := latest.CreatedAt.Add(params.Throttle); params.Now.Before(next) {
			return nil, &repository.ThrottledError{RetryAfter: next.Sub(params.Now)}
		}
	}

	kept := r.challenges[:0]
	for _, c := range r.challenges {
		if matches(c, params.ChallengeKey) && !c.IsUsed {
			continue
		}
		kept = append(kept, c)
	}
	r.challenges = kept

	challenge := model.OTPChallenge{
		ID:          uuid.NewString(),
		Recipient:   params.Recipient,
		Code:        params.Code,
		Purpose:     params.Purpose,
		ReferenceID: params.ReferenceID,
		ExpiresAt:   params.ExpiresAt,
		CreatedAt:   params.Now,
	}
	r.challenges = append(r.challenges, challenge)
	return &challenge, nil
}

func (r *ChallengeRepository) ConsumeMatching(ctx context.Context, key model.ChallengeKey, code string, now time.Time) (*model.OTPChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.challenges {
		c := &r.challenges[i]
		if !matches(*c, key) || c.IsUsed || c.IsExpiredAt(now) {
			continue
		}
		if util.ConstantTimeEqual(c.Code, code) {
			c.IsUsed = true
			out := *c
			return &out, nil
		}
	}
	return nil, nil
}

func (r *ChallengeRepository) FindLatest(ctx context.Context, key model.ChallengeKey) (*model.OTPChallenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	latest := r.latest(key)
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

func (r *ChallengeRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, c := range r.challenges {
		if c.ID == id {
			r.challenges = append(r.challenges[:i], r.challenges[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *ChallengeRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	kept := r.challenges[:0]
	for _, c := range r.challenges {
		if c.IsExpiredAt(now) {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	r.challenges = kept
	return removed, nil
}

// latest returns the newest challenge for key. Callers must hold r.mu.
func (r *ChallengeRepository) latest(key model.ChallengeKey) *model.OTPChallenge {
	var latest *model.OTPChallenge
	for i := range r.challenges {
		c := &r.challenges[i]
		if !matches(*c, key) {
			continue
		}
		if latest == nil || !c.CreatedAt.Before(latest.CreatedAt) {
			latest = c
		}
	}
	return latest
}

func matches(c model.OTPChallenge, key model.ChallengeKey) bool {
	return c.Recipient == key.Recipient && c.Purpose == key.Purpose && c.ReferenceID == key.ReferenceID
}
