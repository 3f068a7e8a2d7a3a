package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/campuslib/ebook-delivery/internal/model"
	"github.com/campuslib/ebook-delivery/internal/repository"
)

var _ repository.DownloadSessionRepository = (*DownloadSessionRepository)(nil)

type DownloadSessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*model.DownloadSession
}

func NewDownloadSessionRepository() *DownloadSessionRepository {
	return &DownloadSessionRepository{sessions: make(map[string]*model.DownloadSession)}
}

func (r *DownloadSessionRepository) Create(ctx context.Context, params model.CreateDownloadSessionParams) (*model.DownloadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[params.ID]; exists {
		return nil, fmt.Errorf("download session %s already exists", params.ID)
	}

	items := make(model.Snapshot, len(params.Items))
	copy(items, params.Items)

	session := &model.DownloadSession{
		ID:        params.ID,
		CartKey:   params.CartKey,
		Recipient: params.Recipient,
		Purpose:   params.Purpose,
		Items:     items,
		Status:    model.DownloadStatusInitiated,
		OriginIP:  params.OriginIP,
		CreatedAt: params.Now,
		ExpiresAt: params.ExpiresAt,
		UpdatedAt: params.Now,
	}
	r.sessions[session.ID] = session
	return clone(session), nil
}

func (r *DownloadSessionRepository) FindByID(ctx context.Context, id string) (*model.DownloadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return clone(session), nil
}

func (r *DownloadSessionRepository) FindByTokenHash(ctx context.Context, tokenHash string) (*model.DownloadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session := r.byTokenHash(tokenHash); session != nil {
		return clone(session), nil
	}
	return nil, nil
}

func (r *DownloadSessionRepository) Transition(ctx context.Context, params model.TransitionParams) (*model.DownloadSession, error) {
	if err := repository.CheckTransition(params); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[params.ID]
	if !ok || session.Status != params.From {
		return nil, nil
	}

	session.Status = params.To
	if params.ChallengeID != nil {
		session.ChallengeID = params.ChallengeID
	}
	if params.OTPVerified != nil {
		session.OTPVerified = *params.OTPVerified
	}
	if params.TokenHash != nil {
		session.TokenHash = params.TokenHash
	}
	if params.TokenExpiresAt != nil {
		session.TokenExpiresAt = params.TokenExpiresAt
	}
	if params.FailureReason != nil {
		session.FailureReason = params.FailureReason
	}
	session.UpdatedAt = params.Now
	return clone(session), nil
}

func (r *DownloadSessionRepository) ConsumeToken(ctx context.Context, params model.ConsumeTokenParams) (*model.DownloadSession, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := params.Now
	session := r.byTokenHash(params.TokenHash)
	if session == nil ||
		session.Status != model.DownloadStatusTokenIssued ||
		session.TokenUsedAt != nil ||
		session.TokenExpiredAt(now) ||
		session.IsExpiredAt(now) {
		return nil, 0, nil
	}

	session.Status = model.DownloadStatusDelivered
	session.TokenUsedAt = &now
	session.DeliveredAt = &now
	session.UpdatedAt = now

	var closed int64
	if session.CartKey != nil {
		reason := params.SiblingReason
		for _, other := range r.sessions {
			if other.CartKey == nil || *other.CartKey != *session.CartKey || other.ID == session.ID || other.Status.IsTerminal() {
				continue
			}
			other.Status = model.DownloadStatusFailed
			other.FailureReason = &reason
			other.UpdatedAt = now
			closed++
		}
	}
	return clone(session), closed, nil
}

func (r *DownloadSessionRepository) MarkExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, session := range r.sessions {
		if session.Status.IsTerminal() {
			continue
		}
		tokenLapsed := session.Status == model.DownloadStatusTokenIssued && session.TokenExpiredAt(now)
		if session.IsExpiredAt(now) || tokenLapsed {
			session.Status = model.DownloadStatusExpired
			session.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r *DownloadSessionRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, session := range r.sessions {
		if session.Status.IsTerminal() && session.UpdatedAt.Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n, nil
}

// byTokenHash scans for the session holding tokenHash. Callers must hold r.mu.
func (r *DownloadSessionRepository) byTokenHash(tokenHash string) *model.DownloadSession {
	for _, session := range r.sessions {
		if session.TokenHash != nil && *session.TokenHash == tokenHash {
			return session
		}
	}
	return nil
}

func clone(s *model.DownloadSession) *model.DownloadSession {
	out := *s
	out.Items = make(model.Snapshot, len(s.Items))
	copy(out.Items, s.Items)
	return &out
}
