package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/campuslib/ebook-delivery/internal/database"
	"github.com/campuslib/ebook-delivery/internal/model"
)

// ChallengeRepository stores OTP challenges
type ChallengeRepository interface {
	// Supersede enforces the throttle, deletes unused challenges for the
	// tuple and inserts the fresh one in a single atomic step.
	Supersede(ctx context.Context, params model.CreateChallengeParams) (*model.OTPChallenge, error)
	// ConsumeMatching marks a matching, unused, unexpired challenge used and
	// returns it. Returns nil when nothing matched.
	ConsumeMatching(ctx context.Context, key model.ChallengeKey, code string, now time.Time) (*model.OTPChallenge, error)
	FindLatest(ctx context.Context, key model.ChallengeKey) (*model.OTPChallenge, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type challengeRepo struct {
	db *database.DB
}

func NewChallengeRepository(db *database.DB) ChallengeRepository {
	return &challengeRepo{db: db}
}

func (r *challengeRepo) Supersede(ctx context.Context, params model.CreateChallengeParams) (*model.OTPChallenge, error) {
	var challenge model.OTPChallenge

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			SELECT pg_advisory_xact_lock(hashtext($1::text || '|' || $2::text || '|' || $3::text))
		`, params.Recipient, params.Purpose, params.ReferenceID); err != nil {
			return fmt.Errorf("lock challenge tuple: %w", err)
		}

		var lastCreated time.Time
		err := tx.GetContext(ctx, &lastCreated, `
			SELECT created_at FROM otp_challenges
			WHERE recipient = $1 AND purpose = $2 AND reference_id = $3
			ORDER BY created_at DESC
			LIMIT 1
		`, params.Recipient, params.Purpose, params.ReferenceID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("find latest challenge: %w", err)
		default:
			if next := lastCreated.Add(params.Throttle); params.Now.Before(next) {
				return &ThrottledError{RetryAfter: next.Sub(params.Now)}
			}
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM otp_challenges
			WHERE recipient = $1 AND purpose = $2 AND reference_id = $3 AND is_used = false
		`, params.Recipient, params.Purpose, params.ReferenceID); err != nil {
			return fmt.Errorf("delete stale challenges: %w", err)
		}

		return tx.GetContext(ctx, &challenge, `
			INSERT INTO otp_challenges (id, recipient, code, purpose, reference_id, is_used, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, false, $6, $7)
			RETURNING *
		`, uuid.NewString(), params.Recipient, params.Code, params.Purpose, params.ReferenceID,
			params.ExpiresAt, params.Now)
	})
	if err != nil {
		return nil, err
	}
	return &challenge, nil
}

func (r *challengeRepo) ConsumeMatching(ctx context.Context, key model.ChallengeKey, code string, now time.Time) (*model.OTPChallenge, error) {
	var challenge model.OTPChallenge
	err := r.db.GetContext(ctx, &challenge, `
		UPDATE otp_challenges
		SET is_used = true
		WHERE recipient = $1 AND purpose = $2 AND reference_id = $3
		  AND code = $4 AND is_used = false AND expires_at > $5
		RETURNING *
	`, key.Recipient, key.Purpose, key.ReferenceID, code, now)
	return HandleNotFound(&challenge, err)
}

func (r *challengeRepo) FindLatest(ctx context.Context, key model.ChallengeKey) (*model.OTPChallenge, error) {
	var challenge model.OTPChallenge
	err := r.db.GetContext(ctx, &challenge, `
		SELECT * FROM otp_challenges
		WHERE recipient = $1 AND purpose = $2 AND reference_id = $3
		ORDER BY created_at DESC
		LIMIT 1
	`, key.Recipient, key.Purpose, key.ReferenceID)
	return HandleNotFound(&challenge, err)
}

func (r *challengeRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM otp_challenges WHERE id = $1`, id)
	return err
}

func (r *challengeRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, `
		DELETE FROM otp_challenges WHERE expires_at <= $1
	`, now))
}
