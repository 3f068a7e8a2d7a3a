package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/campuslib/ebook-delivery/internal/database"
	"github.com/campuslib/ebook-delivery/internal/model"
)

// CartRepository stores session-keyed cart entries
type CartRepository interface {
	// Add inserts an entry unless the session already holds it. Expired
	// entries are replaced and do not count toward MaxItems.
	Add(ctx context.Context, params model.AddCartEntryParams) (model.CartAddStatus, error)
	Remove(ctx context.Context, sessionKey, itemID string, now time.Time) (bool, error)
	List(ctx context.Context, sessionKey string, now time.Time) ([]model.CartEntry, error)
	Clear(ctx context.Context, sessionKey string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type cartRepo struct {
	db *database.DB
}

const cartColumns = `session_key, item_id, added_at, expires_at`

func NewCartRepository(db *database.DB) CartRepository {
	return &cartRepo{db: db}
}

func (r *cartRepo) Add(ctx context.Context, params model.AddCartEntryParams) (model.CartAddStatus, error) {
	var status model.CartAddStatus

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		// Serializes adds per session so the count check holds.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, params.SessionKey); err != nil {
			return fmt.Errorf("lock cart: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM cart_entries
			WHERE session_key = $1 AND item_id = $2 AND expires_at <= $3
		`, params.SessionKey, params.ItemID, params.Now); err != nil {
			return fmt.Errorf("drop expired entry: %w", err)
		}

		var count int
		if err := tx.GetContext(ctx, &count, `
			SELECT COUNT(*) FROM cart_entries
			WHERE session_key = $1 AND expires_at > $2
		`, params.SessionKey, params.Now); err != nil {
			return fmt.Errorf("count cart: %w", err)
		}

		var exists bool
		if err := tx.GetContext(ctx, &exists, `
			SELECT EXISTS (SELECT 1 FROM cart_entries WHERE session_key = $1 AND item_id = $2)
		`, params.SessionKey, params.ItemID); err != nil {
			return fmt.Errorf("check cart entry: %w", err)
		}
		if exists {
			status = model.CartAddStatusAlreadyPresent
			return nil
		}

		if count >= params.MaxItems {
			return ErrCartFull
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cart_entries (session_key, item_id, added_at, expires_at)
			VALUES ($1, $2, $3, $4)
		`, params.SessionKey, params.ItemID, params.Now, params.Now.Add(params.TTL)); err != nil {
			return fmt.Errorf("insert cart entry: %w", err)
		}
		status = model.CartAddStatusAdded
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

func (r *cartRepo) Remove(ctx context.Context, sessionKey, itemID string, now time.Time) (bool, error) {
	n, err := rowsAffected(r.db.ExecContext(ctx, `
		DELETE FROM cart_entries
		WHERE session_key = $1 AND item_id = $2 AND expires_at > $3
	`, sessionKey, itemID, now))
	return n > 0, err
}

func (r *cartRepo) List(ctx context.Context, sessionKey string, now time.Time) ([]model.CartEntry, error) {
	entries := []model.CartEntry{}
	err := r.db.SelectContext(ctx, &entries, `
		SELECT `+cartColumns+` FROM cart_entries
		WHERE session_key = $1 AND expires_at > $2
		ORDER BY id
	`, sessionKey, now)
	return entries, err
}

func (r *cartRepo) Clear(ctx context.Context, sessionKey string) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, `
		DELETE FROM cart_entries WHERE session_key = $1
	`, sessionKey))
}

func (r *cartRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return rowsAffected(r.db.ExecContext(ctx, `
		DELETE FROM cart_entries WHERE expires_at <= $1
	`, now))
}
