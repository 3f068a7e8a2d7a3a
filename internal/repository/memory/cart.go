package memory

import (
	"context"
	"sync"
	"time"

	"github.com/campuslib/ebook-delivery/internal/model"
	"github.com/campuslib/ebook-delivery/internal/repository"
)

var _ repository.CartRepository = (*CartRepository)(nil)

type CartRepository struct {
	mu    sync.Mutex
	carts map[string][]model.CartEntry
}

func NewCartRepository() *CartRepository {
	return &CartRepository{carts: make(map[string][]model.CartEntry)}
}

func (r *CartRepository) Add(ctx context.Context, params model.AddCartEntryParams) (model.CartAddStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.live(params.SessionKey, params.Now)
	for _, e := range live {
		if e.ItemID == params.ItemID {
			return model.CartAddStatusAlreadyPresent, nil
		}
	}
	if len(live) >= params.MaxItems {
		r.carts[params.SessionKey] = live
		return "", repository.ErrCartFull
	}

	r.carts[params.SessionKey] = append(live, model.CartEntry{
		SessionKey: params.SessionKey,
		ItemID:     params.ItemID,
		AddedAt:    params.Now,
		ExpiresAt:  params.Now.Add(params.TTL),
	})
	return model.CartAddStatusAdded, nil
}

func (r *CartRepository) Remove(ctx context.Context, sessionKey, itemID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.live(sessionKey, now)
	for i, e := range live {
		if e.ItemID == itemID {
			r.carts[sessionKey] = append(live[:i], live[i+1:]...)
			return true, nil
		}
	}
	r.carts[sessionKey] = live
	return false, nil
}

func (r *CartRepository) List(ctx context.Context, sessionKey string, now time.Time) ([]model.CartEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := []model.CartEntry{}
	for _, e := range r.carts[sessionKey] {
		if !e.IsExpiredAt(now) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (r *CartRepository) Clear(ctx context.Context, sessionKey string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := int64(len(r.carts[sessionKey]))
	delete(r.carts, sessionKey)
	return n, nil
}

func (r *CartRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	for key, entries := range r.carts {
		live := r.live(key, now)
		removed += int64(len(entries) - len(live))
		if len(live) == 0 {
			delete(r.carts, key)
		} else {
			r.carts[key] = live
		}
	}
	return removed, nil
}

// live returns the unexpired entries of a cart in insertion order.
// Callers must hold r.mu.
func (r *CartRepository) live(sessionKey string, now time.Time) []model.CartEntry {
	entries := r.carts[sessionKey]
	live := make([]model.CartEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsExpiredAt(now) {
			live = append(live, e)
		}
	}
	return live
}
