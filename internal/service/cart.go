package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/campuslib/ebook-delivery/internal/errors"
	"github.com/campuslib/ebook-delivery/internal/model"
	"github.com/campuslib/ebook-delivery/internal/repository"
)

// CartService manages the per-visitor selection of books.
type CartService struct {
	carts    repository.CartRepository
	catalog  repository.CatalogRepository
	maxItems int
	ttl      time.Duration
	clock    Clock
}

func NewCartService(
	carts repository.CartRepository,
	catalog repository.CatalogRepository,
	maxItems int,
	ttl time.Duration,
	clock Clock,
) *CartService {
	return &CartService{carts: carts, catalog: catalog, maxItems: maxItems, ttl: ttl, clock: clock}
}

func (s *CartService) MaxItems() int {
	return s.maxItems
}

func (s *CartService) Add(ctx context.Context, sessionKey, itemID string) (model.CartAddStatus, error) {
	sessionKey, itemID = strings.TrimSpace(sessionKey), strings.TrimSpace(itemID)
	if err := requireCartArgs(sessionKey, itemID); err != nil {
		return "", err
	}

	item, err := s.catalog.FindByID(ctx, itemID)
	if err != nil {
		return "", apperrors.Database(err)
	}
	if item == nil {
		return "", apperrors.ItemUnavailable(itemID, "not_in_catalog")
	}

	status, err := s.carts.Add(ctx, model.AddCartEntryParams{
		SessionKey: sessionKey,
		ItemID:     itemID,
		MaxItems:   s.maxItems,
		Now:        s.clock.now(),
		TTL:        s.ttl,
	})
	if errors.Is(err, repository.ErrCartFull) {
		return "", apperrors.CartFull(s.maxItems)
	}
	if err != nil {
		return "", apperrors.Database(err)
	}

	log.Debug().
		Str("sessionKey", sessionKey).
		Str("itemId", itemID).
		Str("status", string(status)).
		Msg("cart add")
	return status, nil
}

func (s *CartService) Remove(ctx context.Context, sessionKey, itemID string) error {
	sessionKey, itemID = strings.TrimSpace(sessionKey), strings.TrimSpace(itemID)
	if err := requireCartArgs(sessionKey, itemID); err != nil {
		return err
	}

	removed, err := s.carts.Remove(ctx, sessionKey, itemID, s.clock.now())
	if err != nil {
		return apperrors.Database(err)
	}
	if !removed {
		return apperrors.NotFound("Cart entry")
	}
	return nil
}

// List returns live entries in insertion order.
func (s *CartService) List(ctx context.Context, sessionKey string) ([]model.CartEntry, error) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return nil, apperrors.MissingRequired("sessionKey")
	}

	entries, err := s.carts.List(ctx, sessionKey, s.clock.now())
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return entries, nil
}

func (s *CartService) Clear(ctx context.Context, sessionKey string) error {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return apperrors.MissingRequired("sessionKey")
	}

	if _, err := s.carts.Clear(ctx, sessionKey); err != nil {
		return apperrors.Database(err)
	}
	return nil
}

func (s *CartService) SweepExpired(ctx context.Context) (int64, error) {
	return s.carts.DeleteExpired(ctx, s.clock.now())
}

func requireCartArgs(sessionKey, itemID string) error {
	if sessionKey == "" {
		return apperrors.MissingRequired("sessionKey")
	}
	if itemID == "" {
		return apperrors.MissingRequired("itemId")
	}
	return nil
}
