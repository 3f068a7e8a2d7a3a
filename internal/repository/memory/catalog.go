// Package memory provides in-process implementations of the repository
// interfaces. They back STORAGE_DRIVER=memory and the service tests.
package memory

import (
	"context"
	"sync"

	"github.com/campuslib/ebook-delivery/internal/model"
	"github.com/campuslib/ebook-delivery/internal/repository"
)

var _ repository.CatalogRepository = (*CatalogRepository)(nil)

type CatalogRepository struct {
	mu    sync.RWMutex
	items map[string]model.CatalogItem
}

func NewCatalogRepository(items ...model.CatalogItem) *CatalogRepository {
	r := &CatalogRepository{items: make(map[string]model.CatalogItem)}
	for _, item := range items {
		r.items[item.ID] = item
	}
	return r
}

func (r *CatalogRepository) FindByID(ctx context.Context, id string) (*model.CatalogItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[id]
	if !ok {
		return nil, nil
	}
	return &item, nil
}

func (r *CatalogRepository) FindByIDs(ctx context.Context, ids []string) ([]model.CatalogItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]model.CatalogItem, 0, len(ids))
	for _, id := range ids {
		if item, ok := r.items[id]; ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func (r *CatalogRepository) Upsert(ctx context.Context, item model.CatalogItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[item.ID] = item
	return nil
}
