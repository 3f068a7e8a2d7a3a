package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/campuslib/ebook-delivery/internal/model"
)

// CatalogRepository is the read side of the book catalog
type CatalogRepository interface {
	FindByID(ctx context.Context, id string) (*model.CatalogItem, error)
	FindByIDs(ctx context.Context, ids []string) ([]model.CatalogItem, error)
	Upsert(ctx context.Context, item model.CatalogItem) error
}

type catalogRepo struct {
	db *sqlx.DB
}

const catalogColumns = `id, title, author, file_ref`

func NewCatalogRepository(db *sqlx.DB) CatalogRepository {
	return &catalogRepo{db: db}
}

func (r *catalogRepo) FindByID(ctx context.Context, id string) (*model.CatalogItem, error) {
	var item model.CatalogItem
	err := r.db.GetContext(ctx, &item, `
		SELECT `+catalogColumns+` FROM catalog_items WHERE id = $1
	`, id)
	return HandleNotFound(&item, err)
}

func (r *catalogRepo) FindByIDs(ctx context.Context, ids []string) ([]model.CatalogItem, error) {
	var items []model.CatalogItem
	err := r.db.SelectContext(ctx, &items, `
		SELECT `+catalogColumns+` FROM catalog_items WHERE id = ANY($1)
	`, pq.Array(ids))
	return items, err
}

// Upsert inserts or replaces a catalog row; used for seeding.
func (r *catalogRepo) Upsert(ctx context.Context, item model.CatalogItem) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO catalog_items (id, title, author, file_ref)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, author = EXCLUDED.author, file_ref = EXCLUDED.file_ref
	`, item.ID, item.Title, item.Author, item.FileRef)
	return err
}
