package repository

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/campuslib/ebook-delivery/internal/model"
)

type catalogSeedFile struct {
	Items []struct {
		ID     string `yaml:"id"`
		Title  string `yaml:"title"`
		Author string `yaml:"author"`
		File   string `yaml:"file"`
	} `yaml:"items"`
}

// LoadCatalogSeed reads catalog rows from a YAML file:
//
//	items:
//	  - id: la-101
//	    title: Linear Algebra
//	    author: G. Strang
//	    file: books/linear-algebra.pdf
func LoadCatalogSeed(path string) ([]model.CatalogItem, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog seed: %w", err)
	}

	var f catalogSeedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog seed: %w", err)
	}

	seen := make(map[string]bool, len(f.Items))
	items := make([]model.CatalogItem, 0, len(f.Items))
	for i, it := range f.Items {
		id := strings.TrimSpace(it.ID)
		if id == "" || strings.TrimSpace(it.File) == "" {
			return nil, fmt.Errorf("catalog seed item %d: id and file are required", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("catalog seed item %d: duplicate id %q", i, id)
		}
		seen[id] = true
		items = append(items, model.CatalogItem{ID: id, Title: it.Title, Author: it.Author, FileRef: it.File})
	}
	return items, nil
}

// SeedCatalog upserts items into repo.
func SeedCatalog(ctx context.Context, repo CatalogRepository, items []model.CatalogItem) error {
	for _, item := range items {
		if err := repo.Upsert(ctx, item); err != nil {
			return fmt.Errorf("seed catalog item %s: %w", item.ID, err)
		}
	}
	return nil
}
