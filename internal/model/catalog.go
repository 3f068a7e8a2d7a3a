package model

// CatalogItem is the read-only view of a book the pipeline needs
type CatalogItem struct {
	ID      string `db:"id" json:"id"`
	Title   string `db:"title" json:"title"`
	Author  string `db:"author" json:"author"`
	FileRef string `db:"file_ref" json:"-"`
}
