// Package storage reads catalog files from the local media root or from S3.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound          = errors.New("storage: object not found")
	ErrExternalReference = errors.New("storage: external reference")
	ErrInvalidKey        = errors.New("storage: invalid key")
	ErrTransient         = errors.New("storage: transient failure")
)

// Object describes a stored file.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend reads objects by key. Open returns length bytes starting at offset;
// a negative length reads to the end of the object.
type Backend interface {
	Stat(ctx context.Context, key string) (*Object, error)
	Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
}

// IsTransient reports whether a retry may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
