package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Router dispatches catalog file references to a backend by scheme.
//
//	books/a.pdf              local media root
//	file://books/a.pdf       local media root
//	s3://bucket/books/a.pdf  S3, bucket must match the configured one
//	http(s)://...            ErrExternalReference
type Router struct {
	local *LocalStorage
	s3    *S3Storage
}

func NewRouter(local *LocalStorage, s3 *S3Storage) *Router {
	return &Router{local: local, s3: s3}
}

func (r *Router) Stat(ctx context.Context, ref string) (*Object, error) {
	backend, key, err := r.route(ref)
	if err != nil {
		return nil, err
	}
	return backend.Stat(ctx, key)
}

func (r *Router) Open(ctx context.Context, ref string, offset, length int64) (io.ReadCloser, error) {
	backend, key, err := r.route(ref)
	if err != nil {
		return nil, err
	}
	return backend.Open(ctx, key, offset, length)
}

func (r *Router) route(ref string) (Backend, string, error) {
	lower := strings.ToLower(ref)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return nil, "", fmt.Errorf("%w: %s", ErrExternalReference, ref)

	case strings.HasPrefix(lower, "s3://"):
		if r.s3 == nil {
			return nil, "", fmt.Errorf("%w: s3 storage not configured for %s", ErrNotFound, ref)
		}
		u, err := url.Parse(ref)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %s", ErrInvalidKey, ref)
		}
		if u.Host != r.s3.Bucket() {
			return nil, "", fmt.Errorf("%w: unknown bucket %q", ErrNotFound, u.Host)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if key == "" {
			return nil, "", fmt.Errorf("%w: %s", ErrInvalidKey, ref)
		}
		return r.s3, key, nil

	default:
		if r.local == nil {
			return nil, "", fmt.Errorf("%w: local storage not configured for %s", ErrNotFound, ref)
		}
		return r.local, ref, nil
	}
}
