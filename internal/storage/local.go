package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var _ Backend = (*LocalStorage)(nil)

// LocalStorage serves files below a root directory.
type LocalStorage struct {
	root string
}

func NewLocalStorage(root string) (*LocalStorage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	return &LocalStorage{root: abs}, nil
}

func (s *LocalStorage) Stat(ctx context.Context, key string) (*Object, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, classifyFSError(err, key)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotFound, key)
	}
	return &Object{Key: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (s *LocalStorage) Open(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, classifyFSError(err, key)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: seek %s: %v", ErrTransient, key, err)
		}
	}
	if length < 0 {
		return f, nil
	}
	return &limitedFile{Reader: io.LimitReader(f, length), file: f}, nil
}

// resolve maps key to a path under root, rejecting traversal.
func (s *LocalStorage) resolve(key string) (string, error) {
	key = strings.TrimPrefix(key, "file://")
	if key == "" {
		return "", ErrInvalidKey
	}

	path := filepath.Join(s.root, filepath.FromSlash(strings.TrimPrefix(key, "/")))
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	return path, nil
}

func classifyFSError(err error, key string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("%w: %s: %v", ErrTransient, key, err)
}

type limitedFile struct {
	io.Reader
	file *os.File
}

func (l *limitedFile) Close() error {
	return l.file.Close()
}
