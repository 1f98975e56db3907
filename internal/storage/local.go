package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// LocalStorage implements ObjectStorage on a directory tree.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a storage rooted at basePath.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to resolve base directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to open base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: %s is not a directory", basePath)
	}
	return &LocalStorage{basePath: abs}, nil
}

// Open opens a file below the base path.
func (l *LocalStorage) Open(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(l.fullPath(objectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(objectPath)
		}
		return nil, readFailed(objectPath, err)
	}
	return f, nil
}

// Download copies a file from local storage.
func (l *LocalStorage) Download(ctx context.Context, objectPath, localPath string) error {
	src, err := l.Open(ctx, objectPath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return readFailed(objectPath, err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return readFailed(objectPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return readFailed(objectPath, err)
	}
	return nil
}

// Exists checks if a file exists in local storage.
func (l *LocalStorage) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(l.fullPath(objectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, readFailed(objectPath, err)
	}
	return true, nil
}

// ListObjects returns all file paths under the given prefix, relative to the
// base path and using forward slashes.
func (l *LocalStorage) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var objects []string
	err := filepath.Walk(l.fullPath(prefix), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			rel, err := filepath.Rel(l.basePath, path)
			if err != nil {
				return err
			}
			objects = append(objects, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, readFailed(prefix, err)
	}

	sort.Strings(objects)
	return objects, nil
}

func (l *LocalStorage) fullPath(objectPath string) string {
	if filepath.IsAbs(objectPath) {
		return objectPath
	}
	return filepath.Join(l.basePath, filepath.FromSlash(objectPath))
}
