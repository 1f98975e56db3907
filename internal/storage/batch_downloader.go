package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchDownloader fetches many input objects in parallel so that a prefix of
// objects can be loaded as one input.
type BatchDownloader struct {
	storage     ObjectStorage
	concurrency int
	cacheDir    string
}

// BatchResult contains the outcome of a batch download operation.
type BatchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
	CacheHits  int
	Downloads  int
}

// NewBatchDownloader creates a new batch downloader.
// cacheDir keeps downloaded files between calls; empty downloads into a
// temporary directory per call.
func NewBatchDownloader(storage ObjectStorage, concurrency int, cacheDir string) *BatchDownloader {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &BatchDownloader{
		storage:     storage,
		concurrency: concurrency,
		cacheDir:    cacheDir,
	}
}

// Download downloads objects into dir in parallel. Objects already present
// in dir are not downloaded again.
func (b *BatchDownloader) Download(ctx context.Context, objectPaths []string, dir string) *BatchResult {
	result := &BatchResult{
		LocalPaths: make(map[string]string),
		Errors:     make(map[string]error),
	}

	var downloadQueue []string
	for _, p := range objectPaths {
		local := localPath(dir, p)
		if _, err := os.Stat(local); err == nil {
			result.LocalPaths[p] = local
			result.CacheHits++
			continue
		}
		downloadQueue = append(downloadQueue, p)
	}

	sem := semaphore.NewWeighted(int64(b.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range downloadQueue {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[p] = err
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(path string) {
			defer sem.Release(1)
			defer wg.Done()

			local := localPath(dir, path)
			tmp := local + ".part"
			err := b.storage.Download(ctx, path, tmp)
			if err == nil {
				err = os.Rename(tmp, local)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				os.Remove(tmp)
				result.Errors[path] = err
				return
			}
			result.LocalPaths[path] = local
			result.Downloads++
		}(p)
	}

	wg.Wait()
	return result
}

// OpenAll downloads objectPaths and returns one reader over their decoded
// contents in the given order, separated by newlines. The first failed
// object in that order fails the whole call.
func (b *BatchDownloader) OpenAll(ctx context.Context, objectPaths []string) (io.ReadCloser, error) {
	dir := b.cacheDir
	var cleanup func()
	if dir == "" {
		tmp, err := os.MkdirTemp("", "bulkupsert-input-")
		if err != nil {
			return nil, readFailed("input", err)
		}
		dir = tmp
		cleanup = func() { os.RemoveAll(tmp) }
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, readFailed(dir, err)
	}

	res := b.Download(ctx, objectPaths, dir)
	for _, p := range objectPaths {
		if err := res.Errors[p]; err != nil {
			if cleanup != nil {
				cleanup()
			}
			return nil, err
		}
	}

	c := &concatReader{cleanup: cleanup}
	readers := make([]io.Reader, 0, 2*len(objectPaths))
	for _, p := range objectPaths {
		f, err := os.Open(res.LocalPaths[p])
		if err != nil {
			c.Close()
			return nil, readFailed(p, err)
		}
		rc, err := Decode(p, f)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.closers = append(c.closers, rc)
		readers = append(readers, rc, strings.NewReader("\n"))
	}
	c.Reader = io.MultiReader(readers...)
	return c, nil
}

type concatReader struct {
	io.Reader
	closers []io.Closer
	cleanup func()
}

func (c *concatReader) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && first == nil {
			first = err
		}
	}
	if c.cleanup != nil {
		c.cleanup()
	}
	return first
}

// localPath maps an object path to a flat file name inside dir.
func localPath(dir, objectPath string) string {
	name := strings.ReplaceAll(strings.Trim(filepath.ToSlash(objectPath), "/"), "/", "__")
	return filepath.Join(dir, name)
}
