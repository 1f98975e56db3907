package storage

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/arkilian/bulkupsert/internal/config"
	uerrors "github.com/arkilian/bulkupsert/internal/errors"
)

// Location is a parsed input address: "s3://bucket/key", "s3://bucket/prefix/",
// a local file, or a local directory.
type Location struct {
	Scheme string
	Bucket string
	Path   string
}

// ParseLocation parses an input address.
func ParseLocation(uri string) (Location, error) {
	if uri == "" {
		return Location{}, uerrors.NewValidationError(uerrors.CodeInvalidInput, "input location is empty")
	}
	if rest, ok := strings.CutPrefix(uri, "s3://"); ok {
		bucket, key, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Location{}, uerrors.NewValidationError(uerrors.CodeInvalidInput, "missing bucket in "+uri)
		}
		return Location{Scheme: "s3", Bucket: bucket, Path: key}, nil
	}
	return Location{Scheme: "file", Path: uri}, nil
}

// IsPrefix reports whether the location names a group of objects.
func (l Location) IsPrefix() bool {
	if l.Scheme == "s3" {
		return l.Path == "" || strings.HasSuffix(l.Path, "/")
	}
	info, err := os.Stat(l.Path)
	return err == nil && info.IsDir()
}

// ForLocation returns the storage that serves loc.
func ForLocation(ctx context.Context, loc Location, cfg config.StorageConfig) (ObjectStorage, error) {
	if loc.Scheme == "s3" {
		return NewS3Storage(ctx, loc.Bucket, S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
	}
	return NewLocalStorage(cfg.Path)
}

// OpenInput opens the object or group of objects at loc on st. Groups are
// fetched through d and read in lexical order.
func OpenInput(ctx context.Context, st ObjectStorage, loc Location, d *BatchDownloader) (io.ReadCloser, error) {
	if !loc.IsPrefix() {
		rc, err := st.Open(ctx, loc.Path)
		if err != nil {
			return nil, err
		}
		return Decode(loc.Path, rc)
	}

	objects, err := st.ListObjects(ctx, loc.Path)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, notFound(loc.Path)
	}
	if d == nil {
		d = NewBatchDownloader(st, 0, "")
	}
	return d.OpenAll(ctx, objects)
}
