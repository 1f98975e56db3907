// Package storage reads upsert input files from the local filesystem or S3.
package storage

import (
	"compress/gzip"
	"context"
	"io"
	"strings"

	"github.com/golang/snappy"

	uerrors "github.com/arkilian/bulkupsert/internal/errors"
)

// Common errors for storage operations. Storage errors returned by this
// package match them with errors.Is.
var (
	ErrObjectNotFound = uerrors.New(uerrors.ErrCategoryStorage, uerrors.CodeObjectNotFound, "object not found")
	ErrReadFailed     = uerrors.New(uerrors.ErrCategoryStorage, uerrors.CodeReadFailed, "read failed")
)

// ObjectStorage abstracts where input objects live.
type ObjectStorage interface {
	// Open streams an object. The caller closes the reader.
	Open(ctx context.Context, objectPath string) (io.ReadCloser, error)

	// Download copies an object to a local file.
	Download(ctx context.Context, objectPath, localPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix in
	// lexical order.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

func notFound(objectPath string) error {
	return uerrors.NewStorageError(uerrors.CodeObjectNotFound, "object not found: "+objectPath, nil)
}

func readFailed(objectPath string, err error) error {
	return uerrors.NewStorageError(uerrors.CodeReadFailed, "failed to read "+objectPath, err)
}

// Decode unwraps compressed objects by extension: ".sz" is snappy framed,
// ".gz" is gzip. Anything else is returned as is.
func Decode(objectPath string, rc io.ReadCloser) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(objectPath, ".sz"):
		return &decodedReader{Reader: snappy.NewReader(rc), src: rc}, nil
	case strings.HasSuffix(objectPath, ".gz"):
		zr, err := gzip.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, readFailed(objectPath, err)
		}
		return &decodedReader{Reader: zr, src: rc, dec: zr}, nil
	default:
		return rc, nil
	}
}

type decodedReader struct {
	io.Reader
	src io.Closer
	dec io.Closer
}

func (d *decodedReader) Close() error {
	if d.dec != nil {
		d.dec.Close()
	}
	return d.src.Close()
}
