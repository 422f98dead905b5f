// Package storage exposes the read side the content endpoints need
// (stat and ranged reads) over S3-compatible buckets or a local directory.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("object not found")

type ObjectInfo struct {
	Size        int64
	ContentType string
	ModTime     time.Time
}

// ByteRange is inclusive on both ends.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// Backend is implemented by S3 and Local.
type Backend interface {
	StatFile(ctx context.Context, key string) (ObjectInfo, error)
	OpenReadStream(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error)
	DownloadToFile(ctx context.Context, key string, destPath string) error
	UploadFile(ctx context.Context, key string, filePath string, contentType string) error
}

var (
	_ Backend = (*S3)(nil)
	_ Backend = (*Local)(nil)
)

type readCloser struct {
	io.Reader
	closer io.Closer
}

func (r *readCloser) Close() error {
	return r.closer.Close()
}
