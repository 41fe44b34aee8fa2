package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object. Recordings and archives are listed
// by path prefix.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobWriter uploads recordings and attempt archives. PutMultipart is for
// bodies above a few MiB.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader reads recordings back for replay.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies terminal execution attempts older than before from the
// database to cold storage and returns how many it wrote.
type Archiver interface {
	ArchiveAttempts(ctx context.Context, before time.Time) (int64, error)
}
