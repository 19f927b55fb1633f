package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// Archiver moves retained records from the database to cold storage.
type Archiver interface {
	ArchiveOrders(ctx context.Context, before time.Time) (int64, error)
	ArchiveSettlements(ctx context.Context, before time.Time) (int64, error)
}

// BlobReader fetches objects. Get returns ErrNotFound for missing paths.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}
