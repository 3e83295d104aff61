package cache

import (
	"context"
	"time"
)

// Backend is the storage capability behind a Store: a primary tier holding one
// metadata record per digest and a blob tier for large payloads. A networked
// pair and a local directory both implement it, so the Store never needs to
// know which one it is talking to.
//
// Missing records and blobs are reported as ErrNotFound. Records that exist
// but cannot be decoded are reported as ErrCorruptEntry. Any other error is a
// backend failure. Deletes are idempotent.
type Backend interface {
	GetMetadata(ctx context.Context, digest string) (*Metadata, error)
	PutMetadata(ctx context.Context, md *Metadata) error
	DeleteMetadata(ctx context.Context, digest string) error

	// DeleteMetadataIf removes the record for digest only while it still
	// expires at expiresAt, and reports whether it did. A record whose expiry
	// cannot be read matches expiresAt 0.
	DeleteMetadataIf(ctx context.Context, digest string, expiresAt int64) (bool, error)

	GetBlob(ctx context.Context, ref string) ([]byte, error)
	PutBlob(ctx context.Context, ref string, data []byte, contentType string) error
	DeleteBlob(ctx context.Context, ref string) error

	// ScanExpired walks the whole primary tier and returns every record that
	// expired before now. Records whose expiry cannot be read are returned
	// with ExpiresAt 0 so the sweep removes them.
	ScanExpired(ctx context.Context, now time.Time) ([]Metadata, error)
}
