package cache

import (
	"fmt"
	"time"

	"github.com/Sternrassler/dejafoo/pkg/normalize"
)

// BlobContentType tags every payload written to the blob tier.
const BlobContentType = "application/json"

// Metadata is the record kept in the primary tier for one digest. Exactly one
// of Payload and BlobRef is set on a well-formed record.
type Metadata struct {
	// Digest is the CacheKey digest the record belongs to.
	Digest string

	// ExpiresAt is the absolute expiry in epoch seconds.
	ExpiresAt int64

	// CreatedAt is when the record was written.
	CreatedAt time.Time

	// Payload is the serialized response for inline records.
	Payload string

	// BlobRef is the blob-tier key for large records.
	BlobRef string
}

// Expired reports whether the record's expiry lies before now.
func (m *Metadata) Expired(now time.Time) bool {
	return m.ExpiresAt < now.Unix()
}

// CacheEntry is a resolved cache hit.
type CacheEntry struct {
	// Digest is the CacheKey digest.
	Digest string

	// ExpiresAt is when the entry stops being served.
	ExpiresAt time.Time

	// CreatedAt is when the entry was stored.
	CreatedAt time.Time

	// BlobRef is set when the payload came from the blob tier.
	BlobRef string

	// Payload is the serialized response exactly as stored.
	Payload []byte

	// Response is the decoded payload.
	Response normalize.Response
}

// IsExpired returns true if the entry has expired at now.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return e.ExpiresAt.Before(now)
}

// TTL returns the time left until expiry at now.
// Returns 0 if already expired.
func (e *CacheEntry) TTL(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// BlobKey returns the blob-tier key for a digest and its expiry:
// responses/<digest>/<expires-epoch-seconds>.
func BlobKey(digest string, expiresAt int64) string {
	return fmt.Sprintf("responses/%s/%d", digest, expiresAt)
}
