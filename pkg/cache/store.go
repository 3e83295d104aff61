package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/dejafoo/pkg/normalize"
)

const (
	// DefaultTTL applies when neither the caller nor the key carry a TTL.
	DefaultTTL = time.Hour

	// DefaultInlineThreshold is the largest payload kept inside the metadata record.
	DefaultInlineThreshold = 1 << 20

	// DefaultSweepConcurrency bounds the deletions CleanupExpired runs in parallel.
	DefaultSweepConcurrency = 8
)

// Store is the tiered TTL cache. Small payloads live inline in the metadata
// record; larger ones go to the blob tier and the record keeps a reference.
// A Store is safe for concurrent use.
type Store struct {
	backend          Backend
	now              func() time.Time
	defaultTTL       time.Duration
	inlineThreshold  int
	sweepConcurrency int
	logger           zerolog.Logger

	sweepMu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source used for every expiry decision.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithDefaultTTL sets the TTL used when Set receives none.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithInlineThreshold sets the largest serialized payload stored inline.
// Zero keeps every payload inline.
func WithInlineThreshold(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.inlineThreshold = n
		}
	}
}

// WithSweepConcurrency sets the number of deletion workers used by CleanupExpired.
func WithSweepConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.sweepConcurrency = n
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a store over backend.
func NewStore(backend Backend, opts ...Option) *Store {
	if backend == nil {
		panic("cache backend cannot be nil")
	}
	s := &Store{
		backend:          backend,
		now:              time.Now,
		defaultTTL:       DefaultTTL,
		inlineThreshold:  DefaultInlineThreshold,
		sweepConcurrency: DefaultSweepConcurrency,
		logger:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the live entry for key.
// Returns ErrCacheMiss if no record exists or the record has expired; an
// expired record is removed before returning.
func (s *Store) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	md, err := s.backend.GetMetadata(ctx, key.Digest)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			CacheMisses.WithLabelValues("absent").Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues("get").Inc()
		if errors.Is(err, ErrCorruptEntry) {
			return nil, err
		}
		return nil, backendErr("get", err)
	}

	if md.Expired(s.now()) {
		CacheMisses.WithLabelValues("expired").Inc()
		s.logger.Debug().
			Str("digest", key.Digest).
			Int64("expires_at", md.ExpiresAt).
			Msg("Cache entry expired")
		if _, err := s.removeExpired(ctx, md); err != nil {
			CacheErrors.WithLabelValues("delete").Inc()
			return nil, err
		}
		return nil, ErrCacheMiss
	}

	tier := "inline"
	var payload []byte
	switch {
	case md.BlobRef != "":
		tier = "blob"
		payload, err = s.backend.GetBlob(ctx, md.BlobRef)
		if err != nil {
			CacheErrors.WithLabelValues("get").Inc()
			if errors.Is(err, ErrNotFound) {
				return nil, corruptf("digest %s: blob %s is missing", key.Digest, md.BlobRef)
			}
			return nil, backendErr("get_blob", err)
		}
	case md.Payload != "":
		payload = []byte(md.Payload)
	default:
		CacheErrors.WithLabelValues("get").Inc()
		return nil, corruptf("digest %s: record has no payload", key.Digest)
	}

	var resp normalize.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, corruptf("digest %s: %v", key.Digest, err)
	}

	CacheHits.WithLabelValues(tier).Inc()
	s.logger.Debug().
		Str("digest", key.Digest).
		Str("tier", tier).
		Int64("expires_at", md.ExpiresAt).
		Msg("Cache hit")

	return &CacheEntry{
		Digest:    key.Digest,
		ExpiresAt: time.Unix(md.ExpiresAt, 0),
		CreatedAt: md.CreatedAt,
		BlobRef:   md.BlobRef,
		Payload:   payload,
		Response:  resp,
	}, nil
}

// Set stores resp under key, replacing any previous entry.
// The TTL is ttl when positive, else key.TTL when positive, else the store default.
func (s *Store) Set(ctx context.Context, key CacheKey, resp normalize.Response, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = key.TTL
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return fmt.Errorf("serialize response: %w", err)
	}

	now := s.now()
	md := &Metadata{
		Digest:    key.Digest,
		ExpiresAt: now.Add(ttl).Unix(),
		CreatedAt: now,
	}

	var superseded string
	if prev, err := s.backend.GetMetadata(ctx, key.Digest); err == nil {
		superseded = prev.BlobRef
	}

	tier := "inline"
	if s.inlineThreshold > 0 && len(payload) > s.inlineThreshold {
		tier = "blob"
		md.BlobRef = BlobKey(key.Digest, md.ExpiresAt)
		if err := s.backend.PutBlob(ctx, md.BlobRef, payload, BlobContentType); err != nil {
			CacheErrors.WithLabelValues("set").Inc()
			return backendErr("put_blob", err)
		}
	} else {
		md.Payload = string(payload)
	}

	if err := s.backend.PutMetadata(ctx, md); err != nil {
		CacheErrors.WithLabelValues("set").Inc()
		return backendErr("put_metadata", err)
	}

	if superseded != "" && superseded != md.BlobRef {
		s.deleteBlob(ctx, superseded)
	}

	CacheStoredBytes.WithLabelValues(tier).Add(float64(len(payload)))
	s.logger.Debug().
		Str("digest", key.Digest).
		Str("tier", tier).
		Dur("ttl", ttl).
		Int("bytes", len(payload)).
		Msg("Cache entry stored")

	return nil
}

// Delete removes the entry for key. Deleting a missing entry is not an error.
func (s *Store) Delete(ctx context.Context, key CacheKey) error {
	md, err := s.backend.GetMetadata(ctx, key.Digest)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case errors.Is(err, ErrCorruptEntry):
		md = &Metadata{Digest: key.Digest}
	case err != nil:
		CacheErrors.WithLabelValues("delete").Inc()
		return backendErr("delete", err)
	}

	if err := s.remove(ctx, md); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return err
	}
	return nil
}

// remove deletes a record and, best-effort, its blob.
func (s *Store) remove(ctx context.Context, md *Metadata) error {
	if md.BlobRef != "" {
		s.deleteBlob(ctx, md.BlobRef)
	}
	if err := s.backend.DeleteMetadata(ctx, md.Digest); err != nil {
		return backendErr("delete", err)
	}
	return nil
}

// removeExpired deletes the record read as md unless it has been replaced
// since, then its blob. It reports whether the record was deleted.
func (s *Store) removeExpired(ctx context.Context, md *Metadata) (bool, error) {
	deleted, err := s.backend.DeleteMetadataIf(ctx, md.Digest, md.ExpiresAt)
	if err != nil {
		return false, backendErr("delete", err)
	}
	if deleted && md.BlobRef != "" {
		s.deleteBlob(ctx, md.BlobRef)
	}
	return deleted, nil
}

func (s *Store) deleteBlob(ctx context.Context, ref string) {
	if err := s.backend.DeleteBlob(ctx, ref); err != nil {
		CacheErrors.WithLabelValues("delete_blob").Inc()
		s.logger.Warn().
			Err(err).
			Str("blob_ref", ref).
			Msg("Failed to delete blob")
	}
}
