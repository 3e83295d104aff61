// Package cache provides request fingerprinting and the tiered TTL store behind
// the dejafoo proxy.
//
// # Keys
//
// GenerateKey derives a SHA-256 digest from the tenant, method, canonical path,
// the non-excluded headers and the body digest. Credentials, hop-by-hop and
// client-identity headers (Authorization, X-Forwarded-*, User-Agent, ...) never
// change the digest.
//
//	key := cache.GenerateKey("GET", "/api/users/", headers, "", "abc", 0)
//	fmt.Println(key) // hex digest
//
// # Store
//
// A Store keeps one metadata record per digest. Serialized responses up to the
// inline threshold (1 MiB by default) are embedded in the record; larger ones
// are written to the blob tier under responses/<digest>/<expires> and the
// record keeps the reference. Callers never see which tier served a hit.
//
//	backend := cache.NewNetworkBackend(redisClient, s3Client, "dejafoo-cache-storage")
//	store := cache.NewStore(backend)
//
//	entry, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch upstream, then
//		err = store.Set(ctx, key, resp, 5*time.Minute)
//	}
//
// For development, NewFileBackend stores the same records as JSON files.
//
// # Expiry
//
// Eviction is TTL only. Get treats a record whose expiry lies in the past as a
// miss and deletes it. CleanupExpired sweeps everything that expired without
// being read again.
//
// # Errors
//
// ErrCacheMiss is a legitimate miss. Storage failures are *BackendError values
// (matching ErrBackend); records that cannot be interpreted match
// ErrCorruptEntry. ParseTTL failures match ErrInvalidTTL.
//
// # Metrics
//
//   - dejafoo_cache_hits_total{tier} - Cache hits by tier
//   - dejafoo_cache_misses_total{reason} - Cache misses (absent, expired)
//   - dejafoo_cache_errors_total{operation} - Cache operation errors
//   - dejafoo_cache_stored_bytes_total{tier} - Serialized bytes written
//   - dejafoo_cache_swept_total - Entries removed by the sweep
//   - dejafoo_sweep_duration_seconds - Sweep duration
package cache
