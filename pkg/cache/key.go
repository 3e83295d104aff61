package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/Sternrassler/dejafoo/pkg/normalize"
)

// emptyBodyDigest stands in for the body digest of a zero-length body.
const emptyBodyDigest = "empty"

// excludedHeaders never influence the digest.
var excludedHeaders = map[string]struct{}{
	"authorization":     {},
	"x-forwarded-for":   {},
	"x-real-ip":         {},
	"x-forwarded-proto": {},
	"x-forwarded-host":  {},
	"user-agent":        {},
	"accept-encoding":   {},
	"connection":        {},
	"cache-control":     {},
	"pragma":            {},
}

// CacheKey is the fingerprint of one proxied request. Keys are values and are
// never mutated after GenerateKey returns.
type CacheKey struct {
	// Method is the upper-cased request method.
	Method string

	// Path is the canonical request path.
	Path string

	// Headers are the normalized headers that took part in the digest.
	Headers map[string]string

	// BodyDigest is "empty" or the hex SHA-256 of the raw body.
	BodyDigest string

	// Tenant is the lowercased cache namespace, empty when absent.
	Tenant string

	// TTL is the per-request override (0 when absent). It is not hashed.
	TTL time.Duration

	// Digest is the hex SHA-256 fingerprint used as the storage key.
	Digest string
}

// String returns the digest.
func (k CacheKey) String() string {
	return k.Digest
}

// KeyFor fingerprints a raw request record.
func KeyFor(req normalize.Request, tenant string, ttl time.Duration) CacheKey {
	return GenerateKey(req.Method, req.Path, req.Headers, req.Body, tenant, ttl)
}

// GenerateKey derives the fingerprint of a request.
//
// The digest covers, in order: the lowercased tenant (when present), the
// upper-cased method, the canonical path, every non-excluded header as
// name:value sorted by name, and the body digest. Each field but the last is
// terminated by a NUL byte.
func GenerateKey(method, path string, headers map[string]string, body, tenant string, ttl time.Duration) CacheKey {
	key := CacheKey{
		Method:     strings.ToUpper(strings.TrimSpace(method)),
		Path:       normalize.Path(path),
		Headers:    keyHeaders(headers),
		BodyDigest: bodyDigest(body),
		Tenant:     strings.ToLower(tenant),
		TTL:        ttl,
	}
	key.Digest = key.digest()
	return key
}

func (k CacheKey) digest() string {
	h := sha256.New()

	if k.Tenant != "" {
		h.Write([]byte(k.Tenant))
		h.Write([]byte{0})
	}

	h.Write([]byte(k.Method))
	h.Write([]byte{0})

	h.Write([]byte(k.Path))
	h.Write([]byte{0})

	names := make([]string, 0, len(k.Headers))
	for name := range k.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{':'})
		h.Write([]byte(k.Headers[name]))
		h.Write([]byte{0})
	}

	h.Write([]byte(k.BodyDigest))

	return hex.EncodeToString(h.Sum(nil))
}

func keyHeaders(headers map[string]string) map[string]string {
	normalized := normalize.Headers(headers)
	for name := range normalized {
		if _, excluded := excludedHeaders[name]; excluded {
			delete(normalized, name)
		}
	}
	return normalized
}

func bodyDigest(body string) string {
	if body == "" {
		return emptyBodyDigest
	}
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}
