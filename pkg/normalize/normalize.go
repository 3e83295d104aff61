// Package normalize canonicalizes proxied requests and upstream responses so that
// equivalent traffic hashes and stores identically.
package normalize

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"
)

// Request is the plain request record exchanged with the network entry points.
type Request struct {
	Method  string            `json:"httpMethod"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Response is the plain response record exchanged with the upstream collaborator.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// sensitiveHeaders are removed by StripSensitiveHeaders.
var sensitiveHeaders = []string{
	"authorization",
	"cookie",
	"set-cookie",
	"x-api-key",
	"x-auth-token",
	"x-access-token",
	"x-csrf-token",
	"x-session-id",
	"x-user-id",
	"x-request-id",
	"x-correlation-id",
}

// NormalizeRequest returns the canonical form of req used for keying. The
// input is not modified.
func NormalizeRequest(req Request) Request {
	return Request{
		Method:  strings.ToUpper(strings.TrimSpace(req.Method)),
		Path:    Path(req.Path),
		Headers: Headers(req.Headers),
		Body:    Body(req.Body),
	}
}

// ForwardRequest returns req as it is sent to the origin: the method, path and
// body are canonical and header names are lowercased, but header values are
// only trimmed so credentials and other case-sensitive values survive.
func ForwardRequest(req Request) Request {
	headers := make(map[string]string, len(req.Headers))
	for name, value := range req.Headers {
		headers[HeaderName(name)] = strings.TrimSpace(value)
	}
	return Request{
		Method:  strings.ToUpper(strings.TrimSpace(req.Method)),
		Path:    Path(req.Path),
		Headers: headers,
		Body:    Body(req.Body),
	}
}

// NormalizeResponse returns the canonical form of resp. Header values keep their
// case because response headers such as ETag and Location are case sensitive.
func NormalizeResponse(resp Response) Response {
	headers := make(map[string]string, len(resp.Headers))
	for name, value := range resp.Headers {
		headers[HeaderName(name)] = strings.TrimSpace(value)
	}
	return Response{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       Body(resp.Body),
	}
}

// HeaderName lowercases and trims a header name.
func HeaderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// HeaderValue trims and lowercases a request header value.
func HeaderValue(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// Headers lowercases every name and trims and lowercases every value.
//
// Names that only differ in case collapse into one entry and the value visited
// last wins. Map iteration order is unspecified, so callers that need a stable
// result must not send case-variant duplicates.
func Headers(headers map[string]string) map[string]string {
	normalized := make(map[string]string, len(headers))
	for name, value := range headers {
		normalized[HeaderName(name)] = HeaderValue(value)
	}
	return normalized
}

// Path strips the query string and fragment, drops a trailing slash unless the
// path is the root, and forces a leading slash. Path is idempotent.
func Path(path string) string {
	p := strings.TrimSpace(path)
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if i := strings.IndexByte(p, '#'); i >= 0 {
		p = p[:i]
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Body canonicalizes a JSON body: null members are dropped, member names are
// sorted and string whitespace is collapsed. Anything that is not a single JSON
// document is returned unchanged.
func Body(body string) string {
	if body == "" {
		return body
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return body
	}
	// Trailing data means the body is not one JSON document.
	if _, err := dec.Token(); err != io.EOF {
		return body
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonicalValue(value)); err != nil {
		return body
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// canonicalValue walks a decoded JSON value. encoding/json emits map keys in
// sorted order, so sorting is handled at encode time.
func canonicalValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, member := range val {
			if member == nil {
				continue
			}
			out[k] = canonicalValue(member)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = canonicalValue(item)
		}
		return out
	case string:
		return String(val)
	default:
		return val
	}
}

// String trims s and collapses every internal whitespace run, line breaks
// included, to a single space.
func String(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// StripSensitiveHeaders removes credentials, cookies and per-user identifiers
// from a normalized header map in place.
func StripSensitiveHeaders(headers map[string]string) {
	for _, name := range sensitiveHeaders {
		delete(headers, name)
	}
}

// AddCacheHeaders marks a response as served from cache.
func AddCacheHeaders(headers map[string]string, ttlSeconds int64) {
	ttl := strconv.FormatInt(ttlSeconds, 10)
	headers["cache-control"] = "public, max-age=" + ttl
	headers["x-cache"] = "HIT"
	headers["x-cache-ttl"] = ttl
}
