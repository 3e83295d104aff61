package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/dejafoo/internal/testutil"
	"github.com/Sternrassler/dejafoo/pkg/cache"
	"github.com/Sternrassler/dejafoo/pkg/policy"
	"github.com/Sternrassler/dejafoo/pkg/upstream"
)

func newTestHandler(t *testing.T, mock *testutil.MockUpstream) *Handler {
	t.Helper()

	cfg := upstream.DefaultConfig(mock.URL())
	cfg.Timeout = 2 * time.Second
	cfg.Retry = fastRetry
	fetcher, err := upstream.New(cfg)
	require.NoError(t, err)

	svc := NewService(newTestStore(t), policy.Default(), fetcher,
		WithClock(fixedClock), WithLogger(zerolog.Nop()))
	return NewHandler(svc, zerolog.Nop())
}

func serve(h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	if host, ok := headers["Host"]; ok {
		req.Host = host
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_MissThenHit(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/api/users", testutil.NewJSONResponse(`{"users": ["ada", "grace"], "next": null}`))
	h := newTestHandler(t, mock)

	first := serve(h, http.MethodGet, "/api/users", "", nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get(HeaderCache))
	assert.Equal(t, `{"users":["ada","grace"]}`, first.Body.String(), "body is canonicalized")
	key := first.Header().Get(HeaderCacheKey)
	assert.Len(t, key, 64)
	assert.Equal(t, "authorization", first.Header().Get("Vary"))

	second := serve(h, http.MethodGet, "/api/users", "", nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get(HeaderCache))
	assert.Equal(t, key, second.Header().Get(HeaderCacheKey))
	assert.Equal(t, "300", second.Header().Get("X-Cache-Ttl"))
	assert.Equal(t, "public, max-age=300", second.Header().Get("Cache-Control"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Equal(t, first.Body.String(), second.Body.String())

	assert.Equal(t, 1, mock.RequestCount())
}

func TestHandler_HitDoesNotReplayCookies(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/api/account", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"plan":"pro"}`,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"Set-Cookie":   "session=alice-secret",
		},
	})
	h := newTestHandler(t, mock)

	alice := serve(h, http.MethodGet, "/api/account", "", map[string]string{"Authorization": "Bearer Alice-Token"})
	require.Equal(t, http.StatusOK, alice.Code)
	assert.Equal(t, "MISS", alice.Header().Get(HeaderCache))
	assert.Equal(t, "session=alice-secret", alice.Header().Get("Set-Cookie"))

	req, ok := mock.LastRequest()
	require.True(t, ok)
	assert.Equal(t, "Bearer Alice-Token", req.Header.Get("Authorization"))

	bob := serve(h, http.MethodGet, "/api/account", "", map[string]string{"Authorization": "Bearer Bob-Token"})
	require.Equal(t, http.StatusOK, bob.Code)
	assert.Equal(t, "HIT", bob.Header().Get(HeaderCache))
	assert.Empty(t, bob.Header().Get("Set-Cookie"))
	assert.Equal(t, `{"plan":"pro"}`, bob.Body.String())
	assert.Equal(t, 1, mock.RequestCount())
}

func TestHandler_TTLOverride(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	h := newTestHandler(t, mock)

	first := serve(h, http.MethodGet, "/x?ttl=30m", "", nil)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "MISS", first.Header().Get(HeaderCache))

	second := serve(h, http.MethodGet, "/x?ttl=30m", "", nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get(HeaderCache))
	assert.Equal(t, "1800", second.Header().Get("X-Cache-Ttl"))

	req, ok := mock.LastRequest()
	require.True(t, ok)
	assert.Equal(t, "/x", req.Path)
	assert.Empty(t, req.Query, "the ttl parameter is not forwarded")
}

func TestHandler_InvalidTTL(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	h := newTestHandler(t, mock)

	for _, ttl := range []string{"abc", "0", "-5s", "10w", "366d"} {
		t.Run(ttl, func(t *testing.T) {
			rec := serve(h, http.MethodGet, "/x?ttl="+ttl, "", nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Equal(t, 0, mock.RequestCount())
}

func TestHandler_PostIsNormalizedAndBypassed(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/api/users", testutil.MockResponse{StatusCode: http.StatusCreated, Body: `{"id":7}`})
	h := newTestHandler(t, mock)

	headers := map[string]string{"Content-Type": "application/json"}
	for i := 0; i < 2; i++ {
		rec := serve(h, http.MethodPost, "/api/users", `{"a":1,"b":null}`, headers)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "BYPASS", rec.Header().Get(HeaderCache))
	}

	req, ok := mock.LastRequest()
	require.True(t, ok)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, `{"a":1}`, req.Body)
	assert.Equal(t, 2, mock.RequestCount())
}

func TestHandler_KeyHeaders(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	h := newTestHandler(t, mock)

	base := serve(h, http.MethodGet, "/api/users", "", map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer t",
	})
	otherToken := serve(h, http.MethodGet, "/api/users", "", map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer someone-else",
	})
	otherType := serve(h, http.MethodGet, "/api/users", "", map[string]string{
		"Content-Type":  "text/plain",
		"Authorization": "Bearer t",
	})

	assert.Equal(t, base.Header().Get(HeaderCacheKey), otherToken.Header().Get(HeaderCacheKey),
		"authorization is excluded from the key")
	assert.Equal(t, "HIT", otherToken.Header().Get(HeaderCache))
	assert.NotEqual(t, base.Header().Get(HeaderCacheKey), otherType.Header().Get(HeaderCacheKey),
		"content-type is part of the key")
	assert.Equal(t, 2, mock.RequestCount())
}

func TestHandler_Tenants(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	h := newTestHandler(t, mock)

	a := serve(h, http.MethodGet, "/api/users", "", map[string]string{"Host": "acme.dejafoo.io"})
	b := serve(h, http.MethodGet, "/api/users", "", map[string]string{"Host": "globex.dejafoo.io"})
	again := serve(h, http.MethodGet, "/api/users", "", map[string]string{"Host": "acme.dejafoo.io"})

	assert.NotEqual(t, a.Header().Get(HeaderCacheKey), b.Header().Get(HeaderCacheKey))
	assert.Equal(t, "MISS", b.Header().Get(HeaderCache))
	assert.Equal(t, "HIT", again.Header().Get(HeaderCache))
	assert.Equal(t, 2, mock.RequestCount())
}

func TestHandler_UpstreamFailure(t *testing.T) {
	mock := testutil.NewMockUpstream()
	h := newTestHandler(t, mock)
	mock.Close()

	rec := serve(h, http.MethodGet, "/api/users", "", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, rec.Header().Get(HeaderCache))
}

func TestHandler_UpstreamServerErrorIsPassedThrough(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/api/users", testutil.NewServerErrorResponse())
	mock.SetResponse("/api/orders", testutil.NewServerErrorResponse())
	h := newTestHandler(t, mock)

	rec := serve(h, http.MethodGet, "/api/users", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get(HeaderCache))
	assert.Equal(t, `{"error":"Internal server error"}`, rec.Body.String())
	assert.Equal(t, 2, mock.RequestCount(), "GET is retried")

	mock.Reset()
	rec = serve(h, http.MethodPost, "/api/orders", `{"qty":1}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "BYPASS", rec.Header().Get(HeaderCache))
	assert.Equal(t, 1, mock.RequestCount(), "POST is sent once")
}

func TestHandler_UpstreamClientErrorIsPassedThrough(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	mock.SetResponse("/api/missing", testutil.NewNotFoundResponse())
	h := newTestHandler(t, mock)

	for i := 0; i < 2; i++ {
		rec := serve(h, http.MethodGet, "/api/missing", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "MISS", rec.Header().Get(HeaderCache))
	}
	assert.Equal(t, 2, mock.RequestCount(), "404 responses are not cached")
}

func TestHandler_RequestID(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	h := newTestHandler(t, mock)

	rec := serve(h, http.MethodGet, "/x", "", nil)
	_, err := uuid.Parse(rec.Header().Get(HeaderRequestID))
	assert.NoError(t, err, "a request id is generated")

	rec = serve(h, http.MethodGet, "/x", "", map[string]string{"X-Request-Id": "req-123"})
	assert.Equal(t, "req-123", rec.Header().Get(HeaderRequestID))

	rec = serve(h, http.MethodGet, "/x?ttl=bogus", "", nil)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID), "errors carry a request id too")
}

func TestHandler_RequestBodyLimit(t *testing.T) {
	mock := testutil.NewMockUpstream()
	defer mock.Close()
	h := newTestHandler(t, mock)
	h.maxRequestBody = 16

	rec := serve(h, http.MethodPost, "/api/users", strings.Repeat("x", 64), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, 0, mock.RequestCount())
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid ttl", fmt.Errorf("%w: bad", cache.ErrInvalidTTL), http.StatusBadRequest},
		{"body too large", &http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge},
		{"upstream error", &upstream.Error{StatusCode: 500, Class: upstream.ErrorClassServer}, http.StatusBadGateway},
		{"retry exhausted", fmt.Errorf("%w after 3 attempts", upstream.ErrRetryExhausted), http.StatusBadGateway},
		{"circuit open", upstream.ErrCircuitOpen, http.StatusBadGateway},
		{"backend", &cache.BackendError{Op: "get", Err: errors.New("down")}, http.StatusInternalServerError},
		{"generic", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusForError(tt.err); got != tt.want {
				t.Errorf("StatusForError(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
