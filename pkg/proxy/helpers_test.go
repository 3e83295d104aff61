package proxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/dejafoo/pkg/cache"
	"github.com/Sternrassler/dejafoo/pkg/normalize"
	"github.com/Sternrassler/dejafoo/pkg/policy"
	"github.com/Sternrassler/dejafoo/pkg/upstream"
)

var testNow = time.Unix(1_700_000_000, 0)

func fixedClock() time.Time {
	return testNow
}

// fastRetry keeps upstream backoffs in the millisecond range.
func fastRetry(upstream.ErrorClass) upstream.RetryConfig {
	return upstream.RetryConfig{
		MaxAttempts:       2,
		InitialBackoff:    5 * time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

// stubFetcher answers every request with resp and records what it saw.
type stubFetcher struct {
	mu       sync.Mutex
	resp     normalize.Response
	err      error
	calls    int
	requests []normalize.Request

	// started is closed on the first call; the call then waits for release.
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStubFetcher(resp normalize.Response) *stubFetcher {
	return &stubFetcher{resp: resp}
}

func (f *stubFetcher) Fetch(ctx context.Context, req normalize.Request) (normalize.Response, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req)
	resp, err := f.resp, f.err
	f.mu.Unlock()

	if f.started != nil {
		f.once.Do(func() { close(f.started) })
		<-f.release
	}
	return resp, err
}

func (f *stubFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// errBackend fails every operation with err.
type errBackend struct {
	err error
}

func (b errBackend) GetMetadata(context.Context, string) (*cache.Metadata, error) {
	return nil, b.err
}

func (b errBackend) PutMetadata(context.Context, *cache.Metadata) error {
	return b.err
}

func (b errBackend) DeleteMetadata(context.Context, string) error {
	return b.err
}

func (b errBackend) DeleteMetadataIf(context.Context, string, int64) (bool, error) {
	return false, b.err
}

func (b errBackend) GetBlob(context.Context, string) ([]byte, error) {
	return nil, b.err
}

func (b errBackend) PutBlob(context.Context, string, []byte, string) error {
	return b.err
}

func (b errBackend) DeleteBlob(context.Context, string) error {
	return b.err
}

func (b errBackend) ScanExpired(context.Context, time.Time) ([]cache.Metadata, error) {
	return nil, b.err
}

var errBackendDown = errors.New("backend down")

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	backend, err := cache.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	return cache.NewStore(backend, cache.WithClock(fixedClock))
}

func newTestService(t *testing.T, fetcher Fetcher, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{WithClock(fixedClock), WithLogger(zerolog.Nop())}, opts...)
	return NewService(newTestStore(t), policy.Default(), fetcher, opts...)
}

func jsonResponse(body string) normalize.Response {
	return normalize.Response{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func getRequest(path string) Request {
	return Request{Request: normalize.Request{
		Method:  "GET",
		Path:    path,
		Headers: map[string]string{"Accept": "application/json"},
	}}
}
