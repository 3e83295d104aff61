// Package proxy ties the cache, the policy engine and the upstream fetcher
// together into the request flow of the caching proxy.
package proxy

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/dejafoo/pkg/cache"
	"github.com/Sternrassler/dejafoo/pkg/normalize"
	"github.com/Sternrassler/dejafoo/pkg/policy"
)

// Cache outcome labels.
const (
	OutcomeHit    = "hit"
	OutcomeMiss   = "miss"
	OutcomeBypass = "bypass"
	OutcomeError  = "error"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dejafoo_requests_total",
			Help: "Proxied requests by cache outcome (hit, miss, bypass, error)",
		},
		[]string{"cache"},
	)

	coalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dejafoo_coalesced_requests_total",
		Help: "Cache misses that waited for an in-flight fetch of the same key",
	})
)

// Fetcher retrieves a response from the origin.
type Fetcher interface {
	Fetch(ctx context.Context, req normalize.Request) (normalize.Response, error)
}

// Request is an inbound request with its cache namespace and TTL override.
type Request struct {
	normalize.Request

	// Tenant is the cache namespace, empty when absent.
	Tenant string

	// TTL overrides the policy TTL when non-zero.
	TTL time.Duration
}

// Result is the outcome of Handle.
type Result struct {
	Response normalize.Response
	Key      cache.CacheKey

	// Hit is true when the response was served from the cache.
	Hit bool

	// Cacheable is false when the endpoint policy bypasses the cache.
	Cacheable bool

	// Stored is true when the fetched response was written to the cache.
	Stored bool

	// TTL is the remaining lifetime on a hit and the stored lifetime on a miss.
	TTL time.Duration
}

// Outcome returns the cache outcome label for r.
func (r *Result) Outcome() string {
	switch {
	case r.Hit:
		return OutcomeHit
	case !r.Cacheable:
		return OutcomeBypass
	default:
		return OutcomeMiss
	}
}

// Service runs the cache-or-fetch flow for each request.
// A Service is safe for concurrent use.
type Service struct {
	store    *cache.Store
	policy   *policy.Policy
	fetcher  Fetcher
	failOpen bool
	now      func() time.Time
	logger   zerolog.Logger
	inflight singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithFailOpen controls whether cache backend errors are treated as misses
// (true, the default) or returned to the caller.
func WithFailOpen(failOpen bool) Option {
	return func(s *Service) {
		s.failOpen = failOpen
	}
}

// WithClock sets the clock used to compute the remaining TTL of hits.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a service. It panics if any collaborator is nil.
func NewService(store *cache.Store, pol *policy.Policy, fetcher Fetcher, opts ...Option) *Service {
	if store == nil || pol == nil || fetcher == nil {
		panic("proxy: store, policy and fetcher are required")
	}

	s := &Service{
		store:    store,
		policy:   pol,
		fetcher:  fetcher,
		failOpen: true,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the policy the service was built with.
func (s *Service) Policy() *policy.Policy {
	return s.policy
}

// Handle serves req from the cache or fetches it from the origin.
// Concurrent misses for the same key share one upstream fetch.
func (s *Service) Handle(ctx context.Context, req Request) (*Result, error) {
	key := cache.KeyFor(req.Request, req.Tenant, req.TTL)
	logger := s.logger.With().Str("digest", key.Digest).Str("tenant", key.Tenant).Logger()

	if !s.policy.IsEndpointCacheable(key.Method, key.Path) {
		resp, err := s.fetcher.Fetch(ctx, normalize.ForwardRequest(req.Request))
		if err != nil {
			requestsTotal.WithLabelValues(OutcomeError).Inc()
			return nil, err
		}
		requestsTotal.WithLabelValues(OutcomeBypass).Inc()
		logger.Debug().Str("method", key.Method).Str("path", key.Path).Msg("Cache bypassed by endpoint policy")
		return &Result{Response: normalize.NormalizeResponse(resp), Key: key}, nil
	}

	if result, err := s.lookup(ctx, key, logger); err != nil {
		requestsTotal.WithLabelValues(OutcomeError).Inc()
		return nil, err
	} else if result != nil {
		requestsTotal.WithLabelValues(OutcomeHit).Inc()
		return result, nil
	}

	leader := false
	v, err, shared := s.inflight.Do(key.Digest, func() (interface{}, error) {
		leader = true
		// The fetch serves every waiter, so it must outlive the leader's cancellation.
		return s.fill(context.WithoutCancel(ctx), req, key, logger)
	})
	if shared && !leader {
		coalescedTotal.Inc()
		logger.Debug().Msg("Joined in-flight fetch")
	}
	if err != nil {
		requestsTotal.WithLabelValues(OutcomeError).Inc()
		return nil, err
	}

	requestsTotal.WithLabelValues(OutcomeMiss).Inc()
	result := *v.(*Result)
	if !leader {
		result.Response = shareable(result.Response)
	}
	return &result, nil
}

// lookup returns a hit, nil on a miss, or an error when fail-open is disabled.
func (s *Service) lookup(ctx context.Context, key cache.CacheKey, logger zerolog.Logger) (*Result, error) {
	entry, err := s.store.Get(ctx, key)
	switch {
	case err == nil:
		logger.Debug().Msg("Cache hit")
		return &Result{
			Response:  shareable(entry.Response),
			Key:       key,
			Hit:       true,
			Cacheable: true,
			TTL:       entry.TTL(s.now()),
		}, nil
	case errors.Is(err, cache.ErrCacheMiss):
		logger.Debug().Msg("Cache miss")
		return nil, nil
	case s.failOpen:
		logger.Warn().Err(err).Msg("Cache lookup failed, treating as miss")
		return nil, nil
	default:
		return nil, err
	}
}

// fill fetches, normalizes and stores the response for key. The stored copy
// drops the caller's cookies and credentials; the returned one keeps them.
func (s *Service) fill(ctx context.Context, req Request, key cache.CacheKey, logger zerolog.Logger) (*Result, error) {
	resp, err := s.fetcher.Fetch(ctx, normalize.ForwardRequest(req.Request))
	if err != nil {
		return nil, err
	}
	resp = normalize.NormalizeResponse(resp)

	result := &Result{Response: resp, Key: key, Cacheable: true}
	if !s.policy.ShouldCacheEndpoint(key.Method, key.Path, resp) {
		logger.Debug().Int("status", resp.StatusCode).Msg("Response not cacheable")
		return result, nil
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.policy.TTL(key.Method, key.Path)
	}

	if err := s.store.Set(ctx, key, shareable(resp), ttl); err != nil {
		if !s.failOpen {
			return nil, err
		}
		logger.Warn().Err(err).Msg("Cache store failed, serving uncached response")
		return result, nil
	}

	result.Stored = true
	result.TTL = ttl
	logger.Debug().Dur("ttl", ttl).Msg("Response cached")
	return result, nil
}

// shareable returns a copy of resp without the headers that belong to the
// user whose request reached the origin.
func shareable(resp normalize.Response) normalize.Response {
	headers := maps.Clone(resp.Headers)
	normalize.StripSensitiveHeaders(headers)
	resp.Headers = headers
	return resp
}
