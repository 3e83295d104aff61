// Package upstream forwards normalized requests to the origin service with
// retries and a circuit breaker.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/Sternrassler/dejafoo/pkg/logging"
	"github.com/Sternrassler/dejafoo/pkg/normalize"
)

// Prometheus metrics for upstream operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dejafoo_upstream_requests_total",
		Help: "Total upstream requests by status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dejafoo_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds, retries included",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dejafoo_upstream_circuit_state",
		Help: "Upstream circuit breaker state (0=closed, 1=half-open, 2=open)",
	})
)

// hopHeaders are never forwarded upstream.
var hopHeaders = map[string]struct{}{
	"x-forwarded-for":     {},
	"x-real-ip":           {},
	"x-forwarded-proto":   {},
	"x-forwarded-host":    {},
	"x-forwarded-port":    {},
	"x-upstream-url":      {},
	"host":                {},
	"connection":          {},
	"upgrade":             {},
	"proxy-connection":    {},
	"proxy-authorization": {},
	"content-length":      {},
}

// Config holds the fetcher configuration.
type Config struct {
	// BaseURL is the origin every request path is appended to.
	BaseURL string

	// Timeout bounds a single attempt.
	Timeout time.Duration

	// MaxRedirects is the number of redirects followed per attempt.
	MaxRedirects int

	// Retry selects backoff per error class (default: RetryConfigForErrorClass).
	Retry RetryPolicy

	// BreakerFailures is the number of consecutive failed requests that opens the breaker.
	BreakerFailures int

	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration
}

// DefaultConfig returns a default configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:         baseURL,
		Timeout:         30 * time.Second,
		MaxRedirects:    5,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Fetcher forwards requests to one upstream origin.
type Fetcher struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	retry      RetryPolicy
	logger     zerolog.Logger
}

// New creates a fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream base url is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream base url %q", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRedirects < 0 {
		return nil, fmt.Errorf("max_redirects must be >= 0 (got %d)", cfg.MaxRedirects)
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.Retry == nil {
		cfg.Retry = RetryConfigForErrorClass
	}

	logger := logging.NewLogger(logging.ComponentUpstream)
	maxRedirects := cfg.MaxRedirects
	failures := uint32(cfg.BreakerFailures)

	f := &Fetcher{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		retry:  cfg.Retry,
		logger: logger,
	}

	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			breakerState.Set(float64(to))
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})

	return f, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (f *Fetcher) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}

// Fetch forwards req and returns the upstream answer. Network failures and
// 5xx statuses are retried for idempotent methods only. Once attempts run
// out the last 5xx is returned as an ordinary response, like any 4xx;
// network failures and breaker rejections are reported as *Error.
func (f *Fetcher) Fetch(ctx context.Context, req normalize.Request) (normalize.Response, error) {
	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	var resp normalize.Response
	var err error
	if idempotent(req.Method) {
		err = retryWithBackoff(ctx, f.logger, f.retry, func() error {
			r, err := f.attempt(ctx, req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	} else {
		resp, err = f.attempt(ctx, req)
	}
	if err != nil {
		var ue *Error
		if errors.As(err, &ue) && ue.Class == ErrorClassServer && ue.Response != nil {
			f.logger.Warn().
				Str("method", req.Method).
				Str("path", req.Path).
				Int("status", ue.StatusCode).
				Msg("Passing upstream server error through")
			return *ue.Response, nil
		}
		return normalize.Response{}, err
	}
	return resp, nil
}

// idempotent reports whether a request with method may be sent more than once.
func idempotent(method string) bool {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete, http.MethodTrace:
		return true
	default:
		return false
	}
}

// attempt performs one request through the circuit breaker.
func (f *Fetcher) attempt(ctx context.Context, req normalize.Request) (normalize.Response, error) {
	out, err := f.breaker.Execute(func() (interface{}, error) {
		return f.do(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			requestsTotal.WithLabelValues("circuit_open").Inc()
			return normalize.Response{}, &Error{
				StatusCode: http.StatusServiceUnavailable,
				Class:      ErrorClassCircuit,
				Message:    "upstream unavailable",
				Err:        ErrCircuitOpen,
			}
		}
		return normalize.Response{}, err
	}
	return out.(normalize.Response), nil
}

// do sends a single HTTP request.
func (f *Fetcher) do(ctx context.Context, req normalize.Request) (normalize.Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != "" && method != http.MethodGet {
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, f.baseURL+normalize.Path(req.Path), body)
	if err != nil {
		return normalize.Response{}, &Error{
			Class:   ErrorClassClient,
			Message: "build request",
			Err:     err,
		}
	}
	for name, value := range req.Headers {
		if _, skip := hopHeaders[strings.ToLower(name)]; skip {
			continue
		}
		httpReq.Header.Set(name, value)
	}

	f.logger.Debug().
		Str("method", method).
		Str("path", httpReq.URL.Path).
		Msg("Forwarding request upstream")

	httpResp, err := f.httpClient.Do(httpReq)
	if err != nil {
		requestsTotal.WithLabelValues("network_error").Inc()
		return normalize.Response{}, &Error{
			Class:   ErrorClassNetwork,
			Message: "request failed",
			Err:     err,
		}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		requestsTotal.WithLabelValues("network_error").Inc()
		return normalize.Response{}, &Error{
			StatusCode: httpResp.StatusCode,
			Class:      ErrorClassNetwork,
			Message:    "read response body",
			Err:        err,
		}
	}
	requestsTotal.WithLabelValues(strconv.Itoa(httpResp.StatusCode)).Inc()

	headers := make(map[string]string, len(httpResp.Header))
	for name, values := range httpResp.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	resp := normalize.Response{
		StatusCode: httpResp.StatusCode,
		Headers:    headers,
		Body:       string(data),
	}

	if class := classifyStatus(httpResp.StatusCode); class == ErrorClassServer {
		f.logger.Warn().
			Str("path", httpReq.URL.Path).
			Int("status", httpResp.StatusCode).
			Str("error_class", string(class)).
			Msg("Upstream request error")
		return normalize.Response{}, &Error{
			StatusCode: httpResp.StatusCode,
			Class:      class,
			Message:    httpResp.Status,
			Response:   &resp,
		}
	}

	return resp, nil
}
