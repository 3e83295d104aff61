package proxy

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/dejafoo/pkg/cache"
	"github.com/Sternrassler/dejafoo/pkg/normalize"
	"github.com/Sternrassler/dejafoo/pkg/upstream"
)

// TTLParam is the query parameter carrying a per-request TTL override.
const TTLParam = "ttl"

// DefaultMaxRequestBody bounds inbound request bodies.
const DefaultMaxRequestBody = 10 << 20

// Response headers set by the handler.
const (
	HeaderCache     = "x-cache"
	HeaderCacheKey  = "x-cache-key"
	HeaderRequestID = "x-request-id"
)

// responseHopHeaders are recomputed by net/http and never copied from a stored response.
var responseHopHeaders = map[string]struct{}{
	"content-length":    {},
	"transfer-encoding": {},
	"connection":        {},
	"keep-alive":        {},
}

// Handler exposes a Service over HTTP.
type Handler struct {
	service        *Service
	maxRequestBody int64
	logger         zerolog.Logger
}

// NewHandler creates a handler for service.
func NewHandler(service *Service, logger zerolog.Logger) *Handler {
	return &Handler{
		service:        service,
		maxRequestBody: DefaultMaxRequestBody,
		logger:         logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(HeaderRequestID, requestID)
	logger := h.logger.With().Str("request_id", requestID).Logger()

	req, err := h.convert(w, r)
	if err != nil {
		h.writeError(w, logger, err)
		return
	}

	result, err := h.service.Handle(r.Context(), req)
	if err != nil {
		h.writeError(w, logger, err)
		return
	}

	h.writeResult(w, result)

	logger.Info().
		Str("method", result.Key.Method).
		Str("path", result.Key.Path).
		Int("status", result.Response.StatusCode).
		Str("cache", result.Outcome()).
		Dur("duration", time.Since(start)).
		Msg("Request served")
}

// convert builds the service request from r.
func (h *Handler) convert(w http.ResponseWriter, r *http.Request) (Request, error) {
	var ttl time.Duration
	if query := r.URL.Query(); query.Has(TTLParam) {
		parsed, err := cache.ParseTTL(query.Get(TTLParam))
		if err != nil {
			return Request{}, err
		}
		ttl = parsed
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBody))
	if err != nil {
		return Request{}, err
	}

	headers := make(map[string]string, len(r.Header)+1)
	for name, values := range r.Header {
		headers[name] = strings.Join(values, ", ")
	}
	if r.Host != "" {
		headers["Host"] = r.Host
	}

	return Request{
		Request: normalize.Request{
			Method:  r.Method,
			Path:    r.URL.RequestURI(),
			Headers: headers,
			Body:    string(body),
		},
		Tenant: TenantFromHost(r.Host),
		TTL:    ttl,
	}, nil
}

func (h *Handler) writeResult(w http.ResponseWriter, result *Result) {
	headers := make(map[string]string, len(result.Response.Headers)+3)
	for name, value := range result.Response.Headers {
		headers[name] = value
	}

	switch result.Outcome() {
	case OutcomeHit:
		normalize.AddCacheHeaders(headers, int64(result.TTL/time.Second))
	case OutcomeMiss:
		headers[HeaderCache] = "MISS"
	default:
		headers[HeaderCache] = "BYPASS"
	}
	headers[HeaderCacheKey] = result.Key.Digest
	if vary := h.service.Policy().HeadersToVary(result.Key.Method, result.Key.Path); len(vary) > 0 {
		headers["vary"] = strings.Join(vary, ", ")
	}

	for name, value := range headers {
		if _, hop := responseHopHeaders[name]; hop {
			continue
		}
		w.Header().Set(name, value)
	}

	status := result.Response.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, result.Response.Body)
}

func (h *Handler) writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status := StatusForError(err)
	event := logger.Error()
	if status < http.StatusInternalServerError {
		event = logger.Warn()
	}
	event.Err(err).Int("status", status).Msg("Request failed")

	http.Error(w, http.StatusText(status)+": "+err.Error(), status)
}

// StatusForError maps an error from Handle to the HTTP status returned to the client.
func StatusForError(err error) int {
	var maxBytes *http.MaxBytesError
	var upstreamErr *upstream.Error

	switch {
	case errors.Is(err, cache.ErrInvalidTTL):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &upstreamErr),
		errors.Is(err, upstream.ErrRetryExhausted),
		errors.Is(err, upstream.ErrCircuitOpen),
		errors.Is(err, upstream.ErrContextCancelled):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

