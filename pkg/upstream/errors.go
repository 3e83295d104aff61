package upstream

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/dejafoo/pkg/normalize"
)

// Common errors returned by the fetcher.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrCircuitOpen is returned without contacting the upstream while the
	// circuit breaker is open or probing.
	ErrCircuitOpen = errors.New("upstream circuit breaker is open")
)

// ErrorClass represents a classification of upstream failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassCircuit represents requests rejected by the circuit breaker.
	ErrorClassCircuit ErrorClass = "circuit"
)

// Error is an upstream failure with additional context.
type Error struct {
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error

	// Response is the origin's answer for server errors.
	Response *normalize.Response
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s error (status %d): %s: %v",
			e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("upstream %s error (status %d): %s",
		e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// classify returns the class of an error produced by a single attempt.
func classify(err error) ErrorClass {
	if errors.Is(err, ErrCircuitOpen) {
		return ErrorClassCircuit
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Class
	}
	return ErrorClassNetwork
}

// classifyStatus maps an HTTP status to its class; 2xx and 3xx have none.
func classifyStatus(status int) ErrorClass {
	switch {
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		// client errors and breaker rejections are final
		return false
	}
}
