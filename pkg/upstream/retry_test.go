package upstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fastRetry keeps test backoffs in the millisecond range.
func fastRetry(ErrorClass) RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        40 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", config.MaxAttempts)
	}
	if config.InitialBackoff != 200*time.Millisecond {
		t.Errorf("InitialBackoff = %v, want 200ms", config.InitialBackoff)
	}
	if config.MaxBackoff != 2*time.Second {
		t.Errorf("MaxBackoff = %v, want 2s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
}

func TestRetryConfigForErrorClass(t *testing.T) {
	tests := []struct {
		name             string
		class            ErrorClass
		expectedInitial  time.Duration
		expectedMax      time.Duration
		expectedAttempts int
	}{
		{
			name:             "server error config",
			class:            ErrorClassServer,
			expectedInitial:  200 * time.Millisecond,
			expectedMax:      2 * time.Second,
			expectedAttempts: 3,
		},
		{
			name:             "network error config",
			class:            ErrorClassNetwork,
			expectedInitial:  500 * time.Millisecond,
			expectedMax:      5 * time.Second,
			expectedAttempts: 3,
		},
		{
			name:             "unknown error class uses default",
			class:            "",
			expectedInitial:  200 * time.Millisecond,
			expectedMax:      2 * time.Second,
			expectedAttempts: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := RetryConfigForErrorClass(tt.class)

			if config.InitialBackoff != tt.expectedInitial {
				t.Errorf("InitialBackoff = %v, want %v", config.InitialBackoff, tt.expectedInitial)
			}
			if config.MaxBackoff != tt.expectedMax {
				t.Errorf("MaxBackoff = %v, want %v", config.MaxBackoff, tt.expectedMax)
			}
			if config.MaxAttempts != tt.expectedAttempts {
				t.Errorf("MaxAttempts = %d, want %d", config.MaxAttempts, tt.expectedAttempts)
			}
		})
	}
}

func TestBackoffFor(t *testing.T) {
	config := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, BackoffMultiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 3, want: 300 * time.Millisecond},
		{attempt: 10, want: 300 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := backoffFor(config, tt.attempt); got != tt.want {
			t.Errorf("backoffFor(attempt %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryWithBackoff_Success(t *testing.T) {
	callCount := 0
	err := retryWithBackoff(context.Background(), zerolog.Nop(), fastRetry, func() error {
		callCount++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
}

func TestRetryWithBackoff_SuccessAfterRetry(t *testing.T) {
	callCount := 0
	start := time.Now()
	err := retryWithBackoff(context.Background(), zerolog.Nop(), fastRetry, func() error {
		callCount++
		if callCount < 3 {
			return &Error{StatusCode: 503, Class: ErrorClassServer}
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls, got %d", callCount)
	}
	// 10ms + 20ms with at most 20% jitter below
	if d := time.Since(start); d < 24*time.Millisecond {
		t.Errorf("Expected some backoff delay, got %v", d)
	}
}

func TestRetryWithBackoff_MaxAttemptsExhausted(t *testing.T) {
	callCount := 0
	serverErr := &Error{StatusCode: 500, Class: ErrorClassServer, Message: "500 Internal Server Error"}
	err := retryWithBackoff(context.Background(), zerolog.Nop(), fastRetry, func() error {
		callCount++
		return serverErr
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	var ue *Error
	if !errors.As(err, &ue) || ue.StatusCode != 500 {
		t.Errorf("Expected the last *Error to stay reachable, got %v", err)
	}
	if callCount != 3 {
		t.Errorf("Expected 3 calls (MaxAttempts), got %d", callCount)
	}
}

func TestRetryWithBackoff_NoRetryClasses(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "client error", err: &Error{StatusCode: 400, Class: ErrorClassClient}},
		{name: "circuit open", err: &Error{Class: ErrorClassCircuit, Err: ErrCircuitOpen}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			callCount := 0
			err := retryWithBackoff(context.Background(), zerolog.Nop(), fastRetry, func() error {
				callCount++
				return tt.err
			})

			if callCount != 1 {
				t.Errorf("Expected 1 call, got %d", callCount)
			}
			if errors.Is(err, ErrRetryExhausted) {
				t.Error("Should not return ErrRetryExhausted when no retry was attempted")
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("Expected original error, got %v", err)
			}
		})
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	policy := func(ErrorClass) RetryConfig {
		return RetryConfig{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffMultiplier: 2}
	}
	err := retryWithBackoff(ctx, zerolog.Nop(), policy, func() error {
		callCount++
		if callCount == 1 {
			cancel()
		}
		return errors.New("error")
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call before cancellation, got %d", callCount)
	}
}
