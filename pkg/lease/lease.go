// Package lease implements a Redis-backed mutual exclusion lease.
// It keeps sweeper processes sharing a network cache backend from
// scanning the same keyspace at the same time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultKey is the Redis key used for the sweep lease.
const DefaultKey = "dejafoo:lease:sweep"

// ErrNotHeld is returned by Release and Refresh when this holder does not own the lease.
var ErrNotHeld = errors.New("lease not held")

var leaseOperations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dejafoo_sweep_lease_total",
		Help: "Lease operations by result (acquired, contended, released, lost, error)",
	},
	[]string{"result"},
)

// Only the holder whose token matches may delete or extend the key.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// Lease is a single holder's handle on a Redis key.
// A Lease is safe for concurrent use.
type Lease struct {
	redis  *redis.Client
	key    string
	ttl    time.Duration
	token  string
	logger zerolog.Logger

	mu   sync.Mutex
	held bool
}

// New creates a lease handle for key. The lease expires after ttl unless refreshed,
// so a crashed holder never blocks other sweepers for longer than ttl.
func New(redisClient *redis.Client, key string, ttl time.Duration, logger zerolog.Logger) (*Lease, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("lease: redis client is required")
	}
	if key == "" {
		return nil, fmt.Errorf("lease: key is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease: ttl must be positive, got %v", ttl)
	}

	return &Lease{
		redis:  redisClient,
		key:    key,
		ttl:    ttl,
		token:  uuid.NewString(),
		logger: logger,
	}, nil
}

// Key returns the Redis key guarded by this lease.
func (l *Lease) Key() string {
	return l.key
}

// Token returns the random value identifying this holder.
func (l *Lease) Token() string {
	return l.token
}

// Held reports whether the last Acquire or Refresh succeeded and Release has not been called since.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Acquire tries to take the lease. It returns false without error when another holder owns it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.redis.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		leaseOperations.WithLabelValues("error").Inc()
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}

	if !ok {
		// Re-acquiring our own lease counts as success.
		current, err := l.redis.Get(ctx, l.key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			leaseOperations.WithLabelValues("error").Inc()
			return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
		}
		if current != l.token {
			leaseOperations.WithLabelValues("contended").Inc()
			l.logger.Debug().Str("key", l.key).Msg("Lease held by another process")
			return false, nil
		}
	}

	l.mu.Lock()
	l.held = true
	l.mu.Unlock()

	leaseOperations.WithLabelValues("acquired").Inc()
	l.logger.Debug().Str("key", l.key).Dur("ttl", l.ttl).Msg("Lease acquired")
	return true, nil
}

// Refresh extends the lease by its ttl. It returns ErrNotHeld if the lease expired
// or was taken over by another holder.
func (l *Lease) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.redis, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		leaseOperations.WithLabelValues("error").Inc()
		return fmt.Errorf("refresh lease %s: %w", l.key, err)
	}
	if n == 0 {
		l.mu.Lock()
		l.held = false
		l.mu.Unlock()

		leaseOperations.WithLabelValues("lost").Inc()
		l.logger.Warn().Str("key", l.key).Msg("Lease lost before refresh")
		return ErrNotHeld
	}
	return nil
}

// Release gives up the lease. Releasing a lease owned by someone else is a no-op
// that reports ErrNotHeld.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.redis, []string{l.key}, l.token).Int64()
	if err != nil {
		leaseOperations.WithLabelValues("error").Inc()
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}

	l.mu.Lock()
	l.held = false
	l.mu.Unlock()

	if n == 0 {
		leaseOperations.WithLabelValues("lost").Inc()
		return ErrNotHeld
	}

	leaseOperations.WithLabelValues("released").Inc()
	l.logger.Debug().Str("key", l.key).Msg("Lease released")
	return nil
}

// Run acquires the lease, calls fn while holding it, and releases it afterwards.
// It reports ran=false without calling fn when the lease is held elsewhere.
//
// While fn runs the lease is refreshed every third of its ttl. If it is lost,
// the context passed to fn is cancelled and Run returns ErrNotHeld.
func (l *Lease) Run(ctx context.Context, fn func(context.Context) error) (ran bool, err error) {
	ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		return false, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		l.heartbeat(runCtx, stop, cancel)
	}()

	err = fn(runCtx)

	close(stop)
	<-stopped
	lost := errors.Is(context.Cause(runCtx), ErrNotHeld)
	cancel(nil)

	// Release with a fresh context so a cancelled run still frees the key.
	releaseCtx, cancelRelease := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelRelease()
	if relErr := l.Release(releaseCtx); relErr != nil && !errors.Is(relErr, ErrNotHeld) {
		l.logger.Warn().Err(relErr).Str("key", l.key).Msg("Failed to release lease")
	}

	if lost {
		if err == nil {
			return true, ErrNotHeld
		}
		return true, fmt.Errorf("%w: %w", ErrNotHeld, err)
	}
	return true, err
}

// heartbeat refreshes the lease until stop is closed. Losing the lease
// cancels ctx with ErrNotHeld; other refresh failures are retried on the next tick.
func (l *Lease) heartbeat(ctx context.Context, stop <-chan struct{}, cancel context.CancelCauseFunc) {
	interval := l.ttl / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := l.Refresh(ctx)
			switch {
			case errors.Is(err, ErrNotHeld):
				cancel(ErrNotHeld)
				return
			case err != nil:
				l.logger.Warn().Err(err).Str("key", l.key).Msg("Failed to refresh lease")
			}
		}
	}
}
