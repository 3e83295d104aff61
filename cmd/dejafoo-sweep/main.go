package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/dejafoo/internal/config"
	"github.com/Sternrassler/dejafoo/pkg/cache"
	"github.com/Sternrassler/dejafoo/pkg/lease"
	"github.com/Sternrassler/dejafoo/pkg/logging"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	if err := run(*once); err != nil {
		fmt.Fprintf(os.Stderr, "dejafoo-sweep: %v\n", err)
		os.Exit(1)
	}
}

func run(once bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Setup(cfg.Logging())
	logger := logging.NewLogger(logging.ComponentSweep)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := cfg.OpenBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	store := cache.NewStore(backend, cfg.StoreOptions(logging.NewLogger(logging.ComponentCache))...)

	sw := &sweeper{store: store, logger: logger}
	if backend.Redis != nil {
		sw.lease, err = lease.New(backend.Redis, lease.DefaultKey, config.DefaultSweepLeaseTTL, logging.NewLogger(logging.ComponentLease))
		if err != nil {
			return err
		}
	}

	logger.Info().
		Str("backend", backend.Kind).
		Bool("once", once).
		Dur("interval", cfg.SweepInterval).
		Msg("Starting dejafoo sweeper")

	if once {
		_, err := sw.sweepOnce(ctx)
		return err
	}
	return sw.loop(ctx, cfg.SweepInterval)
}

// sweeper runs Store.CleanupExpired, inside a lease when one is configured.
type sweeper struct {
	store  *cache.Store
	lease  *lease.Lease
	logger zerolog.Logger
}

// sweepOnce runs one sweep and returns the number of removed entries.
// Losing the lease to another sweeper is not an error.
func (s *sweeper) sweepOnce(ctx context.Context) (int, error) {
	removed := 0
	sweep := func(ctx context.Context) error {
		n, err := s.store.CleanupExpired(ctx)
		removed = n
		return err
	}

	if s.lease == nil {
		err := sweep(ctx)
		return removed, s.result(removed, err)
	}

	ran, err := s.lease.Run(ctx, sweep)
	if !ran && err == nil {
		s.logger.Info().Msg("Sweep skipped, lease held by another sweeper")
		return 0, nil
	}
	return removed, s.result(removed, err)
}

func (s *sweeper) result(removed int, err error) error {
	if errors.Is(err, cache.ErrSweepInProgress) {
		s.logger.Info().Msg("Sweep skipped, previous sweep still running")
		return nil
	}
	if err != nil {
		s.logger.Error().Err(err).Int("removed", removed).Msg("Sweep failed")
		return err
	}
	return nil
}

// loop sweeps immediately and then every interval until ctx is cancelled.
// Failed sweeps are logged and retried on the next tick.
func (s *sweeper) loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, _ = s.sweepOnce(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}
