package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/dejafoo/internal/config"
	"github.com/Sternrassler/dejafoo/pkg/cache"
	"github.com/Sternrassler/dejafoo/pkg/logging"
	"github.com/Sternrassler/dejafoo/pkg/metrics"
	"github.com/Sternrassler/dejafoo/pkg/policy"
	"github.com/Sternrassler/dejafoo/pkg/proxy"
	"github.com/Sternrassler/dejafoo/pkg/upstream"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "dejafoo: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	port, err := parsePort(args, cfg.Port)
	if err != nil {
		return err
	}
	cfg.Port = port
	if err := cfg.ValidateServer(); err != nil {
		return err
	}

	logging.Setup(cfg.Logging())
	logger := logging.NewLogger(logging.ComponentServer)

	pol, err := policy.LoadFromConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := cfg.OpenBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	fetcher, err := upstream.New(cfg.Upstream())
	if err != nil {
		return err
	}

	store := cache.NewStore(backend, cfg.StoreOptions(logging.NewLogger(logging.ComponentCache))...)
	service := proxy.NewService(store, pol, fetcher,
		proxy.WithFailOpen(cfg.FailOpen),
		proxy.WithLogger(logging.NewLogger(logging.ComponentProxy)),
	)
	handler := proxy.NewHandler(service, logging.NewLogger(logging.ComponentProxy))

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           newMux(handler, readyCheck(backend.Redis)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("addr", server.Addr).
		Str("upstream", cfg.UpstreamBaseURL).
		Str("backend", backend.Kind).
		Str("policy", pol.Source).
		Int("rules", len(pol.Rules)).
		Bool("fail_open", cfg.FailOpen).
		Msg("Starting dejafoo proxy")

	return serve(ctx, server, logger)
}

// parsePort applies a --port flag on top of the configured port.
func parsePort(args []string, defaultPort int) (int, error) {
	fs := flag.NewFlagSet("dejafoo", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	port := fs.Int("port", defaultPort, "listen port (overrides PORT)")
	if err := fs.Parse(args); err != nil {
		return 0, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	if *port < 1 || *port > 65535 {
		return 0, fmt.Errorf("%w: --port must be between 1 and 65535 (got %d)", config.ErrInvalidConfig, *port)
	}
	return *port, nil
}

// serve runs server until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, server *http.Server, logger zerolog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newMux(proxyHandler http.Handler, ready func(context.Context) error) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ready", readyHandler(ready))
	mux.Handle(metrics.Path, metrics.Handler())
	mux.Handle("/", proxyHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func readyHandler(ready func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := ready(ctx); err != nil {
			http.Error(w, "Not Ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

// readyCheck pings the metadata tier; the file backend is always ready.
func readyCheck(redisClient *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if redisClient == nil {
			return nil
		}
		return redisClient.Ping(ctx).Err()
	}
}
