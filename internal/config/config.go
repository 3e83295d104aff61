// Package config reads the process configuration of the dejafoo binaries
// from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/dejafoo/pkg/cache"
	"github.com/Sternrassler/dejafoo/pkg/logging"
	"github.com/Sternrassler/dejafoo/pkg/upstream"
)

// ErrInvalidConfig is wrapped by every configuration error.
var ErrInvalidConfig = errors.New("invalid configuration")

// Cache backend kinds.
const (
	BackendNetwork = "network"
	BackendFile    = "file"
)

// Defaults.
const (
	DefaultPort            = 8080
	DefaultCacheDir        = ".dev-cache"
	DefaultRedisURL        = "redis://localhost:6379/0"
	DefaultBucket          = "dejafoo-cache-storage"
	DefaultRegion          = "us-east-1"
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultSweepInterval   = 15 * time.Minute
	DefaultShutdownTimeout = 15 * time.Second
	DefaultSweepLeaseTTL   = 10 * time.Minute
)

// Config holds the process configuration.
type Config struct {
	// Port is the listen port of the proxy server.
	Port int

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// LogPretty enables console output instead of JSON.
	LogPretty bool

	// UpstreamBaseURL is the origin every request is forwarded to.
	UpstreamBaseURL string

	// UpstreamTimeout bounds a single upstream attempt.
	UpstreamTimeout time.Duration

	// CacheBackend is "network" (Redis + S3) or "file".
	CacheBackend string

	// CacheDir is the root directory of the file backend.
	CacheDir string

	// RedisURL addresses the metadata tier, either a redis:// URL or host:port.
	RedisURL string

	// S3Bucket holds the blob tier.
	S3Bucket string

	// S3Endpoint overrides the S3 endpoint for S3-compatible stores.
	S3Endpoint string

	// S3ForcePathStyle selects path-style bucket addressing.
	S3ForcePathStyle bool

	// S3AccessKeyID and S3SecretAccessKey are static credentials for S3Endpoint.
	// When empty the default AWS credential chain is used.
	S3AccessKeyID     string
	S3SecretAccessKey string

	// AWSRegion is the region of the bucket.
	AWSRegion string

	// MaxBodySize is the serialized size above which entries go to the blob tier.
	MaxBodySize int

	// FailOpen treats cache backend errors as misses.
	FailOpen bool

	// SweepInterval is the pause between sweep runs.
	SweepInterval time.Duration

	// SweepConcurrency bounds parallel removals within one sweep.
	SweepConcurrency int
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var errs []error

	cfg := &Config{
		LogLevel:          getEnv("LOG_LEVEL", string(logging.LevelInfo)),
		LogPretty:         getEnvBool("LOG_PRETTY", false, &errs),
		UpstreamBaseURL:   strings.TrimSpace(os.Getenv("UPSTREAM_BASE_URL")),
		CacheBackend:      strings.ToLower(getEnv("CACHE_BACKEND", BackendNetwork)),
		CacheDir:          getEnv("CACHE_DIR", DefaultCacheDir),
		RedisURL:          getEnv("REDIS_URL", DefaultRedisURL),
		S3Bucket:          getEnv("S3_BUCKET_NAME", DefaultBucket),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3ForcePathStyle:  getEnvBool("S3_FORCE_PATH_STYLE", false, &errs),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		AWSRegion:         getEnv("AWS_REGION", DefaultRegion),
		Port:              getEnvInt("PORT", DefaultPort, &errs),
		UpstreamTimeout:   getEnvDuration("UPSTREAM_TIMEOUT", DefaultUpstreamTimeout, &errs),
		MaxBodySize:       getEnvInt("MAX_BODY_SIZE", cache.DefaultInlineThreshold, &errs),
		FailOpen:          getEnvBool("FAIL_OPEN", true, &errs),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval, &errs),
		SweepConcurrency:  getEnvInt("SWEEP_CONCURRENCY", cache.DefaultSweepConcurrency, &errs),
	}

	if getEnvBool("USE_FILE_CACHE", false, &errs) {
		cfg.CacheBackend = BackendFile
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings shared by every binary.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, invalid("PORT", "must be between 1 and 65535 (got %d)", c.Port))
	}
	if !logging.ValidLevel(c.LogLevel) {
		errs = append(errs, invalid("LOG_LEVEL", "unknown level %q", c.LogLevel))
	}

	switch c.CacheBackend {
	case BackendFile:
		if c.CacheDir == "" {
			errs = append(errs, invalid("CACHE_DIR", "required for the file backend"))
		}
	case BackendNetwork:
		if c.RedisURL == "" {
			errs = append(errs, invalid("REDIS_URL", "required for the network backend"))
		}
		if c.S3Bucket == "" {
			errs = append(errs, invalid("S3_BUCKET_NAME", "required for the network backend"))
		}
		if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
			errs = append(errs, invalid("S3_ACCESS_KEY_ID", "must be set together with S3_SECRET_ACCESS_KEY"))
		}
	default:
		errs = append(errs, invalid("CACHE_BACKEND", "must be %q or %q (got %q)", BackendNetwork, BackendFile, c.CacheBackend))
	}

	if c.UpstreamTimeout <= 0 {
		errs = append(errs, invalid("UPSTREAM_TIMEOUT", "must be positive"))
	}
	if c.MaxBodySize < 0 {
		errs = append(errs, invalid("MAX_BODY_SIZE", "must be >= 0 (got %d)", c.MaxBodySize))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, invalid("SWEEP_INTERVAL", "must be positive"))
	}
	if c.SweepConcurrency < 1 {
		errs = append(errs, invalid("SWEEP_CONCURRENCY", "must be >= 1 (got %d)", c.SweepConcurrency))
	}

	return errors.Join(errs...)
}

// ValidateServer checks the settings the proxy server needs on top of Validate.
func (c *Config) ValidateServer() error {
	if c.UpstreamBaseURL == "" {
		return invalid("UPSTREAM_BASE_URL", "required")
	}
	u, err := url.Parse(c.UpstreamBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("UPSTREAM_BASE_URL", "must be an absolute http(s) URL (got %q)", c.UpstreamBaseURL)
	}
	return nil
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.LogLevel)
	cfg.Pretty = c.LogPretty
	return cfg
}

// Upstream returns the upstream fetcher configuration.
func (c *Config) Upstream() upstream.Config {
	cfg := upstream.DefaultConfig(c.UpstreamBaseURL)
	cfg.Timeout = c.UpstreamTimeout
	return cfg
}

// StoreOptions returns the cache store options. Entry TTLs come from the
// request or the caching policy, never from the process environment.
func (c *Config) StoreOptions(logger zerolog.Logger) []cache.Option {
	return []cache.Option{
		cache.WithInlineThreshold(c.MaxBodySize),
		cache.WithSweepConcurrency(c.SweepConcurrency),
		cache.WithLogger(logger),
	}
}

func invalid(key, format string, args ...any) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidConfig, key, fmt.Sprintf(format, args...))
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool accepts true/false, 1/0, yes/no and on/off.
func getEnvBool(key string, defaultValue bool, errs *[]error) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		*errs = append(*errs, invalid(key, "not a boolean: %q", value))
		return defaultValue
	}
}

func getEnvInt(key string, defaultValue int, errs *[]error) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, invalid(key, "not an integer: %q", value))
		return defaultValue
	}
	return n
}

// getEnvDuration accepts Go durations ("90s", "15m") and bare integers as seconds.
func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}

	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, invalid(key, "not a duration: %q", value))
		return defaultValue
	}
	return d
}
