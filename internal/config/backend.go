package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/dejafoo/pkg/cache"
)

// Backend is an opened cache backend together with the resources it owns.
type Backend struct {
	cache.Backend

	// Kind is BackendNetwork or BackendFile.
	Kind string

	// Redis is the metadata tier client, nil for the file backend.
	Redis *redis.Client
}

// Close releases the backend's connections.
func (b *Backend) Close() error {
	if b.Redis != nil {
		return b.Redis.Close()
	}
	return nil
}

// OpenBackend builds the cache backend selected by c. The network backend
// pings Redis before returning.
func (c *Config) OpenBackend(ctx context.Context) (*Backend, error) {
	if c.CacheBackend == BackendFile {
		fb, err := cache.NewFileBackend(c.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("open file backend: %w", err)
		}
		return &Backend{Backend: fb, Kind: BackendFile}, nil
	}

	redisClient, err := NewRedisClient(c.RedisURL)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	s3Client, err := c.NewS3Client(ctx)
	if err != nil {
		redisClient.Close()
		return nil, err
	}

	return &Backend{
		Backend: cache.NewNetworkBackend(redisClient, s3Client, c.S3Bucket),
		Kind:    BackendNetwork,
		Redis:   redisClient,
	}, nil
}

// NewRedisClient creates a client for a redis:// (or rediss://) URL or a bare host:port.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	if !strings.Contains(rawURL, "://") {
		return redis.NewClient(&redis.Options{Addr: rawURL}), nil
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: REDIS_URL %v", ErrInvalidConfig, err)
	}
	return redis.NewClient(opts), nil
}

// NewS3Client creates the blob tier client. Static credentials are used when
// configured, otherwise the default AWS credential chain.
func (c *Config) NewS3Client(ctx context.Context) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.AWSRegion),
	}
	if c.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.S3AccessKeyID, c.S3SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(c.S3Endpoint)
		}
		if c.S3ForcePathStyle {
			o.UsePathStyle = true
		}
	}), nil
}
