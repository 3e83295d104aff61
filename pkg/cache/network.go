package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/redis/go-redis/v9"
)

// Redis layout of the primary tier.
const (
	MetadataKeyPrefix = "dejafoo:meta:"

	fieldTTL       = "ttl"
	fieldCreatedAt = "created_at"
	fieldResponse  = "response"
	fieldBlobRef   = "blob_ref"

	scanBatchSize = 100
)

// BlobAPI is the subset of the S3 client used by the blob tier.
type BlobAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

var _ BlobAPI = (*s3.Client)(nil)

// deleteIfScript deletes KEYS[1] when its ttl field equals ARGV[1]. For
// ARGV[1] == "0" a missing or non-integer ttl also matches.
var deleteIfScript = redis.NewScript(`
local ttl = redis.call("HGET", KEYS[1], "ttl")
if ttl == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
if ARGV[1] == "0" and (not ttl or not string.match(ttl, "^%-?%d+$")) then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NetworkBackend keeps metadata in Redis hashes and large payloads in an S3 bucket.
type NetworkBackend struct {
	redis  *redis.Client
	blobs  BlobAPI
	bucket string
}

var _ Backend = (*NetworkBackend)(nil)

// NewNetworkBackend creates a backend over a Redis client and an S3 bucket.
func NewNetworkBackend(redisClient *redis.Client, blobs BlobAPI, bucket string) *NetworkBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if blobs == nil {
		panic("blob client cannot be nil")
	}
	return &NetworkBackend{
		redis:  redisClient,
		blobs:  blobs,
		bucket: bucket,
	}
}

func metadataKey(digest string) string {
	return MetadataKeyPrefix + digest
}

// GetMetadata loads the hash stored for digest.
func (b *NetworkBackend) GetMetadata(ctx context.Context, digest string) (*Metadata, error) {
	fields, err := b.redis.HGetAll(ctx, metadataKey(digest)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	ttl, err := strconv.ParseInt(fields[fieldTTL], 10, 64)
	if err != nil {
		return nil, corruptf("digest %s: ttl %q", digest, fields[fieldTTL])
	}

	md := &Metadata{
		Digest:    digest,
		ExpiresAt: ttl,
		Payload:   fields[fieldResponse],
		BlobRef:   fields[fieldBlobRef],
	}
	if created := fields[fieldCreatedAt]; created != "" {
		md.CreatedAt, err = time.Parse(time.RFC3339, created)
		if err != nil {
			return nil, corruptf("digest %s: created_at %q", digest, created)
		}
	}
	return md, nil
}

// PutMetadata replaces the hash for md.Digest in one transaction so a record
// never mixes fields from an inline and a blob write.
func (b *NetworkBackend) PutMetadata(ctx context.Context, md *Metadata) error {
	key := metadataKey(md.Digest)
	values := []any{
		fieldTTL, strconv.FormatInt(md.ExpiresAt, 10),
		fieldCreatedAt, md.CreatedAt.UTC().Format(time.RFC3339),
	}
	if md.BlobRef != "" {
		values = append(values, fieldBlobRef, md.BlobRef)
	} else {
		values = append(values, fieldResponse, md.Payload)
	}

	_, err := b.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, values...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

// DeleteMetadata removes the hash for digest.
func (b *NetworkBackend) DeleteMetadata(ctx context.Context, digest string) error {
	if err := b.redis.Del(ctx, metadataKey(digest)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeleteMetadataIf removes the hash for digest in one script call when its ttl
// still equals expiresAt.
func (b *NetworkBackend) DeleteMetadataIf(ctx context.Context, digest string, expiresAt int64) (bool, error) {
	n, err := deleteIfScript.Run(ctx, b.redis, []string{metadataKey(digest)}, strconv.FormatInt(expiresAt, 10)).Int()
	if err != nil {
		return false, fmt.Errorf("redis delete-if: %w", err)
	}
	return n == 1, nil
}

// GetBlob downloads a payload from the bucket.
func (b *NetworkBackend) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	out, err := b.blobs.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		return nil, b.translateError(err, "GetObject", ref)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", ref, err)
	}
	return data, nil
}

// PutBlob uploads a payload to the bucket.
func (b *NetworkBackend) PutBlob(ctx context.Context, ref string, data []byte, contentType string) error {
	_, err := b.blobs.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(ref),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return b.translateError(err, "PutObject", ref)
	}
	return nil
}

// DeleteBlob removes a payload from the bucket. Missing objects are not an error.
func (b *NetworkBackend) DeleteBlob(ctx context.Context, ref string) error {
	_, err := b.blobs.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		err = b.translateError(err, "DeleteObject", ref)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// ScanExpired iterates every metadata hash with SCAN and reads the ttl and
// blob_ref fields in pipelined batches.
func (b *NetworkBackend) ScanExpired(ctx context.Context, now time.Time) ([]Metadata, error) {
	cutoff := now.Unix()
	var expired []Metadata

	iter := b.redis.Scan(ctx, 0, MetadataKeyPrefix+"*", scanBatchSize).Iterator()
	batch := make([]string, 0, scanBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		cmds := make([]*redis.SliceCmd, len(batch))
		_, err := b.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, key := range batch {
				cmds[i] = pipe.HMGet(ctx, key, fieldTTL, fieldBlobRef)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis hmget: %w", err)
		}

		for i, cmd := range cmds {
			vals := cmd.Val()
			if len(vals) != 2 {
				continue
			}
			ttlStr, _ := vals[0].(string)
			blobRef, _ := vals[1].(string)
			if vals[0] == nil && vals[1] == nil {
				// Deleted between SCAN and HMGET.
				continue
			}

			md := Metadata{
				Digest:  strings.TrimPrefix(batch[i], MetadataKeyPrefix),
				BlobRef: blobRef,
			}
			ttl, err := strconv.ParseInt(ttlStr, 10, 64)
			if err == nil {
				md.ExpiresAt = ttl
			}
			if md.ExpiresAt < cutoff {
				expired = append(expired, md)
			}
		}
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return expired, nil
}

func (b *NetworkBackend) translateError(err error, operation, key string) error {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return fmt.Errorf("object %s: %w", key, ErrNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("object %s: %w", key, ErrNotFound)
		}
	}
	return fmt.Errorf("%s failed for %s: %w", operation, key, err)
}
