package cache

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/redis/go-redis/v9"
)

const testBucket = "dejafoo-test"

// fakeBlobs is an in-memory stand-in for the S3 bucket.
type fakeBlobs struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	err          error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

func (f *fakeBlobs) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeBlobs) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = data
	f.contentTypes[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBlobs) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeBlobs) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeBlobs) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// setupMiniRedis starts an in-memory Redis server for one test.
func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
	})
	return mr, client
}

func newTestNetworkBackend(t *testing.T) (*NetworkBackend, *miniredis.Miniredis, *fakeBlobs) {
	t.Helper()

	mr, client := setupMiniRedis(t)
	blobs := newFakeBlobs()
	return NewNetworkBackend(client, blobs, testBucket), mr, blobs
}

func newTestFileBackend(t *testing.T) *FileBackend {
	t.Helper()

	b, err := NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	return b
}

// forEachBackend runs fn once against every Backend implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, backend Backend)) {
	t.Helper()

	t.Run("network", func(t *testing.T) {
		backend, _, _ := newTestNetworkBackend(t)
		fn(t, backend)
	})
	t.Run("file", func(t *testing.T) {
		fn(t, newTestFileBackend(t))
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingBackend fails every operation with err.
type failingBackend struct {
	err error
}

func (b failingBackend) GetMetadata(context.Context, string) (*Metadata, error) {
	return nil, b.err
}

func (b failingBackend) PutMetadata(context.Context, *Metadata) error {
	return b.err
}

func (b failingBackend) DeleteMetadata(context.Context, string) error {
	return b.err
}

func (b failingBackend) DeleteMetadataIf(context.Context, string, int64) (bool, error) {
	return false, b.err
}

func (b failingBackend) GetBlob(context.Context, string) ([]byte, error) {
	return nil, b.err
}

func (b failingBackend) PutBlob(context.Context, string, []byte, string) error {
	return b.err
}

func (b failingBackend) DeleteBlob(context.Context, string) error {
	return b.err
}

func (b failingBackend) ScanExpired(context.Context, time.Time) ([]Metadata, error) {
	return nil, b.err
}

// blockingBackend parks ScanExpired until release is closed.
type blockingBackend struct {
	Backend
	started chan struct{}
	release chan struct{}
}

func (b *blockingBackend) ScanExpired(ctx context.Context, now time.Time) ([]Metadata, error) {
	close(b.started)
	<-b.release
	return b.Backend.ScanExpired(ctx, now)
}

// rewritingBackend runs afterScan once ScanExpired has taken its snapshot.
type rewritingBackend struct {
	Backend
	afterScan func()
}

func (b *rewritingBackend) ScanExpired(ctx context.Context, now time.Time) ([]Metadata, error) {
	expired, err := b.Backend.ScanExpired(ctx, now)
	if err == nil && b.afterScan != nil {
		b.afterScan()
	}
	return expired, err
}
