package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	fileRecordExt = ".json"
	blobDirName   = "blobs"
)

// FileBackend keeps every record as a JSON file in a local directory. It is
// meant for development and single-host deployments.
type FileBackend struct {
	dir string

	// mu orders record replacement against conditional deletes.
	mu sync.Mutex
}

var _ Backend = (*FileBackend)(nil)

// fileRecord is the on-disk form of a Metadata record.
type fileRecord struct {
	Digest    string `json:"digest"`
	Payload   string `json:"payload,omitempty"`
	TTL       *int64 `json:"ttl"`
	CreatedAt string `json:"created_at"`
	BlobRef   string `json:"blob_ref,omitempty"`
}

// NewFileBackend creates the cache directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New("cache directory cannot be empty")
	}
	if err := os.MkdirAll(filepath.Join(dir, blobDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// Dir returns the cache directory.
func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) recordPath(digest string) (string, error) {
	if digest == "" {
		return "", fmt.Errorf("invalid digest: empty")
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("invalid digest %q", digest)
	}
	return filepath.Join(b.dir, digest+fileRecordExt), nil
}

func (b *FileBackend) blobPath(ref string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if ref == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob ref %q", ref)
	}
	return filepath.Join(b.dir, blobDirName, clean), nil
}

// GetMetadata reads <dir>/<digest>.json.
func (b *FileBackend) GetMetadata(ctx context.Context, digest string) (*Metadata, error) {
	path, err := b.recordPath(digest)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read record: %w", err)
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, corruptf("digest %s: %v", digest, err)
	}
	if rec.TTL == nil {
		return nil, corruptf("digest %s: ttl missing", digest)
	}

	md := &Metadata{
		Digest:    digest,
		ExpiresAt: *rec.TTL,
		Payload:   rec.Payload,
		BlobRef:   rec.BlobRef,
	}
	if rec.CreatedAt != "" {
		md.CreatedAt, err = time.Parse(time.RFC3339, rec.CreatedAt)
		if err != nil {
			return nil, corruptf("digest %s: created_at %q", digest, rec.CreatedAt)
		}
	}
	return md, nil
}

// PutMetadata atomically replaces the record file.
func (b *FileBackend) PutMetadata(ctx context.Context, md *Metadata) error {
	path, err := b.recordPath(md.Digest)
	if err != nil {
		return err
	}
	expiresAt := md.ExpiresAt
	rec := fileRecord{
		Digest:    md.Digest,
		TTL:       &expiresAt,
		CreatedAt: md.CreatedAt.UTC().Format(time.RFC3339),
	}
	if md.BlobRef != "" {
		rec.BlobRef = md.BlobRef
	} else {
		rec.Payload = md.Payload
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return writeFileAtomic(path, data)
}

// DeleteMetadata removes the record file.
func (b *FileBackend) DeleteMetadata(ctx context.Context, digest string) error {
	path, err := b.recordPath(digest)
	if err != nil {
		return err
	}
	return removeFile(path)
}

// DeleteMetadataIf re-reads the record file and removes it only when its
// expiry still equals expiresAt.
func (b *FileBackend) DeleteMetadataIf(ctx context.Context, digest string, expiresAt int64) (bool, error) {
	path, err := b.recordPath(digest)
	if err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read record: %w", err)
	}
	if recordExpiresAt(data) != expiresAt {
		return false, nil
	}
	if err := removeFile(path); err != nil {
		return false, err
	}
	return true, nil
}

// recordExpiresAt returns the expiry stored in a record file, or 0 when it
// cannot be read.
func recordExpiresAt(data []byte) int64 {
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.TTL == nil {
		return 0
	}
	return *rec.TTL
}

// GetBlob reads a blob file.
func (b *FileBackend) GetBlob(ctx context.Context, ref string) ([]byte, error) {
	path, err := b.blobPath(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("blob %s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// PutBlob writes a blob file. The content type is implied by the record format.
func (b *FileBackend) PutBlob(ctx context.Context, ref string, data []byte, contentType string) error {
	path, err := b.blobPath(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}
	return writeFileAtomic(path, data)
}

// DeleteBlob removes a blob file and its now empty digest directory.
func (b *FileBackend) DeleteBlob(ctx context.Context, ref string) error {
	path, err := b.blobPath(ref)
	if err != nil {
		return err
	}
	if err := removeFile(path); err != nil {
		return err
	}
	// Fails harmlessly while other blobs of the digest remain.
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// ScanExpired reads every record file in the directory.
func (b *FileBackend) ScanExpired(ctx context.Context, now time.Time) ([]Metadata, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("read cache directory: %w", err)
	}

	cutoff := now.Unix()
	var expired []Metadata
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileRecordExt) {
			continue
		}
		digest := strings.TrimSuffix(name, fileRecordExt)
		if _, err := hex.DecodeString(digest); err != nil || digest == "" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(b.dir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read record: %w", err)
		}
		md := Metadata{Digest: digest, ExpiresAt: recordExpiresAt(data)}
		var rec fileRecord
		if err := json.Unmarshal(data, &rec); err == nil {
			md.BlobRef = rec.BlobRef
		}
		if md.ExpiresAt < cutoff {
			expired = append(expired, md)
		}
	}
	return expired, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}
