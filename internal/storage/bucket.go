package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/memblob" // in-memory driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
	"gocloud.dev/gcerrors"
)

// BucketStore writes archive documents to a gocloud bucket (GCS, S3 or
// in-memory).
type BucketStore struct {
	bucket *blob.Bucket
	url    string
	prefix string
}

// OpenBucketStore opens bucketURL.
func OpenBucketStore(ctx context.Context, bucketURL, prefix string) (*BucketStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewBucketStore(bucket, bucketURL, prefix), nil
}

// NewBucketStore wraps an open bucket. The store takes ownership of it.
func NewBucketStore(bucket *blob.Bucket, bucketURL, prefix string) *BucketStore {
	return &BucketStore{bucket: bucket, url: bucketURL, prefix: prefix}
}

// Put writes to a temporary key, then copies it into place. Object stores
// have no rename, so copy + delete stands in for it.
func (s *BucketStore) Put(ctx context.Context, ref ArchiveRef, data []byte) error {
	if err := ref.validate(); err != nil {
		return err
	}
	key := ref.Path(s.prefix)
	tempKey := key + ".tmp." + uuid.New().String()

	if err := s.bucket.WriteAll(ctx, tempKey, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("write %s: %w", tempKey, err)
	}
	defer s.bucket.Delete(ctx, tempKey) // ignore errors

	if err := s.copyObject(ctx, tempKey, key); err != nil {
		return fmt.Errorf("finalize %s -> %s: %w", tempKey, key, err)
	}
	return nil
}

// copyObject copies an object within the bucket.
func (s *BucketStore) copyObject(ctx context.Context, srcKey, dstKey string) error {
	r, err := s.bucket.NewReader(ctx, srcKey, nil)
	if err != nil {
		return fmt.Errorf("open source %s: %w", srcKey, err)
	}
	defer r.Close()

	w, err := s.bucket.NewWriter(ctx, dstKey, &blob.WriterOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("create destination %s: %w", dstKey, err)
	}

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("copy to %s: %w", dstKey, err)
	}

	return w.Close()
}

// Get reads a document.
func (s *BucketStore) Get(ctx context.Context, ref ArchiveRef) ([]byte, error) {
	if err := ref.validate(); err != nil {
		return nil, err
	}
	key := ref.Path(s.prefix)
	data, err := s.bucket.ReadAll(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Exists checks if a document already exists.
func (s *BucketStore) Exists(ctx context.Context, ref ArchiveRef) (bool, error) {
	return s.bucket.Exists(ctx, ref.Path(s.prefix))
}

// URI returns the canonical URI for the given ref.
func (s *BucketStore) URI(ref ArchiveRef) string {
	base, _, _ := strings.Cut(s.url, "?")
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(base, "/"), ref.Path(s.prefix))
}

// Close releases the bucket connection.
func (s *BucketStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

var _ ArchiveStore = (*BucketStore)(nil)
