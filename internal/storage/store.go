package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Kinds of archived documents.
const (
	KindManifest = "manifest"
	KindReceipt  = "receipt"
)

// ErrNotFound is returned by Get for a missing document.
var ErrNotFound = errors.New("archive object not found")

// ArchiveRef names an archived document.
type ArchiveRef struct {
	Currency string // "arweave"
	Kind     string // "manifest" | "receipt"
	ID       string // item id
}

// Path returns the storage key for this document.
func (r ArchiveRef) Path(prefix string) string {
	return fmt.Sprintf("%s%s/%s/%s.json", prefix, r.Currency, r.Kind, r.ID)
}

func (r ArchiveRef) validate() error {
	if r.Currency == "" || r.Kind == "" || r.ID == "" {
		return fmt.Errorf("incomplete archive ref %+v", r)
	}
	if strings.ContainsAny(r.ID, "/\\") || strings.Contains(r.ID, "..") {
		return fmt.Errorf("invalid archive id %q", r.ID)
	}
	return nil
}

// ArchiveStore keeps copies of manifests and receipts next to the uploads.
type ArchiveStore interface {
	// Put writes data atomically: readers see the old object or the new
	// one, never a partial write.
	Put(ctx context.Context, ref ArchiveRef, data []byte) error

	// Get reads a document, returning ErrNotFound when absent.
	Get(ctx context.Context, ref ArchiveRef) ([]byte, error)

	// Exists checks if a document is present.
	Exists(ctx context.Context, ref ArchiveRef) (bool, error)

	// URI returns the canonical URI for the given ref.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(ref ArchiveRef) string

	// Close releases any resources.
	Close() error
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string // "local" | "gcs" | "s3" | "mem"

	// Local filesystem
	LocalDir string

	// GCS or S3 bucket name
	Bucket string

	// S3 (also works for B2, R2, MinIO)
	Endpoint string
	Region   string

	// Common
	Prefix string // "archive/" (path prefix within bucket or local dir)
}

// NewArchiveStore creates a storage backend based on configuration.
func NewArchiveStore(ctx context.Context, cfg StorageConfig) (ArchiveStore, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for gcs backend")
		}
		return OpenBucketStore(ctx, "gs://"+cfg.Bucket, cfg.Prefix)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for s3 backend")
		}
		return OpenBucketStore(ctx, s3URL(cfg.Bucket, cfg.Endpoint, cfg.Region), cfg.Prefix)
	case "mem":
		return OpenBucketStore(ctx, "mem://", cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// s3URL builds a gocloud URL. Works with AWS S3, Backblaze B2, Cloudflare
// R2, and MinIO.
func s3URL(bucket, endpoint, region string) string {
	bucketURL := fmt.Sprintf("s3://%s", bucket)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}
	return bucketURL
}
