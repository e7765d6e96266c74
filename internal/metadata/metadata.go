// Package metadata records uploads and manifests in a catalog so a folder
// can be traced back to the items that were paid for.
package metadata

import (
	"context"
	"time"
)

type CatalogConfig struct {
	PostgresDSN string
	Namespace   string
}

// UploadRecord is one uploaded item.
type UploadRecord struct {
	BatchID     string
	Currency    string
	ItemID      string
	SourceRoot  string
	Path        string
	ContentType string
	ByteSize    int64
	Chunked     bool
	ReceiptURI  string
	UploadedAt  time.Time
}

// ManifestRecord is one uploaded manifest.
type ManifestRecord struct {
	BatchID     string
	Currency    string
	ManifestID  string
	SourceRoot  string
	IndexPath   string
	PathCount   int
	StorageURI  string
	PublishedAt time.Time
}

type Writer interface {
	RecordUpload(ctx context.Context, rec UploadRecord) error
	RecordManifest(ctx context.Context, rec ManifestRecord) error
	Close() error
}

// NewWriter returns a PostgreSQL writer when a DSN is configured and a
// no-op writer otherwise.
func NewWriter(ctx context.Context, cfg CatalogConfig) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(ctx, cfg)
}

type noopWriter struct{}

func (noopWriter) RecordUpload(_ context.Context, _ UploadRecord) error     { return nil }
func (noopWriter) RecordManifest(_ context.Context, _ ManifestRecord) error { return nil }
func (noopWriter) Close() error                                             { return nil }
