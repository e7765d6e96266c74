// Package chunked moves items that are too large for a single request into
// object storage, writing them chunk by chunk.
package chunked

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/logging"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/metrics"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/upload"
)

const (
	DefaultChunkSize   = 25 * 1024 * 1024
	DefaultConcurrency = 5
)

// ErrNotSigned is returned when UploadTransaction receives raw data.
var ErrNotSigned = errors.New("chunked transaction upload requires a signed item")

// Config controls how items are split.
type Config struct {
	ChunkSize   int
	Concurrency int
	// Prefix is prepended to every object key.
	Prefix string
}

// BlobUploader implements upload.ChunkedUploader over a gocloud bucket.
type BlobUploader struct {
	bucket *blob.Bucket
	cfg    Config
	log    *slog.Logger
}

// Open opens bucketURL (file://, gs://, s3:// or mem://) and returns an
// uploader that owns it.
func Open(ctx context.Context, bucketURL string, cfg Config) (*BlobUploader, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open chunk bucket %s: %w", bucketURL, err)
	}
	return New(bucket, cfg), nil
}

// New wraps an open bucket.
func New(bucket *blob.Bucket, cfg Config) *BlobUploader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Prefix != "" && !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	return &BlobUploader{
		bucket: bucket,
		cfg:    cfg,
		log:    logging.Component("chunked"),
	}
}

// Key is the object key for an item.
func (b *BlobUploader) Key(currency, id string) string {
	return fmt.Sprintf("%stx/%s/%s", b.cfg.Prefix, currency, id)
}

// UploadTransaction writes a signed item's envelope.
func (b *BlobUploader) UploadTransaction(ctx context.Context, p upload.Payload, opts upload.ChunkOptions) (*upload.Result, error) {
	item, ok := upload.AsItem(p)
	if !ok {
		return nil, ErrNotSigned
	}
	data, err := item.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}

	key := b.Key(opts.Currency, item.ID())
	if err := b.write(ctx, key, data, opts); err != nil {
		return nil, err
	}

	if opts.GetReceipt {
		// Object storage has no signer to issue one.
		b.log.Warn("receipt requested on chunked path, none issued", "item_id", item.ID())
	}
	b.log.Info("chunked upload complete", "item_id", item.ID(), "key", key, "bytes", len(data))
	return &upload.Result{ID: item.ID()}, nil
}

// UploadData signs raw data with opts.Signer, then writes it.
func (b *BlobUploader) UploadData(ctx context.Context, p upload.Payload, opts upload.ChunkOptions) (*upload.Result, error) {
	if opts.Signer == nil {
		return nil, fmt.Errorf("chunked data upload: no signer")
	}
	item, err := upload.BuildItem(p, opts.Signer, opts.Item)
	if err != nil {
		return nil, err
	}
	return b.UploadTransaction(ctx, upload.SignedItem{Item: item}, opts)
}

func (b *BlobUploader) write(ctx context.Context, key string, data []byte, opts upload.ChunkOptions) error {
	w, err := b.bucket.NewWriter(ctx, key, &blob.WriterOptions{
		BufferSize:     b.cfg.ChunkSize,
		MaxConcurrency: b.cfg.Concurrency,
		ContentType:    "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	total := int64(len(data))
	var written int64
	for chunk := 0; written < total; chunk++ {
		end := written + int64(b.cfg.ChunkSize)
		if end > total {
			end = total
		}
		if _, err := w.Write(data[written:end]); err != nil {
			w.Close()
			return fmt.Errorf("write chunk %d of %s: %w", chunk, key, err)
		}
		written = end

		if m := metrics.Get(); m != nil {
			m.IncChunksWritten(metrics.Labels{Currency: opts.Currency})
		}
		if opts.Progress != nil {
			opts.Progress(upload.ChunkProgress{Chunk: chunk, Written: written, Total: total})
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// Close releases the bucket.
func (b *BlobUploader) Close() error {
	if b.bucket != nil {
		return b.bucket.Close()
	}
	return nil
}

var _ upload.ChunkedUploader = (*BlobUploader)(nil)
