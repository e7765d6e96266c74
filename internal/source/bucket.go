package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/logging"
)

// BucketSource reads objects under a prefix of a gocloud bucket.
type BucketSource struct {
	bucket *blob.Bucket
	url    string
	prefix string
	cfg    SourceConfig
	log    *slog.Logger
}

// NewBucketSource opens bucketURL (gs://, s3://, file:// or mem://).
func NewBucketSource(ctx context.Context, bucketURL string, cfg SourceConfig) (*BucketSource, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return newBucketSource(bucket, bucketURL, cfg), nil
}

// NewBucketSourceFrom wraps an already opened bucket. The source takes
// ownership of it.
func NewBucketSourceFrom(bucket *blob.Bucket, cfg SourceConfig) *BucketSource {
	return newBucketSource(bucket, "bucket", cfg)
}

func newBucketSource(bucket *blob.Bucket, url string, cfg SourceConfig) *BucketSource {
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &BucketSource{
		bucket: bucket,
		url:    url,
		prefix: prefix,
		cfg:    cfg,
		log:    logging.Component("source").With("root", url+"/"+prefix),
	}
}

// List returns every object under the prefix, sorted by path.
func (s *BucketSource) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry

	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", s.prefix, err)
		}
		if obj.IsDir {
			continue
		}
		rel := strings.TrimPrefix(obj.Key, s.prefix)
		if e, ok := entryFor(rel, obj.Key, obj.Size, s.cfg); ok {
			entries = append(entries, e)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	s.log.Info("indexed objects", "count", len(entries))
	return entries, nil
}

// Open reads an object returned by List.
func (s *BucketSource) Open(ctx context.Context, e Entry) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, e.Key, nil)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", e.Key, err)
	}
	return open(r, e)
}

// Root returns the bucket URL and prefix.
func (s *BucketSource) Root() string {
	return s.url + "/" + s.prefix
}

// Close releases the bucket connection.
func (s *BucketSource) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
