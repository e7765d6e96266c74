// Package upload sends signed items to a bundling node, choosing between a
// single direct request and the chunked transfer path, and packs many items
// into one bundle upload.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/arbundles"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/currency"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/logging"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/metrics"
)

// DefaultChunkThreshold is the serialized size at which an item goes
// through the chunked path instead of one request.
const DefaultChunkThreshold int64 = 50_000_000

const (
	pathDirect  = "direct"
	pathChunked = "chunked"

	maxErrorBody = 4096
)

// Config is fixed at construction. Per-call overrides go in UploadOptions.
type Config struct {
	// BaseURL is protocol://host:port of the node.
	BaseURL        string
	ChunkThreshold int64
	ForceChunking  bool
	// ContentType overrides sniffing for items signed from raw data when
	// the caller did not tag one. It is not checked against a MIME table.
	ContentType string
	Headers     map[string]string
	Timeout     time.Duration
}

// UploadOptions apply to a single call.
type UploadOptions struct {
	GetReceipt    bool
	ForceChunking bool
	Headers       map[string]string
	// Tags and Anchor are used when raw data is signed on the caller's behalf.
	Tags     []arbundles.Tag
	Anchor   string
	Progress func(ChunkProgress)
}

// ChunkProgress is reported after each chunk on the chunked path.
type ChunkProgress struct {
	Chunk   int
	Written int64
	Total   int64
}

// ChunkOptions is what the chunked collaborator receives.
type ChunkOptions struct {
	Currency   string
	Signer     arbundles.Signer
	Item       arbundles.ItemOptions
	GetReceipt bool
	Progress   func(ChunkProgress)
}

// ChunkedUploader transfers payloads too large for one request.
type ChunkedUploader interface {
	// UploadTransaction sends an already signed item.
	UploadTransaction(ctx context.Context, p Payload, opts ChunkOptions) (*Result, error)
	// UploadData signs raw data with opts.Signer and sends it.
	UploadData(ctx context.Context, p Payload, opts ChunkOptions) (*Result, error)
}

// Result identifies an uploaded item. Receipt is set only when one was
// requested.
type Result struct {
	ID      string   `json:"id"`
	Receipt *Receipt `json:"receipt,omitempty"`
}

// Uploader sends items for one currency.
type Uploader struct {
	cfg      Config
	currency currency.Config
	chunked  ChunkedUploader
	client   *http.Client
	verifier Verifier
	log      *slog.Logger
}

// Option customizes an Uploader.
type Option func(*Uploader)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(u *Uploader) { u.client = c }
}

// WithVerifier replaces the receipt verifier.
func WithVerifier(v Verifier) Option {
	return func(u *Uploader) { u.verifier = v }
}

// New creates an Uploader.
func New(cfg Config, cur currency.Config, chunked ChunkedUploader, opts ...Option) *Uploader {
	if cfg.ChunkThreshold <= 0 {
		cfg.ChunkThreshold = DefaultChunkThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	u := &Uploader{
		cfg:      cfg,
		currency: cur,
		chunked:  chunked,
		client:   &http.Client{Timeout: cfg.Timeout},
		verifier: DefaultVerifier,
		log:      logging.Component("uploader").With("currency", cur.Name()),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Currency returns the currency this uploader pays with.
func (u *Uploader) Currency() currency.Config {
	return u.currency
}

// UploadItem sends one payload. Signed items smaller than the chunking
// threshold go in a single request; everything else goes through the
// chunked collaborator. The route is decided once per call.
func (u *Uploader) UploadItem(ctx context.Context, p Payload, opts UploadOptions) (*Result, error) {
	item, isItem := AsItem(p)
	path := pathDirect
	if u.WillChunk(p, opts) {
		path = pathChunked
	}

	labels := metrics.Labels{Currency: u.currency.Name(), Path: path}
	start := time.Now()

	var (
		res *Result
		err error
	)
	if path == pathChunked {
		res, err = u.uploadChunked(ctx, p, isItem, opts)
	} else {
		res, err = u.uploadDirect(ctx, item, opts)
	}

	if m := metrics.Get(); m != nil {
		if err != nil {
			labels.Reason = Reason(err)
			m.IncItemsFailed(labels)
		} else {
			m.IncItemsUploaded(labels)
			m.ObserveUploadDuration(labels, time.Since(start).Seconds())
			if size := PayloadSize(p); size > 0 {
				m.AddBytesUploaded(labels, float64(size))
				m.ObserveItemBytes(labels, float64(size))
			}
		}
	}
	if err != nil {
		return nil, err
	}

	u.log.Debug("item uploaded", "item_id", res.ID, "path", path, "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

// WillChunk reports whether UploadItem would send p through the chunked
// collaborator.
func (u *Uploader) WillChunk(p Payload, opts UploadOptions) bool {
	item, isItem := AsItem(p)
	if u.cfg.ForceChunking || opts.ForceChunking || !isItem {
		return true
	}
	return item.Size() >= u.cfg.ChunkThreshold
}

func (u *Uploader) uploadChunked(ctx context.Context, p Payload, isItem bool, opts UploadOptions) (*Result, error) {
	if u.chunked == nil {
		return nil, fmt.Errorf("chunked upload required but no chunked uploader configured")
	}

	copts := ChunkOptions{
		Currency:   u.currency.Name(),
		GetReceipt: opts.GetReceipt,
		Progress:   opts.Progress,
	}
	if isItem {
		return u.chunked.UploadTransaction(ctx, p, copts)
	}

	signer, err := u.currency.Signer()
	if err != nil {
		return nil, err
	}
	copts.Signer = signer
	// Streams are not sniffed; reading them here would consume the reader.
	tags := opts.Tags
	switch v := p.(type) {
	case RawBytes:
		tags = WithContentType(tags, u.cfg.ContentType, "", v)
	case SignedItem:
		if v.Item == nil {
			break
		}
		if _, tagged := ContentTypeTag(v.Item.Tags); !tagged {
			tags = WithContentType(tags, u.cfg.ContentType, "", v.Item.Data)
		}
	default:
		tags = WithContentType(tags, u.cfg.ContentType, "", nil)
	}
	copts.Item = arbundles.ItemOptions{Anchor: opts.Anchor, Tags: tags}
	return u.chunked.UploadData(ctx, p, copts)
}

// uploadDirect posts the serialized item in one request.
func (u *Uploader) uploadDirect(ctx context.Context, item *arbundles.Item, opts UploadOptions) (*Result, error) {
	body, err := item.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}

	endpoint := fmt.Sprintf("%s/tx/%s", u.cfg.BaseURL, u.currency.Name())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	for k, v := range u.cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	if opts.GetReceipt {
		req.Header.Set("x-proof-type", "receipt")
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	u.log.Debug("POST tx", "endpoint", endpoint, "status", resp.StatusCode, "item_id", item.ID())
	return u.classify(resp, respBody, item.ID(), opts.GetReceipt)
}

// classify turns a node response into a result or one of the upload errors.
func (u *Uploader) classify(resp *http.Response, body []byte, id string, getReceipt bool) (*Result, error) {
	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		return nil, ErrInsufficientFunds
	case resp.StatusCode == http.StatusCreated:
		if !getReceipt {
			return &Result{ID: id}, nil
		}
		receipt, err := parseReceipt(body, id, u.verifier)
		if err != nil {
			return nil, err
		}
		return &Result{ID: id, Receipt: receipt}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// The node already holds this item; there is no fresh receipt.
		return &Result{ID: id}, nil
	default:
		status := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
		return nil, &RejectedError{
			StatusCode: resp.StatusCode,
			Status:     status,
			Body:       truncate(body, maxErrorBody),
		}
	}
}
