package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/arbundles"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/currency"
)

// fakeChunked records calls instead of transferring anything.
type fakeChunked struct {
	mu           sync.Mutex
	transactions []Payload
	data         []Payload
	lastOpts     ChunkOptions
}

func (f *fakeChunked) UploadTransaction(ctx context.Context, p Payload, opts ChunkOptions) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions = append(f.transactions, p)
	f.lastOpts = opts
	it, _ := AsItem(p)
	return &Result{ID: it.ID()}, nil
}

func (f *fakeChunked) UploadData(ctx context.Context, p Payload, opts ChunkOptions) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, p)
	f.lastOpts = opts
	it, err := BuildItem(p, opts.Signer, opts.Item)
	if err != nil {
		return nil, err
	}
	return &Result{ID: it.ID()}, nil
}

// node is a minimal stand-in for the bundling node's /tx endpoint.
type node struct {
	srv      *httptest.Server
	calls    atomic.Int32
	status   int
	body     []byte
	headers  http.Header
	received []byte
	mu       sync.Mutex
}

func newNode(t *testing.T, status int, body []byte) *node {
	t.Helper()
	n := &node{status: status, body: body}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.calls.Add(1)
		data, _ := io.ReadAll(r.Body)
		n.mu.Lock()
		n.headers = r.Header.Clone()
		n.received = data
		n.mu.Unlock()
		if r.URL.Path != "/tx/arweave" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(n.status)
		w.Write(n.body)
	}))
	t.Cleanup(n.srv.Close)
	return n
}

func newTestUploader(t *testing.T, baseURL string, cfg Config) (*Uploader, *fakeChunked, arbundles.Signer) {
	t.Helper()
	s, err := arbundles.GenerateKeypair()
	require.NoError(t, err)
	cfg.BaseURL = baseURL
	fc := &fakeChunked{}
	return New(cfg, currency.New("arweave", s), fc), fc, s
}

func signedItem(t *testing.T, s arbundles.Signer, data string) *arbundles.Item {
	t.Helper()
	it, err := BuildItem(String(data), s, arbundles.ItemOptions{})
	require.NoError(t, err)
	return it
}

func TestSmallSignedItemGoesDirect(t *testing.T) {
	n := newNode(t, http.StatusCreated, []byte(`{"id":"ignored"}`))
	u, fc, s := newTestUploader(t, n.srv.URL, Config{})

	it := signedItem(t, s, "small payload")
	res, err := u.UploadItem(context.Background(), SignedItem{Item: it}, UploadOptions{
		Headers: map[string]string{"x-custom": "1"},
	})
	require.NoError(t, err)

	assert.Equal(t, it.ID(), res.ID, "id comes from the item, not the body")
	assert.Nil(t, res.Receipt)
	assert.Equal(t, int32(1), n.calls.Load())
	assert.Empty(t, fc.transactions)
	assert.Empty(t, fc.data)

	assert.Equal(t, "application/octet-stream", n.headers.Get("Content-Type"))
	assert.Equal(t, "1", n.headers.Get("x-custom"))
	assert.Empty(t, n.headers.Get("x-proof-type"))

	raw, _ := it.Bytes()
	assert.Equal(t, raw, n.received)
}

func TestLargeItemGoesChunked(t *testing.T) {
	n := newNode(t, http.StatusCreated, nil)
	s, err := arbundles.GenerateKeypair()
	require.NoError(t, err)
	it := signedItem(t, s, "pretend this is huge")

	// Threshold equal to the item size: at-or-above routes to chunking.
	u := New(Config{BaseURL: n.srv.URL, ChunkThreshold: it.Size()}, currency.New("arweave", s), &fakeChunked{})
	fc := u.chunked.(*fakeChunked)

	res, err := u.UploadItem(context.Background(), SignedItem{Item: it}, UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, it.ID(), res.ID)
	assert.Len(t, fc.transactions, 1)
	assert.Equal(t, int32(0), n.calls.Load())
}

func TestRawPayloadGoesChunked(t *testing.T) {
	n := newNode(t, http.StatusCreated, nil)
	u, fc, s := newTestUploader(t, n.srv.URL, Config{ContentType: "text/plain"})

	_, err := u.UploadItem(context.Background(), String("raw bytes"), UploadOptions{})
	require.NoError(t, err)

	assert.Len(t, fc.data, 1)
	assert.Equal(t, int32(0), n.calls.Load())
	assert.Equal(t, s.PublicKey(), fc.lastOpts.Signer.PublicKey())
	assert.Contains(t, fc.lastOpts.Item.Tags, arbundles.Tag{Name: "Content-Type", Value: "text/plain"})
}

func TestForceChunking(t *testing.T) {
	n := newNode(t, http.StatusCreated, nil)
	u, fc, s := newTestUploader(t, n.srv.URL, Config{})

	it := signedItem(t, s, "tiny")
	_, err := u.UploadItem(context.Background(), SignedItem{Item: it}, UploadOptions{ForceChunking: true})
	require.NoError(t, err)
	assert.Len(t, fc.transactions, 1)
	assert.Equal(t, int32(0), n.calls.Load())
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"payment required", http.StatusPaymentRequired, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrInsufficientFunds)
			assert.True(t, IsInsufficientFunds(err))
			assert.False(t, IsRetryable(err))
		}},
		{"server error", http.StatusInternalServerError, func(t *testing.T, err error) {
			var rej *RejectedError
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, 500, rej.StatusCode)
			assert.Equal(t, "Internal Server Error", rej.Status)
			assert.True(t, IsRetryable(err))
		}},
		{"bad request", http.StatusBadRequest, func(t *testing.T, err error) {
			var rej *RejectedError
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, 400, rej.StatusCode)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newNode(t, tt.status, []byte("nope"))
			u, _, s := newTestUploader(t, n.srv.URL, Config{})
			_, err := u.UploadItem(context.Background(), SignedItem{Item: signedItem(t, s, "x")}, UploadOptions{})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestReceiptRequested(t *testing.T) {
	nodeKey, err := arbundles.GenerateKeypair()
	require.NoError(t, err)

	n := newNode(t, http.StatusCreated, nil)
	u, _, s := newTestUploader(t, n.srv.URL, Config{})
	it := signedItem(t, s, "with receipt")

	r := &Receipt{ID: it.ID(), Timestamp: 1700000000000, Version: "1.0.0", DeadlineHeight: 1234}
	require.NoError(t, SignReceipt(r, nodeKey))
	n.body = mustJSON(t, r)

	res, err := u.UploadItem(context.Background(), SignedItem{Item: it}, UploadOptions{GetReceipt: true})
	require.NoError(t, err)
	assert.Equal(t, "receipt", n.headers.Get("x-proof-type"))
	require.NotNil(t, res.Receipt)
	assert.Equal(t, int64(1234), res.Receipt.DeadlineHeight)

	ok, err := res.Receipt.Verify()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMalformedReceipt(t *testing.T) {
	n := newNode(t, http.StatusCreated, []byte("not json at all"))
	u, _, s := newTestUploader(t, n.srv.URL, Config{})

	_, err := u.UploadItem(context.Background(), SignedItem{Item: signedItem(t, s, "x")}, UploadOptions{GetReceipt: true})
	var malformed *MalformedReceiptError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, []byte("not json at all"), malformed.Body)
	assert.False(t, IsRetryable(err))
}

func TestReceiptForOtherItemIsMalformed(t *testing.T) {
	n := newNode(t, http.StatusCreated, []byte(`{"id":"someone-else","public":"x","signature":"y"}`))
	u, _, s := newTestUploader(t, n.srv.URL, Config{})

	_, err := u.UploadItem(context.Background(), SignedItem{Item: signedItem(t, s, "x")}, UploadOptions{GetReceipt: true})
	var malformed *MalformedReceiptError
	assert.True(t, errors.As(err, &malformed))
}

func TestFundsMessageFromCollaborator(t *testing.T) {
	err := errors.New("chunk 3: Not enough funds to send data")
	assert.True(t, IsInsufficientFunds(err))
	assert.Equal(t, "insufficient_funds", Reason(err))
}
