package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/arbundles"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/audit"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/currency"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/manifest"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/metadata"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/scheduler"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/source"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/storage"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/upload"
)

// node accepts items on /tx/arweave. reject decides per item whether to
// answer with a failure status instead of 201.
type node struct {
	srv      *httptest.Server
	mu       sync.Mutex
	items    []*arbundles.Item
	posts    atomic.Int32
	reject   func(*arbundles.Item) int
	receipts arbundles.Signer
}

func newNode(t *testing.T) *node {
	t.Helper()
	n := &node{}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.posts.Add(1)
		body, _ := io.ReadAll(r.Body)
		it, err := arbundles.ParseItem(body)
		if err != nil || r.URL.Path != "/tx/arweave" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n.mu.Lock()
		reject, receipts := n.reject, n.receipts
		n.mu.Unlock()
		if reject != nil {
			if status := reject(it); status != 0 {
				w.WriteHeader(status)
				return
			}
		}

		n.mu.Lock()
		n.items = append(n.items, it)
		n.mu.Unlock()

		w.WriteHeader(http.StatusCreated)
		if r.Header.Get("x-proof-type") == "receipt" && receipts != nil {
			rc := &upload.Receipt{ID: it.ID(), Timestamp: time.Now().UnixMilli(), Version: "1.0.0", DeadlineHeight: 100}
			if err := upload.SignReceipt(rc, receipts); err == nil {
				json.NewEncoder(w).Encode(rc)
			}
		}
	}))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *node) setReject(f func(*arbundles.Item) int) {
	n.mu.Lock()
	n.reject = f
	n.mu.Unlock()
}

func (n *node) received() []*arbundles.Item {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*arbundles.Item(nil), n.items...)
}

func (n *node) manifests() []*arbundles.Item {
	var out []*arbundles.Item
	for _, it := range n.received() {
		if ct, _ := it.Tag("Content-Type"); ct == manifest.ContentType {
			out = append(out, it)
		}
	}
	return out
}

// catalog records rows in memory.
type catalog struct {
	mu        sync.Mutex
	uploads   []metadata.UploadRecord
	manifests []metadata.ManifestRecord
}

func (c *catalog) RecordUpload(_ context.Context, rec metadata.UploadRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploads = append(c.uploads, rec)
	return nil
}

func (c *catalog) RecordManifest(_ context.Context, rec metadata.ManifestRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manifests = append(c.manifests, rec)
	return nil
}

func (c *catalog) Close() error { return nil }

type fixture struct {
	node        *node
	dir         string
	archive     *storage.BucketStore
	checkpoints checkpoint.Manager
	catalog     *catalog
	audit       *audit.FileEmitter
	auditDir    string
	signer      *arbundles.Ed25519Signer
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	}
	cps, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: t.TempDir()})
	require.NoError(t, err)
	signer, err := arbundles.GenerateKeypair()
	require.NoError(t, err)

	archive := storage.NewBucketStore(memblob.OpenBucket(nil), "mem://archive", "")
	t.Cleanup(func() { archive.Close() })

	auditDir := t.TempDir()
	emitter, err := audit.NewFileEmitter(auditDir, audit.ProducerInfo{Name: "test"})
	require.NoError(t, err)

	return &fixture{
		node:        newNode(t),
		dir:         dir,
		archive:     archive,
		checkpoints: cps,
		catalog:     &catalog{},
		audit:       emitter,
		auditDir:    auditDir,
		signer:      signer,
	}
}

func (f *fixture) publisher(t *testing.T, cfg Config) *Publisher {
	t.Helper()
	src, err := source.NewLocalSource(f.dir, source.SourceConfig{})
	require.NoError(t, err)
	up := upload.New(upload.Config{BaseURL: f.node.srv.URL}, currency.New("arweave", f.signer), nil)

	cfg.Batch.Attempts = 2
	cfg.Batch.InitialBackoff = time.Millisecond
	cfg.Batch.MaxBackoff = 2 * time.Millisecond
	p, err := New(cfg, Deps{
		Uploader:    up,
		Source:      src,
		Archive:     f.archive,
		Checkpoints: f.checkpoints,
		Catalog:     f.catalog,
		Audit:       f.audit,
	})
	require.NoError(t, err)
	return p
}

var site = map[string]string{
	"index.html":   "<html><body>hello</body></html>",
	"css/site.css": "body { color: red }",
	"logo":         "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR",
}

func TestRunUploadsFilesThenManifest(t *testing.T) {
	f := newFixture(t, site)
	report, err := f.publisher(t, Config{}).Run(context.Background(), Request{IndexFile: "index.html"})
	require.NoError(t, err)

	assert.NotEmpty(t, report.BatchID)
	assert.Len(t, report.Uploaded, 3)
	assert.Empty(t, report.Errors)
	assert.NotEmpty(t, report.ManifestID)
	assert.Equal(t, "mem://archive/arweave/manifest/"+report.ManifestID+".json", report.ManifestURI)

	ids := map[string]string{}
	for _, file := range report.Uploaded {
		ids[file.Path] = file.ID
	}
	byID := map[string]*arbundles.Item{}
	for _, it := range f.node.received() {
		byID[it.ID()] = it
	}
	ct, _ := byID[ids["index.html"]].Tag("Content-Type")
	assert.Equal(t, "text/html; charset=utf-8", ct)
	ct, _ = byID[ids["logo"]].Tag("Content-Type")
	assert.Equal(t, "image/png", ct)

	mans := f.node.manifests()
	require.Len(t, mans, 1)
	assert.Equal(t, report.ManifestID, mans[0].ID())
	var m manifest.Manifest
	require.NoError(t, json.Unmarshal(mans[0].Data, &m))
	assert.Equal(t, "index.html", m.Index())
	for p, id := range ids {
		got, ok := m.Lookup(p)
		assert.True(t, ok, p)
		assert.Equal(t, id, got)
	}

	archived, err := f.archive.Get(context.Background(), storage.ArchiveRef{Currency: "arweave", Kind: storage.KindManifest, ID: report.ManifestID})
	require.NoError(t, err)
	assert.Equal(t, mans[0].Data, archived)

	assert.Len(t, f.catalog.uploads, 3)
	require.Len(t, f.catalog.manifests, 1)
	assert.Equal(t, 3, f.catalog.manifests[0].PathCount)
	assert.Equal(t, report.BatchID, f.catalog.manifests[0].BatchID)

	require.NotEmpty(t, report.AuditHash)
	data, err := os.ReadFile(filepath.Join(f.auditDir, "arweave_"+report.ManifestID+".json"))
	require.NoError(t, err)
	var evt audit.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, report.AuditHash, evt.Chain.EventHash)
	assert.Equal(t, evt.Chain.EventHash, audit.ComputeEventHash(&evt))
	assert.Len(t, evt.Items, 3)
	assert.Equal(t, ids["index.html"], evt.Items["index.html"].ID)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t, site)
	f.node.setReject(func(it *arbundles.Item) int {
		if string(it.Data) == site["css/site.css"] {
			return http.StatusInternalServerError
		}
		return 0
	})

	report, err := f.publisher(t, Config{}).Run(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncomplete))
	assert.Len(t, report.Uploaded, 2)
	require.Len(t, report.Errors, 1)
	var item *scheduler.ItemError
	assert.True(t, errors.As(report.Errors[0], &item))
	assert.Empty(t, report.ManifestID)
	assert.Empty(t, f.node.manifests(), "no manifest for an incomplete folder")

	f.node.setReject(nil)
	report, err = f.publisher(t, Config{}).Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	require.Len(t, report.Uploaded, 1)
	assert.Equal(t, "css/site.css", report.Uploaded[0].Path)

	mans := f.node.manifests()
	require.Len(t, mans, 1)
	var m manifest.Manifest
	require.NoError(t, json.Unmarshal(mans[0].Data, &m))
	assert.Len(t, m.Entries(), 3)
}

func TestRunReuploadsFileEditedInPlace(t *testing.T) {
	f := newFixture(t, site)
	first, err := f.publisher(t, Config{}).Run(context.Background(), Request{})
	require.NoError(t, err)
	var oldID string
	for _, file := range first.Uploaded {
		if file.Path == "css/site.css" {
			oldID = file.ID
			assert.Contains(t, file.Digest, "sha256:")
		}
	}
	require.NotEmpty(t, oldID)

	edited := "body { color: blu }"
	require.Len(t, edited, len(site["css/site.css"]))
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "css", "site.css"), []byte(edited), 0644))

	report, err := f.publisher(t, Config{}).Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	require.Len(t, report.Uploaded, 1)
	assert.Equal(t, "css/site.css", report.Uploaded[0].Path)
	assert.NotEqual(t, oldID, report.Uploaded[0].ID)

	mans := f.node.manifests()
	require.Len(t, mans, 2)
	var m manifest.Manifest
	require.NoError(t, json.Unmarshal(mans[1].Data, &m))
	id, ok := m.Lookup("css/site.css")
	assert.True(t, ok)
	assert.Equal(t, report.Uploaded[0].ID, id)
}

func TestRunForceUploadsEverything(t *testing.T) {
	f := newFixture(t, site)
	_, err := f.publisher(t, Config{}).Run(context.Background(), Request{})
	require.NoError(t, err)

	first := f.node.manifests()[0].ID()
	data, err := os.ReadFile(filepath.Join(f.auditDir, "arweave_"+first+".json"))
	require.NoError(t, err)
	var prev audit.Event
	require.NoError(t, json.Unmarshal(data, &prev))

	report, err := f.publisher(t, Config{}).Run(context.Background(), Request{Force: true})
	require.NoError(t, err)
	assert.Zero(t, report.Skipped)
	assert.Len(t, report.Uploaded, 3)
	assert.Len(t, f.node.manifests(), 2)

	data, err = os.ReadFile(filepath.Join(f.auditDir, "arweave_"+report.ManifestID+".json"))
	require.NoError(t, err)
	var next audit.Event
	require.NoError(t, json.Unmarshal(data, &next))
	assert.Equal(t, prev.Chain.EventHash, next.Chain.PrevEventHash, "republishing a root extends its audit chain")
}

func TestRunInsufficientFundsAborts(t *testing.T) {
	files := map[string]string{}
	for _, n := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		files[n+".txt"] = n
	}
	f := newFixture(t, files)
	f.node.setReject(func(*arbundles.Item) int { return http.StatusPaymentRequired })

	report, err := f.publisher(t, Config{Batch: scheduler.Options{Concurrency: 1}}).Run(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncomplete))
	assert.True(t, upload.IsInsufficientFunds(err))
	assert.True(t, report.Aborted)
	assert.Equal(t, int32(1), f.node.posts.Load())
	assert.Empty(t, report.ManifestID)
}

func TestUnknownIndexFailsBeforeUploading(t *testing.T) {
	f := newFixture(t, site)
	_, err := f.publisher(t, Config{}).Run(context.Background(), Request{IndexFile: "missing.html"})
	assert.True(t, errors.Is(err, manifest.ErrUnknownIndexTarget))
	assert.Zero(t, f.node.posts.Load())
}

func TestReceiptsAreArchived(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "alpha"})
	nodeKey, err := arbundles.GenerateKeypair()
	require.NoError(t, err)
	f.node.receipts = nodeKey

	report, err := f.publisher(t, Config{GetReceipt: true}).Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, report.Uploaded, 1)
	file := report.Uploaded[0]
	assert.Equal(t, "mem://archive/arweave/receipt/"+file.ID+".json", file.ReceiptURI)

	rc, err := storage.ReadReceipt(context.Background(), f.archive, "arweave", file.ID, nil)
	require.NoError(t, err)
	ok, err := rc.Verify()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, file.ReceiptURI, f.catalog.uploads[0].ReceiptURI)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestEmptyFolder(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.publisher(t, Config{}).Run(context.Background(), Request{})
	assert.Error(t, err)
	assert.Zero(t, f.node.posts.Load())
}

func TestUnchangedFolderKeepsManifest(t *testing.T) {
	f := newFixture(t, site)
	first, err := f.publisher(t, Config{}).Run(context.Background(), Request{IndexFile: "index.html"})
	require.NoError(t, err)
	posts := f.node.posts.Load()

	again, err := f.publisher(t, Config{}).Run(context.Background(), Request{IndexFile: "index.html"})
	require.NoError(t, err)
	assert.Equal(t, first.ManifestID, again.ManifestID)
	assert.Equal(t, 3, again.Skipped)
	assert.Equal(t, posts, f.node.posts.Load(), "nothing new to upload")

	// A different index needs a new manifest but no file uploads.
	moved, err := f.publisher(t, Config{}).Run(context.Background(), Request{IndexFile: "css/site.css"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ManifestID, moved.ManifestID)
	assert.Empty(t, moved.Uploaded)
	assert.Equal(t, posts+1, f.node.posts.Load())
}
