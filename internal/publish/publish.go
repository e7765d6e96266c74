// Package publish uploads a folder: every file becomes a signed item, and a
// path manifest pointing at those items is uploaded last.
package publish

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/arbundles"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/audit"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/logging"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/manifest"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/metadata"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/metrics"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/scheduler"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/source"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/storage"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/upload"
)

// ErrIncomplete is returned when at least one file failed. No manifest is
// uploaded for an incomplete folder; a later run resumes from the
// checkpoint.
var ErrIncomplete = errors.New("folder upload incomplete")

// Config is fixed for the lifetime of a Publisher.
type Config struct {
	// ContentType overrides detection for every file when set.
	ContentType string
	GetReceipt  bool
	Tags        []arbundles.Tag
	Batch       scheduler.Options
}

// Deps are the collaborators a Publisher drives. Archive, Checkpoints,
// Catalog and Audit are optional.
type Deps struct {
	Uploader    *upload.Uploader
	Source      source.Source
	Archive     storage.ArchiveStore
	Checkpoints checkpoint.Manager
	Catalog     metadata.Writer
	Audit       audit.Emitter
}

// Request is one folder upload.
type Request struct {
	// IndexFile is the manifest index path, relative to the folder root.
	IndexFile string
	// Force ignores the checkpoint and uploads every file again.
	Force bool
}

// File is one uploaded file.
type File struct {
	Path        string
	ID          string
	Size        int64
	ContentType string
	Chunked     bool
	ReceiptURI  string
	Digest      string
}

// Report describes a run. It is returned even when Run fails.
type Report struct {
	BatchID     string
	Root        string
	Uploaded    []File
	Skipped     int
	Errors      []error
	Aborted     bool
	ManifestID  string
	ManifestURI string
	// AuditHash is the hash of the audit event for the manifest, if one
	// was emitted.
	AuditHash string
	Duration  time.Duration
}

// Publisher runs folder uploads.
type Publisher struct {
	cfg         Config
	uploader    *upload.Uploader
	src         source.Source
	archive     storage.ArchiveStore
	checkpoints checkpoint.Manager
	catalog     metadata.Writer
	audit       audit.Emitter
	log         *slog.Logger
}

// New creates a Publisher. Uploader and Source are required.
func New(cfg Config, deps Deps) (*Publisher, error) {
	if deps.Uploader == nil {
		return nil, errors.New("publisher requires an uploader")
	}
	if deps.Source == nil {
		return nil, errors.New("publisher requires a source")
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints, _ = checkpoint.NewManager(checkpoint.Config{})
	}
	if deps.Catalog == nil {
		deps.Catalog, _ = metadata.NewWriter(context.Background(), metadata.CatalogConfig{})
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewEmitter(audit.Config{})
	}
	return &Publisher{
		cfg:         cfg,
		uploader:    deps.Uploader,
		src:         deps.Source,
		archive:     deps.Archive,
		checkpoints: deps.Checkpoints,
		catalog:     deps.Catalog,
		audit:       deps.Audit,
		log:         logging.Component("publish").With("root", deps.Source.Root()),
	}, nil
}

// uploaded is what a worker hands back before catalog bookkeeping.
type uploaded struct {
	res         *upload.Result
	contentType string
	chunked     bool
	digest      string
}

// Run uploads every file not yet in the checkpoint, then the manifest.
func (p *Publisher) Run(ctx context.Context, req Request) (*Report, error) {
	start := time.Now()
	currency := p.uploader.Currency().Name()
	root := p.src.Root()
	report := &Report{Root: root}
	defer func() { report.Duration = time.Since(start) }()

	entries, err := p.src.List(ctx)
	if err != nil {
		return report, fmt.Errorf("list source: %w", err)
	}
	if len(entries) == 0 {
		return report, fmt.Errorf("no files under %s", root)
	}
	if req.IndexFile != "" && !containsPath(entries, req.IndexFile) {
		return report, fmt.Errorf("%w: %q", manifest.ErrUnknownIndexTarget, req.IndexFile)
	}

	cp, err := p.loadCheckpoint(ctx, currency, root, req.Force)
	if err != nil {
		return report, err
	}

	var pending []source.Entry
	for _, e := range entries {
		if done, ok := cp.Lookup(e.Path); ok && p.unchanged(ctx, e, done) {
			report.Skipped++
			continue
		}
		pending = append(pending, e)
	}
	if report.Skipped > 0 {
		p.log.Info("resuming from checkpoint", "skipped", report.Skipped, "pending", len(pending))
		if m := metrics.Get(); m != nil {
			m.AddItemsSkipped(metrics.Labels{Currency: currency}, float64(report.Skipped))
		}
	}

	batchOpts := p.cfg.Batch
	batchOpts.Operation = "upload-dir"
	batchOpts.Logger = p.log

	transform := func(e source.Entry, u uploaded, _ int) (File, error) {
		f := File{Path: e.Path, ID: u.res.ID, Size: e.Size, ContentType: u.contentType, Chunked: u.chunked, Digest: u.digest}
		if u.res.Receipt != nil && p.archive != nil {
			uri, err := storage.WriteReceipt(ctx, p.archive, currency, u.res.Receipt)
			if err != nil {
				// A paid item stays in the checkpoint regardless.
				p.log.Warn("archive receipt failed", "path", e.Path, "item_id", f.ID, "error", err)
			} else {
				f.ReceiptURI = uri
			}
		}
		return f, nil
	}

	out := scheduler.RunWith(ctx, pending, func(ctx context.Context, e source.Entry, _ int) (uploaded, error) {
		return p.uploadFile(ctx, e)
	}, transform, batchOpts)
	batchID := out.BatchID

	report.BatchID = batchID
	report.Uploaded = out.Results
	report.Errors = out.Errors
	report.Aborted = out.Aborted

	for _, f := range out.Results {
		cp.Record(f.Path, checkpoint.Entry{ID: f.ID, Size: f.Size, Digest: f.Digest})
		rec := metadata.UploadRecord{
			BatchID:     batchID,
			Currency:    currency,
			ItemID:      f.ID,
			SourceRoot:  root,
			Path:        f.Path,
			ContentType: f.ContentType,
			ByteSize:    f.Size,
			Chunked:     f.Chunked,
			ReceiptURI:  f.ReceiptURI,
			UploadedAt:  time.Now().UTC(),
		}
		if err := p.catalog.RecordUpload(ctx, rec); err != nil {
			p.log.Warn("catalog upload record failed", "path", f.Path, "error", err)
		}
	}
	if len(out.Results) > 0 {
		if err := p.checkpoints.Save(ctx, cp); err != nil {
			p.log.Error("save checkpoint failed", "error", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if len(out.Errors) > 0 {
		if fatal := out.Fatal(batchOpts.IsFatal); fatal != nil {
			return report, fmt.Errorf("%w: %w", ErrIncomplete, fatal)
		}
		return report, fmt.Errorf("%w: %d of %d files failed", ErrIncomplete, len(out.Errors), len(pending))
	}

	if len(pending) == 0 && cp.ManifestID != "" && cp.Index == req.IndexFile {
		report.ManifestID = cp.ManifestID
		p.log.Info("folder unchanged, keeping manifest", "manifest_id", cp.ManifestID)
		return report, nil
	}

	// Only paths still present in the source go into the manifest.
	paths := make(map[string]string, len(entries))
	for _, e := range entries {
		if done, ok := cp.Lookup(e.Path); ok {
			paths[e.Path] = done.ID
		}
	}
	if err := p.publishManifest(ctx, cp, paths, req.IndexFile, batchID, report); err != nil {
		return report, err
	}

	p.log.Info("folder uploaded",
		"batch_id", batchID,
		"uploaded", len(report.Uploaded),
		"skipped", report.Skipped,
		"manifest_id", report.ManifestID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}

func (p *Publisher) loadCheckpoint(ctx context.Context, currency, root string, force bool) (*checkpoint.Checkpoint, error) {
	if force {
		return checkpoint.New(currency, root), nil
	}
	cp, err := p.checkpoints.Load(ctx, currency, root)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return checkpoint.New(currency, root), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

// unchanged reports whether e still has the bytes recorded in done. Files
// whose size moved are not read.
func (p *Publisher) unchanged(ctx context.Context, e source.Entry, done checkpoint.Entry) bool {
	if done.Digest == "" || (e.Size >= 0 && done.Size != e.Size) {
		return false
	}
	data, err := p.read(ctx, e)
	if err != nil {
		p.log.Warn("cannot check checkpointed file, uploading again", "path", e.Path, "error", err)
		return false
	}
	return contentDigest(data) == done.Digest
}

func (p *Publisher) read(ctx context.Context, e source.Entry) ([]byte, error) {
	rc, err := p.src.Open(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", e.Path, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", e.Path, err)
	}
	return data, nil
}

func contentDigest(data []byte) string {
	return "sha256:" + hex.EncodeToString(arbundles.Digest(data))
}

// uploadFile reads one entry, signs it with a Content-Type tag and uploads
// it.
func (p *Publisher) uploadFile(ctx context.Context, e source.Entry) (uploaded, error) {
	data, err := p.read(ctx, e)
	if err != nil {
		return uploaded{}, err
	}

	signer, err := p.uploader.Currency().Signer()
	if err != nil {
		return uploaded{}, err
	}
	tags := upload.WithContentType(p.cfg.Tags, p.cfg.ContentType, e.Path, data)
	ct, _ := upload.ContentTypeTag(tags)
	item, err := upload.BuildItem(upload.RawBytes(data), signer, arbundles.ItemOptions{Tags: tags})
	if err != nil {
		return uploaded{}, fmt.Errorf("sign %s: %w", e.Path, err)
	}

	payload := upload.SignedItem{Item: item}
	opts := upload.UploadOptions{GetReceipt: p.cfg.GetReceipt}
	res, err := p.uploader.UploadItem(ctx, payload, opts)
	if err != nil {
		return uploaded{}, err
	}
	return uploaded{
		res:         res,
		contentType: ct,
		chunked:     p.uploader.WillChunk(payload, opts),
		digest:      contentDigest(data),
	}, nil
}

func (p *Publisher) publishManifest(ctx context.Context, cp *checkpoint.Checkpoint, paths map[string]string, index, batchID string, report *Report) error {
	m, err := manifest.FromMap(paths, index)
	if err != nil {
		return fmt.Errorf("build manifest: %w", err)
	}
	data, err := m.Bytes()
	if err != nil {
		return err
	}
	signer, err := p.uploader.Currency().Signer()
	if err != nil {
		return err
	}
	item, err := upload.BuildItem(upload.RawBytes(data), signer, arbundles.ItemOptions{Tags: m.Tags()})
	if err != nil {
		return fmt.Errorf("sign manifest: %w", err)
	}

	opts := p.cfg.Batch
	opts.Operation = "manifest"
	opts.Logger = p.log
	out := scheduler.Run(ctx, []*arbundles.Item{item}, func(ctx context.Context, it *arbundles.Item, _ int) (*upload.Result, error) {
		return p.uploader.UploadItem(ctx, upload.SignedItem{Item: it}, upload.UploadOptions{})
	}, opts)
	if len(out.Errors) > 0 {
		return fmt.Errorf("upload manifest: %w", out.Errors[0])
	}
	if len(out.Results) == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("upload manifest: not attempted")
	}

	currency := p.uploader.Currency().Name()
	report.ManifestID = out.Results[0].Res.ID
	cp.ManifestID = report.ManifestID
	cp.Index = index
	if err := p.checkpoints.Save(ctx, cp); err != nil {
		p.log.Error("save checkpoint failed", "error", err)
	}

	if p.archive != nil {
		uri, err := storage.WriteManifest(ctx, p.archive, currency, report.ManifestID, data)
		if err != nil {
			p.log.Warn("archive manifest failed", "manifest_id", report.ManifestID, "error", err)
		} else {
			report.ManifestURI = uri
		}
	}

	rec := metadata.ManifestRecord{
		BatchID:     batchID,
		Currency:    currency,
		ManifestID:  report.ManifestID,
		SourceRoot:  cp.Root,
		IndexPath:   index,
		PathCount:   len(paths),
		StorageURI:  report.ManifestURI,
		PublishedAt: time.Now().UTC(),
	}
	if err := p.catalog.RecordManifest(ctx, rec); err != nil {
		p.log.Warn("catalog manifest record failed", "error", err)
	}

	evt := p.auditEvent(cp, paths, index, batchID, report)
	if err := p.audit.Emit(ctx, evt); err != nil {
		p.log.Warn("audit emit failed", "manifest_id", report.ManifestID, "error", err)
	} else {
		report.AuditHash = evt.Chain.EventHash
	}
	return nil
}

// auditEvent describes every path in the manifest. Content types are only
// known for files uploaded in this run.
func (p *Publisher) auditEvent(cp *checkpoint.Checkpoint, paths map[string]string, index, batchID string, report *Report) *audit.Event {
	types := make(map[string]string, len(report.Uploaded))
	for _, f := range report.Uploaded {
		types[f.Path] = f.ContentType
	}
	items := make(map[string]audit.ItemInfo, len(paths))
	for rel, id := range paths {
		done, _ := cp.Lookup(rel)
		items[rel] = audit.ItemInfo{ID: id, ByteSize: done.Size, ContentType: types[rel]}
	}
	return &audit.Event{
		Publication: audit.Publication{
			Currency:    p.uploader.Currency().Name(),
			Root:        cp.Root,
			BatchID:     batchID,
			ManifestID:  report.ManifestID,
			IndexPath:   index,
			ManifestURI: report.ManifestURI,
		},
		Items: items,
	}
}

func containsPath(entries []source.Entry, p string) bool {
	for _, e := range entries {
		if e.Path == p {
			return true
		}
	}
	return false
}
