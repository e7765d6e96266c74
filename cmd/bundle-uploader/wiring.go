package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/time/rate"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/arbundles"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/audit"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/chunked"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/config"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/currency"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/metadata"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/scheduler"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/storage"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/upload"
)

// env holds everything built from configuration. Close releases it in
// reverse order of construction.
type env struct {
	cfg      config.Config
	signer   *arbundles.Ed25519Signer
	uploader *upload.Uploader
	archive  storage.ArchiveStore
	closers  []io.Closer
}

func loadSigner(cfg config.Config) (*arbundles.Ed25519Signer, error) {
	if cfg.Currency.KeyFile == "" {
		return nil, errors.New("no key file configured (currency.key_file or KEY_FILE)")
	}
	return currency.LoadKey(cfg.Currency.KeyFile)
}

func newEnv(ctx context.Context, cfg config.Config) (*env, error) {
	signer, err := loadSigner(cfg)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, signer: signer}

	blobs, err := chunked.Open(ctx, cfg.Upload.ChunkBucket, chunked.Config{
		ChunkSize:   cfg.Upload.ChunkSize,
		Concurrency: cfg.Upload.ChunkConcurrency,
		Prefix:      cfg.Upload.ChunkPrefix,
	})
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, blobs)

	e.uploader = upload.New(upload.Config{
		BaseURL:        cfg.Node.URL(),
		ChunkThreshold: cfg.Upload.ChunkThreshold,
		ForceChunking:  cfg.Upload.ForceChunking,
		ContentType:    cfg.Upload.ContentType,
		Headers:        cfg.Node.Headers,
		Timeout:        cfg.Node.Timeout,
	}, currency.New(cfg.Currency.Name, signer), blobs)

	archive, err := storage.NewArchiveStore(ctx, storage.StorageConfig{
		Backend:  cfg.Storage.Backend,
		LocalDir: cfg.Storage.LocalDir,
		Bucket:   cfg.Storage.Bucket,
		Endpoint: cfg.Storage.Endpoint,
		Region:   cfg.Storage.Region,
		Prefix:   cfg.Storage.Prefix,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	e.archive = archive
	e.closers = append(e.closers, archive)
	return e, nil
}

func (e *env) batchOptions() scheduler.Options {
	opts := scheduler.Options{
		Concurrency:    e.cfg.Batch.Concurrency,
		Attempts:       e.cfg.Batch.Attempts,
		InitialBackoff: e.cfg.Batch.InitialBackoff,
		MaxBackoff:     e.cfg.Batch.MaxBackoff,
	}
	if rps := e.cfg.Batch.RequestsPerSecond; rps > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return opts
}

func (e *env) checkpoints() (checkpoint.Manager, error) {
	return checkpoint.NewManager(checkpoint.Config{
		Enabled: e.cfg.Checkpoint.Enabled,
		Dir:     e.cfg.Checkpoint.Dir,
	})
}

func (e *env) catalog(ctx context.Context) (metadata.Writer, error) {
	w, err := metadata.NewWriter(ctx, metadata.CatalogConfig{
		PostgresDSN: e.cfg.Catalog.PostgresDSN,
		Namespace:   e.cfg.Catalog.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	e.closers = append(e.closers, w)
	return w, nil
}

func (e *env) auditEmitter() audit.Emitter {
	em := audit.NewEmitter(audit.Config{
		Enabled:  e.cfg.Audit.Enabled,
		Endpoint: e.cfg.Audit.Endpoint,
		Dir:      e.cfg.Audit.Dir,
		Producer: audit.ProducerInfo{Name: "bundle-uploader", Version: Version, GitSHA: GitSHA},
	})
	e.closers = append(e.closers, em)
	return em
}

func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i].Close())
	}
	return errors.Join(errs...)
}
