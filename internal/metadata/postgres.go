package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/logging"
)

// schemaSQL creates the catalog tables. %s is the table name prefix.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS %[1]suploads (
	id            BIGSERIAL PRIMARY KEY,
	batch_id      TEXT NOT NULL,
	currency      TEXT NOT NULL,
	item_id       TEXT NOT NULL,
	source_root   TEXT NOT NULL DEFAULT '',
	path          TEXT NOT NULL DEFAULT '',
	content_type  TEXT NOT NULL DEFAULT '',
	byte_size     BIGINT NOT NULL DEFAULT 0,
	chunked       BOOLEAN NOT NULL DEFAULT FALSE,
	receipt_uri   TEXT,
	uploaded_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (currency, item_id)
);

CREATE INDEX IF NOT EXISTS %[1]suploads_path_idx
	ON %[1]suploads (currency, source_root, path);

CREATE TABLE IF NOT EXISTS %[1]smanifests (
	id            BIGSERIAL PRIMARY KEY,
	batch_id      TEXT NOT NULL,
	currency      TEXT NOT NULL,
	manifest_id   TEXT NOT NULL,
	source_root   TEXT NOT NULL DEFAULT '',
	index_path    TEXT,
	path_count    INTEGER NOT NULL,
	storage_uri   TEXT,
	published_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (currency, manifest_id)
);
`

var namespacePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool   *pgxpool.Pool
	cfg    CatalogConfig
	prefix string
	log    *slog.Logger
}

// tablePrefix turns a namespace into a safe identifier prefix.
func tablePrefix(namespace string) (string, error) {
	if namespace == "" {
		return "_meta_", nil
	}
	if !namespacePattern.MatchString(namespace) {
		return "", fmt.Errorf("invalid catalog namespace %q", namespace)
	}
	return namespace + "_", nil
}

// NewPostgresWriter creates a new PostgreSQL catalog writer.
func NewPostgresWriter(ctx context.Context, cfg CatalogConfig) (*PostgresWriter, error) {
	prefix, err := tablePrefix(cfg.Namespace)
	if err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{
		pool:   pool,
		cfg:    cfg,
		prefix: prefix,
		log:    logging.Component("metadata"),
	}

	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	w.log.Info("connected to PostgreSQL catalog", "prefix", prefix)
	return w, nil
}

// initSchema creates the catalog tables if they don't exist.
func (w *PostgresWriter) initSchema(ctx context.Context) error {
	_, err := w.pool.Exec(ctx, fmt.Sprintf(schemaSQL, w.prefix))
	if err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// RecordUpload writes one uploaded item. Re-recording an item updates it.
func (w *PostgresWriter) RecordUpload(ctx context.Context, rec UploadRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO %suploads (
			batch_id, currency, item_id, source_root, path,
			content_type, byte_size, chunked, receipt_uri, uploaded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (currency, item_id)
		DO UPDATE SET
			batch_id = EXCLUDED.batch_id,
			receipt_uri = COALESCE(EXCLUDED.receipt_uri, %[1]suploads.receipt_uri),
			uploaded_at = EXCLUDED.uploaded_at
	`, w.prefix)

	_, err := w.pool.Exec(ctx, query,
		rec.BatchID,
		rec.Currency,
		rec.ItemID,
		rec.SourceRoot,
		rec.Path,
		rec.ContentType,
		rec.ByteSize,
		rec.Chunked,
		nullable(rec.ReceiptURI),
		timestampOrNow(rec.UploadedAt),
	)
	if err != nil {
		return fmt.Errorf("record upload: %w", err)
	}
	return nil
}

// RecordManifest writes one uploaded manifest.
func (w *PostgresWriter) RecordManifest(ctx context.Context, rec ManifestRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO %smanifests (
			batch_id, currency, manifest_id, source_root, index_path,
			path_count, storage_uri, published_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (currency, manifest_id)
		DO UPDATE SET
			storage_uri = EXCLUDED.storage_uri,
			published_at = EXCLUDED.published_at
	`, w.prefix)

	_, err := w.pool.Exec(ctx, query,
		rec.BatchID,
		rec.Currency,
		rec.ManifestID,
		rec.SourceRoot,
		nullable(rec.IndexPath),
		rec.PathCount,
		nullable(rec.StorageURI),
		timestampOrNow(rec.PublishedAt),
	)
	if err != nil {
		return fmt.Errorf("record manifest: %w", err)
	}

	w.log.Info("recorded manifest", "manifest_id", rec.ManifestID, "paths", rec.PathCount)
	return nil
}

// LastManifest returns the most recent manifest id for a source root, or
// "" when none was published.
func (w *PostgresWriter) LastManifest(ctx context.Context, currency, root string) (string, error) {
	query := fmt.Sprintf(`
		SELECT manifest_id FROM %smanifests
		WHERE currency = $1 AND source_root = $2
		ORDER BY published_at DESC
		LIMIT 1
	`, w.prefix)

	var id string
	err := w.pool.QueryRow(ctx, query, currency, root).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get last manifest: %w", err)
	}
	return id, nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timestampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
