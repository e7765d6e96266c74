package source

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/logging"
)

// LocalSource reads files from the local filesystem.
type LocalSource struct {
	basePath string
	cfg      SourceConfig
	log      *slog.Logger
}

// NewLocalSource creates a new local filesystem source.
func NewLocalSource(basePath string, cfg SourceConfig) (*LocalSource, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid local path %s: %w", basePath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local path %s is not a directory", basePath)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", basePath, err)
	}

	return &LocalSource{
		basePath: abs,
		cfg:      cfg,
		log:      logging.Component("source").With("root", abs),
	}, nil
}

// List walks the directory tree. Entries are sorted by path.
func (s *LocalSource) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := filepath.WalkDir(s.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != s.basePath && !s.cfg.IncludeHidden && isHidden(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(s.basePath, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if e, ok := entryFor(filepath.ToSlash(rel), p, info.Size(), s.cfg); ok {
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	s.log.Info("indexed files", "count", len(entries))
	return entries, nil
}

// Open opens an entry returned by List.
func (s *LocalSource) Open(ctx context.Context, e Entry) (io.ReadCloser, error) {
	f, err := os.Open(e.Key)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", e.Path, err)
	}
	return open(f, e)
}

// Root returns the absolute directory.
func (s *LocalSource) Root() string {
	return s.basePath
}

// Close is a no-op for local files.
func (s *LocalSource) Close() error {
	return nil
}
