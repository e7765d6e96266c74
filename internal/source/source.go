// Package source enumerates the files of a folder upload, either from a
// local directory or from a bucket prefix.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// Entry is one file to upload.
type Entry struct {
	// Path is the slash-separated path relative to the source root. It is
	// the key used in the manifest.
	Path string
	// Key locates the file in the underlying store.
	Key  string
	Size int64
	// Compressed entries are zstd-decompressed on Open.
	Compressed bool
}

// Source lists files and opens them for reading.
type Source interface {
	List(ctx context.Context) ([]Entry, error)
	Open(ctx context.Context, e Entry) (io.ReadCloser, error)
	// Root describes where entries come from, for logs and checkpoints.
	Root() string
	Close() error
}

type SourceConfig struct {
	Mode      string // "local" | "bucket"
	Dir       string
	BucketURL string
	Prefix    string
	// Decompress strips a .zst suffix from entry paths and decodes
	// the content on Open.
	Decompress    bool
	IncludeHidden bool
}

var ErrInvalidSourceMode = errors.New("invalid source mode")

// NewSource constructs a source based on the configured mode.
func NewSource(ctx context.Context, cfg SourceConfig) (Source, error) {
	switch cfg.Mode {
	case "local", "":
		return NewLocalSource(cfg.Dir, cfg)
	case "bucket":
		return NewBucketSource(ctx, cfg.BucketURL, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSourceMode, cfg.Mode)
	}
}

// entryFor maps a relative slash path to an entry, or reports false when
// the file should be skipped.
func entryFor(rel, key string, size int64, cfg SourceConfig) (Entry, bool) {
	if rel == "" || (!cfg.IncludeHidden && isHidden(rel)) {
		return Entry{}, false
	}
	e := Entry{Path: rel, Key: key, Size: size}
	if cfg.Decompress && IsCompressed(rel) {
		e.Path = strings.TrimSuffix(rel, zstdSuffix)
		e.Compressed = true
		e.Size = -1
	}
	return e, true
}

func isHidden(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// IsCompressed checks if a path names a zstd-compressed file.
func IsCompressed(p string) bool {
	return path.Ext(p) == zstdSuffix
}
