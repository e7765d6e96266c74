package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint records which files of a folder upload already have an item
// identifier, so an interrupted run can resume without paying twice.
type Checkpoint struct {
	Currency   string           `json:"currency"`
	Root       string           `json:"root"`
	Entries    map[string]Entry `json:"entries"`
	ManifestID string           `json:"manifest_id,omitempty"`
	// Index is the index path ManifestID was built with.
	Index      string           `json:"index,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Entry is one uploaded file. Digest is "sha256:" plus the hex digest of
// the file's bytes; an entry without one is never treated as current.
type Entry struct {
	ID     string `json:"id"`
	Size   int64  `json:"size"`
	Digest string `json:"digest,omitempty"`
}

// New returns an empty checkpoint for a folder.
func New(currency, root string) *Checkpoint {
	return &Checkpoint{Currency: currency, Root: root, Entries: map[string]Entry{}}
}

// Lookup returns the recorded entry for path.
func (c *Checkpoint) Lookup(path string) (Entry, bool) {
	e, ok := c.Entries[path]
	return e, ok
}

// Record marks path as uploaded. A recorded path invalidates any manifest.
func (c *Checkpoint) Record(path string, e Entry) {
	if c.Entries == nil {
		c.Entries = map[string]Entry{}
	}
	c.Entries[path] = e
	c.ManifestID = ""
	c.Index = ""
}

// Paths returns the recorded path to id mapping.
func (c *Checkpoint) Paths() map[string]string {
	out := make(map[string]string, len(c.Entries))
	for p, e := range c.Entries {
		out[p] = e.ID
	}
	return out
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint for a currency and source root.
	Load(ctx context.Context, currency, root string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// fileManager persists checkpoints to local files.
type fileManager struct {
	dir string
}

// checkpointPath names the file for a currency and root. Roots are hashed
// since they may be paths or bucket URLs.
func (m *fileManager) checkpointPath(currency, root string) string {
	sum := sha256.Sum256([]byte(root))
	filename := fmt.Sprintf("checkpoint_%s_%s.json", currency, hex.EncodeToString(sum[:8]))
	return filepath.Join(m.dir, filename)
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context, currency, root string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath(currency, root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}
	if cp.Root != root || cp.Currency != currency {
		return nil, ErrNoCheckpoint
	}
	if cp.Entries == nil {
		cp.Entries = map[string]Entry{}
	}
	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	path := m.checkpointPath(cp.Currency, cp.Root)
	cp.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, currency, root string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}
