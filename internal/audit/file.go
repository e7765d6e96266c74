package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/logging"
)

// FileBackup keeps a local JSON copy of every event.
type FileBackup struct {
	dir string
	log *slog.Logger
}

// NewFileBackup creates dir if needed.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./audit"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &FileBackup{dir: dir, log: logging.Component("audit")}, nil
}

// Path is where evt is stored: {currency}_{manifest_id}.json.
func (f *FileBackup) Path(evt *Event) string {
	name := fmt.Sprintf("%s_%s.json", evt.Publication.Currency, evt.Publication.ManifestID)
	return filepath.Join(f.dir, name)
}

// Save writes evt.
func (f *FileBackup) Save(evt *Event) error {
	path := f.Path(evt)
	if err := writeJSONAtomic(path, evt); err != nil {
		return fmt.Errorf("back up event: %w", err)
	}
	f.log.Debug("event backed up", "path", path)
	return nil
}

// FileEmitter chains events and writes them to local files only.
type FileEmitter struct {
	chain    *ChainTracker
	backup   *FileBackup
	producer ProducerInfo
	log      *slog.Logger
}

// NewFileEmitter stores events and chain heads under dir.
func NewFileEmitter(dir string, producer ProducerInfo) (*FileEmitter, error) {
	chain, err := NewChainTracker(dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}
	backup, err := NewFileBackup(dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}
	return &FileEmitter{
		chain:    chain,
		backup:   backup,
		producer: producer,
		log:      logging.Component("audit"),
	}, nil
}

// Emit links evt into its chain and writes it.
func (e *FileEmitter) Emit(_ context.Context, evt *Event) error {
	key := prepare(evt, e.chain, e.producer)

	if err := e.backup.Save(evt); err != nil {
		return err
	}
	if err := e.chain.SetHead(key, evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update chain head", "chain", key, "error", err)
	}
	e.log.Info("audit event written", "chain", key, "event_hash", evt.Chain.EventHash)
	return nil
}

func (e *FileEmitter) Close() error {
	return nil
}
