package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/logging"
)

// Config selects an emitter.
type Config struct {
	Enabled bool
	// Endpoint receives events by POST. Events are only written to Dir
	// when empty.
	Endpoint   string
	Dir        string
	RetryDelay time.Duration
	Producer   ProducerInfo
}

// Emitter records published folders.
type Emitter interface {
	Emit(ctx context.Context, evt *Event) error
	Close() error
}

// NewEmitter picks an emitter for cfg. Construction failures fall back to
// a weaker emitter rather than failing the upload.
func NewEmitter(cfg Config) Emitter {
	log := logging.Component("audit")
	if !cfg.Enabled {
		log.Debug("disabled, using no-op emitter")
		return noopEmitter{}
	}

	if cfg.Endpoint != "" {
		emitter, err := NewHTTPEmitter(cfg)
		if err == nil {
			log.Info("using HTTP emitter", "endpoint", cfg.Endpoint)
			return emitter
		}
		log.Warn("failed to create HTTP emitter, falling back to files", "error", err)
	}

	emitter, err := NewFileEmitter(cfg.Dir, cfg.Producer)
	if err != nil {
		log.Warn("failed to create file emitter, using no-op", "error", err)
		return noopEmitter{}
	}
	log.Info("using file emitter", "dir", cfg.Dir)
	return emitter
}

// prepare fills the envelope fields and links evt to its chain head.
func prepare(evt *Event, chain *ChainTracker, producer ProducerInfo) string {
	key := evt.Publication.ChainKey()
	prev, _ := chain.Head(key)

	evt.Version = EventVersion
	if evt.EventType == "" {
		evt.EventType = EventTypePublished
	}
	evt.EventID = "evt_" + uuid.NewString()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Producer.Name == "" {
		evt.Producer = producer
	}
	evt.SetChainHashes(prev)
	return key
}

type noopEmitter struct{}

func (noopEmitter) Emit(_ context.Context, _ *Event) error { return nil }
func (noopEmitter) Close() error                           { return nil }
