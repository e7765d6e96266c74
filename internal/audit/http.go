package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/logging"
)

// HTTPEmitter posts events to an endpoint, keeping a local copy first.
type HTTPEmitter struct {
	endpoint string
	client   *http.Client
	chain    *ChainTracker
	backup   *FileBackup
	producer ProducerInfo
	retries  uint64
	delay    time.Duration
	log      *slog.Logger
}

// NewHTTPEmitter creates an emitter for cfg.Endpoint.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	chain, err := NewChainTracker(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}
	backup, err := NewFileBackup(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	return &HTTPEmitter{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		chain:    chain,
		backup:   backup,
		producer: cfg.Producer,
		retries:  2,
		delay:    delay,
		log:      logging.Component("audit").With("endpoint", cfg.Endpoint),
	}, nil
}

// Emit links evt, backs it up locally, then posts it. The chain head only
// advances once the endpoint accepted the event.
func (e *HTTPEmitter) Emit(ctx context.Context, evt *Event) error {
	key := prepare(evt, e.chain, e.producer)

	if prev := evt.Chain.PrevEventHash; prev == "" {
		e.log.Info("emitting first event in chain", "chain", key, "event_hash", evt.Chain.EventHash)
	} else {
		e.log.Info("emitting event", "chain", key, "prev_hash", prev, "event_hash", evt.Chain.EventHash)
	}

	if err := e.backup.Save(evt); err != nil {
		e.log.Warn("backup failed", "error", err)
	}

	if err := e.postWithRetry(ctx, evt); err != nil {
		return fmt.Errorf("audit emit failed: %w", err)
	}

	if err := e.chain.SetHead(key, evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update chain head", "chain", key, "error", err)
	}
	return nil
}

func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.delay
	b.Multiplier = 2
	b.Reset()

	notify := func(err error, wait time.Duration) {
		e.log.Warn("post failed, retrying", "error", err, "wait", wait)
	}
	return backoff.RetryNotify(func() error {
		return e.post(ctx, evt)
	}, backoff.WithContext(backoff.WithMaxRetries(b, e.retries), ctx), notify)
}

func (e *HTTPEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.log.Debug("POST accepted", "status", resp.StatusCode)
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(err)
	}
	return err
}

func (e *HTTPEmitter) Close() error {
	return nil
}
