// Package scheduler runs uploads over a bounded worker pool with per-item
// retries and a batch-wide stop on fatal failures.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/logging"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/metrics"
	"github.com/withObsrvr/obsrvr-bundle-uploader/internal/upload"
)

const (
	DefaultConcurrency    = 5
	DefaultAttempts       = 3
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 10 * time.Second
)

// Options configure one run. Zero values select the defaults.
type Options struct {
	Concurrency    int
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Limiter paces attempts across all workers when set.
	Limiter *rate.Limiter

	// Progress receives a count message every Concurrency-th completion.
	// An error from it is logged and otherwise ignored.
	Progress func(msg string) error

	// IsFatal stops the whole batch. Defaults to upload.IsInsufficientFunds.
	IsFatal func(error) bool
	// IsPermanent skips the remaining attempts for one item. Defaults to
	// the inverse of upload.IsRetryable.
	IsPermanent func(error) bool

	// Operation labels logs and metrics.
	Operation string
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Attempts < 1 {
		o.Attempts = DefaultAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.IsFatal == nil {
		o.IsFatal = upload.IsInsufficientFunds
	}
	if o.IsPermanent == nil {
		o.IsPermanent = func(err error) bool { return !upload.IsRetryable(err) }
	}
	if o.Operation == "" {
		o.Operation = "upload"
	}
	if o.Logger == nil {
		o.Logger = logging.Component("scheduler")
	}
	return o
}

// Result is the default per-item outcome.
type Result[T, R any] struct {
	Item  T
	Res   R
	Index int
}

// ItemError records which input failed.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Outcome is the result of a run. Results are in completion order and
// Errors in the order they occurred. Partial failure is data, not an error.
type Outcome[O any] struct {
	BatchID string
	Results []O
	Errors  []error
	// Aborted is set when a fatal failure stopped scheduling.
	Aborted bool
}

// Fatal returns the error that aborted the batch, if any.
func (o *Outcome[O]) Fatal(isFatal func(error) bool) error {
	if isFatal == nil {
		isFatal = upload.IsInsufficientFunds
	}
	for _, err := range o.Errors {
		if isFatal(err) {
			return err
		}
	}
	return nil
}

// Func uploads one item. index is the item's position in the input.
type Func[T, R any] func(ctx context.Context, item T, index int) (R, error)

// Run uploads items with the default result shape.
func Run[T, R any](ctx context.Context, items []T, fn Func[T, R], opts Options) *Outcome[Result[T, R]] {
	return RunWith(ctx, items, fn, func(item T, res R, i int) (Result[T, R], error) {
		return Result[T, R]{Item: item, Res: res, Index: i}, nil
	}, opts)
}

// RunWith uploads items and maps each success through transform. A
// transform error is recorded like any other item failure.
func RunWith[T, R, O any](ctx context.Context, items []T, fn Func[T, R], transform func(T, R, int) (O, error), opts Options) *Outcome[O] {
	opts = opts.withDefaults()

	out := &Outcome[O]{BatchID: uuid.NewString()}
	log := opts.Logger.With("batch_id", out.BatchID, "items", len(items), "concurrency", opts.Concurrency)
	log.Info("starting batch", "operation", opts.Operation)
	start := time.Now()

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		aborted   atomic.Bool
		completed int
		sem       = make(chan struct{}, opts.Concurrency)
	)

	finish := func(res O, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			out.Errors = append(out.Errors, err)
		} else {
			out.Results = append(out.Results, res)
		}
		completed++
		if completed%opts.Concurrency == 0 {
			msg := fmt.Sprintf("Processed %d items", completed)
			log.Info(msg)
			if opts.Progress != nil {
				if perr := opts.Progress(msg); perr != nil {
					log.Warn("progress callback failed", "error", perr)
				}
			}
		}
	}

dispatch:
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break dispatch
		}
		if aborted.Load() {
			<-sem
			break dispatch
		}

		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			defer func() { <-sem }()

			if m := metrics.Get(); m != nil {
				m.IncInFlight()
				defer m.DecInFlight()
			}

			ilog := logging.ItemLogger(ctx, log, i)
			res, err := attempt(ctx, item, i, fn, opts, ilog)
			if err != nil {
				// Set before the slot is released so the dispatcher sees it.
				if opts.IsFatal(err) && aborted.CompareAndSwap(false, true) {
					ilog.Error("fatal failure, stopping batch", "error", err)
					if m := metrics.Get(); m != nil {
						m.IncBatchAborts(metrics.Labels{Reason: upload.Reason(err)})
					}
				} else {
					ilog.Warn("item failed", "error", err)
				}
				finish(*new(O), &ItemError{Index: i, Err: err})
				return
			}

			o, err := transform(item, res, i)
			if err != nil {
				ilog.Warn("result transform failed", "error", err)
				finish(o, &ItemError{Index: i, Err: fmt.Errorf("transform result: %w", err)})
				return
			}
			finish(o, nil)
		}(i, item)
	}

	wg.Wait()
	out.Aborted = aborted.Load()

	outcome := "ok"
	switch {
	case out.Aborted:
		outcome = "aborted"
	case len(out.Errors) > 0:
		outcome = "partial"
	}
	if m := metrics.Get(); m != nil {
		m.ObserveBatchDuration(outcome, time.Since(start).Seconds())
	}
	log.Info("batch finished",
		"outcome", outcome,
		"succeeded", len(out.Results),
		"failed", len(out.Errors),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out
}

// attempt runs fn up to opts.Attempts times with exponential backoff.
func attempt[T, R any](ctx context.Context, item T, i int, fn Func[T, R], opts Options, log *slog.Logger) (R, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialBackoff
	b.MaxInterval = opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(opts.Attempts-1)), ctx)

	tries := 0
	op := func() (R, error) {
		tries++
		if opts.Limiter != nil {
			if err := opts.Limiter.Wait(ctx); err != nil {
				var zero R
				return zero, backoff.Permanent(err)
			}
		}
		res, err := fn(ctx, item, i)
		if err == nil {
			return res, nil
		}
		if opts.IsFatal(err) || opts.IsPermanent(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	notify := func(err error, wait time.Duration) {
		log.Debug("retrying", "attempt", tries, "wait", wait, "error", err)
		if m := metrics.Get(); m != nil {
			m.IncRetryAttempts(metrics.Labels{Operation: opts.Operation})
		}
	}

	res, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return res, err
	}
	return res, nil
}
