package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
)

// DefaultThreshold is the batch size used when Options.Threshold is not positive.
const DefaultThreshold = 1_000_000

type (
	// Options configures an Ingestor.
	Options struct {
		// Threshold is the number of buffered items that triggers a flush.
		Threshold int
		// Prepare runs Prepare on the sink before the first append.
		Prepare bool
		// Force drops an existing destination during Prepare.
		Force bool
		// UniqueKey is the attribute the destination enforces uniqueness on.
		UniqueKey string
		// Limiter, when set, throttles flushes.
		Limiter *rate.Limiter
		Logger  *slog.Logger
	}

	// Stats counts what an Ingestor did.
	Stats struct {
		Appended int64
		Flushed  int64
		Batches  int64
	}

	// Ingestor accumulates items and writes them to a Sink in batches. It is owned by a
	// single unit of work and is not safe for concurrent use.
	Ingestor[T any] struct {
		sink   Sink[T]
		opts   Options
		buf    []T
		stats  Stats
		closed bool
		logger *slog.Logger
	}
)

// Prepare makes sink ready for a fresh ingestion. An existing destination is a conflict
// unless force is set, in which case it is dropped. The unique constraint on uniqueKey is
// created afterwards.
func Prepare[T any](ctx context.Context, sink Sink[T], force bool, uniqueKey string) error {
	exists, err := sink.Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", sink.Name(), err)
	}

	if exists {
		if !force {
			return fmt.Errorf("%w: %s", ErrCollectionConflict, sink.Name())
		}

		if err := sink.DropIfExists(ctx); err != nil {
			return fmt.Errorf("failed to drop %s: %w", sink.Name(), err)
		}
	}

	if err := sink.EnsureUnique(ctx, uniqueKey); err != nil {
		return fmt.Errorf("failed to create unique index on %s(%s): %w", sink.Name(), uniqueKey, err)
	}

	return nil
}

// Open returns an Ingestor writing to sink, preparing the destination first when asked.
func Open[T any](ctx context.Context, sink Sink[T], opts Options) (*Ingestor[T], error) {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if opts.Prepare {
		if err := Prepare(ctx, sink, opts.Force, opts.UniqueKey); err != nil {
			return nil, err
		}
	}

	return &Ingestor[T]{
		sink:   sink,
		opts:   opts,
		buf:    make([]T, 0, min(opts.Threshold, 4096)),
		logger: logger.With(slog.String("destination", sink.Name())),
	}, nil
}

// Append buffers item, flushing synchronously once the buffer reaches the threshold.
func (in *Ingestor[T]) Append(ctx context.Context, item T) error {
	if in.closed {
		return ErrIngestorClosed
	}

	in.buf = append(in.buf, item)
	in.stats.Appended++

	if len(in.buf) >= in.opts.Threshold {
		return in.Flush(ctx)
	}

	return nil
}

// Flush writes the buffer in one request and empties it. A failed flush keeps nothing:
// the unit is expected to stop.
func (in *Ingestor[T]) Flush(ctx context.Context) error {
	if len(in.buf) == 0 {
		return nil
	}

	if in.opts.Limiter != nil {
		if err := in.opts.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("flush throttled: %w", err)
		}
	}

	batch := in.buf
	in.buf = in.buf[:0]

	n, err := in.sink.AppendBatch(ctx, batch)
	if err != nil {
		in.logger.Error("flush failed",
			slog.Int("batch", len(batch)),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("flush of %d items to %s: %w", len(batch), in.sink.Name(), err)
	}

	in.stats.Flushed += int64(n)
	in.stats.Batches++

	in.logger.Debug("batch flushed", slog.Int("items", n), slog.Int64("total", in.stats.Flushed))

	return nil
}

// Close flushes what is left and closes the sink. Calling it again is a no-op.
func (in *Ingestor[T]) Close(ctx context.Context) error {
	if in.closed {
		return nil
	}

	in.closed = true

	flushErr := in.Flush(ctx)
	closeErr := in.sink.Close()

	return errors.Join(flushErr, closeErr)
}

// Abort drops the buffered items and closes the sink. Batches already flushed stay.
func (in *Ingestor[T]) Abort() error {
	if in.closed {
		return nil
	}

	in.closed = true

	if n := len(in.buf); n > 0 {
		in.logger.Warn("buffered items dropped", slog.Int("items", n))
	}

	in.buf = in.buf[:0]

	return in.sink.Close()
}

// Stats returns the counters so far.
func (in *Ingestor[T]) Stats() Stats {
	return in.stats
}

// Buffered returns the number of items waiting for the next flush.
func (in *Ingestor[T]) Buffered() int {
	return len(in.buf)
}
