package pipeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// unit is one independent piece of work. run reports its own outcome and returns an error
// only when it failed. skip reports the unit as never started.
type unit struct {
	run  func(ctx context.Context) error
	skip func(ctx context.Context)
}

// dispatch runs units and returns the first error seen. A failing unit never cancels the
// others: in parallel mode every unit runs to completion, at most workers at a time.
// Sequential mode stops at the first error. With stopOnError a parallel run starts no new
// unit once one has failed. Units left out are handed to their skip hook.
func dispatch(ctx context.Context, units []unit, parallel bool, workers int, stopOnError bool) error {
	if !parallel {
		for i, u := range units {
			if err := u.run(ctx); err != nil {
				skipAll(ctx, units[i+1:])

				return err
			}
		}

		return nil
	}

	var (
		group  errgroup.Group
		failed atomic.Bool
	)

	group.SetLimit(max(workers, 1))

	for _, u := range units {
		group.Go(func() error {
			if stopOnError && failed.Load() {
				u.skipped(ctx)

				return nil
			}

			if err := u.run(ctx); err != nil {
				failed.Store(true)

				return err
			}

			return nil
		})
	}

	return group.Wait()
}

func (u unit) skipped(ctx context.Context) {
	if u.skip != nil {
		u.skip(ctx)
	}
}

func skipAll(ctx context.Context, units []unit) {
	for _, u := range units {
		u.skipped(ctx)
	}
}
