package reconcile

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// forEachBatch calls fn for every id, width ids at a time: a batch is started,
// awaited, then followed by pause before the next one. fn errors are its own
// business, only the context stops the walk. after is called once per batch with
// the number of ids done so far.
func forEachBatch(ctx context.Context, ids []string, width int, pause time.Duration,
	sleep func(context.Context, time.Duration) error,
	fn func(ctx context.Context, id string), after func(done int)) error {
	if width < 1 {
		width = 1
	}
	for start := 0; start < len(ids); start += width {
		if start > 0 && pause > 0 {
			if err := sleep(ctx, pause); err != nil {
				return err
			}
		}
		end := min(start+width, len(ids))
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range ids[start:end] {
			g.Go(func() error {
				fn(gctx, id)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if after != nil {
			after(end)
		}
	}
	return nil
}
