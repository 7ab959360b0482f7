package concurrent

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ForEach runs action for each element of items with at most limit
// goroutines in flight. It waits for all of them and returns the first
// error; the context passed to action is cancelled once one fails.
// A non-positive limit means no bound.
func ForEach[T any](ctx context.Context, items []T, limit int, action func(context.Context, T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return action(gctx, item)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ParallelMute runs action for each element in a separate goroutine and
// ignores any errors.
func ParallelMute[T any](items []T, action func(T) error) {
	wg := sync.WaitGroup{}
	for _, item := range items {
		wg.Add(1)
		go func(value T) {
			defer wg.Done()
			_ = action(value)
		}(item)
	}
	wg.Wait()
}
