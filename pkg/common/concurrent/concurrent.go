// Package concurrent runs independent jobs on a bounded worker pool and
// collects their results in input order.
package concurrent

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers bounds the fan-out of I/O-bound query jobs.
const DefaultWorkers = 8

// Map runs fn for every item with at most workers goroutines. The first error
// cancels the remaining jobs and is returned. results[i] belongs to items[i].
func Map[T, R any](ctx context.Context, workers int, items []T, fn func(ctx context.Context, item T) (R, error)) ([]R, error) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	results := make([]R, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			res, err := fn(gctx, item)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
