package trajectory

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// minChunk keeps per-goroutine work large enough to amortise scheduling.
const minChunk = 256

// forEachChunk splits [0, n) into contiguous ranges and runs fn on them
// with at most workers goroutines. fn must only write to indices inside
// its own range.
func forEachChunk(ctx context.Context, n, workers int, fn func(lo, hi int)) error {
	if n == 0 {
		return ctx.Err()
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	chunk := (n + workers - 1) / workers
	if chunk < minChunk {
		chunk = minChunk
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for lo := 0; lo < n; lo += chunk {
		lo, hi := lo, min(lo+chunk, n)
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			fn(lo, hi)
			return nil
		})
	}
	return eg.Wait()
}
