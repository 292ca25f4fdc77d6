// Package workerpool bounds the concurrency of batched fan-out work,
// such as probing chunks of ACL channel logins for live streams.
package workerpool

import (
	"context"
	"sync"
)

// Run feeds items to fn from at most workers goroutines and waits for
// all of them. The first error is remembered and returned once every
// item has been processed; later items still run, so one bad chunk does
// not starve the rest of the batch. A cancelled context stops feeding
// before the next item.
func Run[T any](ctx context.Context, items []T, workers int, fn func(context.Context, T) error) error {
	if len(items) == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	feed := make(chan T)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range feed {
				if err := fn(ctx, item); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}()
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		feed <- item
	}
	close(feed)
	wg.Wait()

	return firstErr
}
