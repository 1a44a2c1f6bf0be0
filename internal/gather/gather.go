// Package gather provides a bounded, non-cancelling fan-out helper, used
// where the discovery engine must run one task per item and collect each
// item's error independently instead of aborting all siblings on the first
// failure. Where any single error should cancel the whole phase, the
// discover engine uses golang.org/x/sync/errgroup instead.
package gather

import (
	"context"
	"sync"
)

// Task is one unit of work handed to Gather; idx is the task's position in
// the input slice, letting callers correlate results positionally.
type Task func(ctx context.Context, idx int) error

// Gather runs each task concurrently, bounded by maxConcurrency (0 means
// unbounded), and returns a slice of errors the same length as tasks —
// errs[i] is nil if tasks[i] succeeded. Unlike errgroup.Group, a failing
// task never cancels its siblings or the passed-in context.
func Gather(ctx context.Context, maxConcurrency int, tasks []Task) []error {
	errs := make([]error, len(tasks))
	if len(tasks) == 0 {
		return errs
	}

	var sem chan struct{}
	if maxConcurrency > 0 {
		sem = make(chan struct{}, maxConcurrency)
	}

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			errs[i] = task(ctx, i)
		}(i, task)
	}
	wg.Wait()
	return errs
}
