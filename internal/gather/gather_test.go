package gather

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGather_CollectsPerItemErrors(t *testing.T) {
	errBoom := errors.New("boom")
	tasks := []Task{
		func(context.Context, int) error { return nil },
		func(context.Context, int) error { return errBoom },
		func(context.Context, int) error { return nil },
	}

	errs := Gather(context.Background(), 0, tasks)

	require_len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.Equal(t, errBoom, errs[1])
	assert.NoError(t, errs[2], "a sibling failure must not affect this result")
}

func TestGather_RespectsConcurrencyLimit(t *testing.T) {
	var current, max int32
	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = func(context.Context, int) error {
			n := atomic.AddInt32(&current, 1)
			for {
				m := atomic.LoadInt32(&max)
				if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
					break
				}
			}
			atomic.AddInt32(&current, -1)
			return nil
		}
	}

	Gather(context.Background(), 2, tasks)

	assert.LessOrEqual(t, int(max), 2)
}

func TestGather_EmptyTasks(t *testing.T) {
	errs := Gather(context.Background(), 4, nil)
	assert.Empty(t, errs)
}

func require_len(t *testing.T, errs []error, n int) {
	t.Helper()
	if len(errs) != n {
		t.Fatalf("expected %d errors, got %d", n, len(errs))
	}
}
