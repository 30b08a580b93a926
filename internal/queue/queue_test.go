package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/backtest-automator/internal/model"
)

func newTask(id string) *model.Task {
	return &model.Task{ID: id, Status: model.TaskStatusPending, CreatedAt: time.Now()}
}

func TestQueueOrdering(t *testing.T) {
	q := New(2)
	ctx := context.Background()

	retried := newTask("retried")
	retried.Attempts = 1
	require.NoError(t, q.Put(retried, Retry(1)))
	require.NoError(t, q.Put(newTask("a"), Fresh()))
	require.NoError(t, q.Put(newTask("b"), Fresh()))
	twice := newTask("twice")
	twice.Attempts = 2
	require.NoError(t, q.Put(twice, Retry(2)))
	require.NoError(t, q.Put(newTask("c"), Fresh()))

	assert.Equal(t, 5, q.Len())

	var got []string
	for !q.IsEmpty() {
		task, err := q.Get(ctx, time.Second)
		require.NoError(t, err)
		got = append(got, task.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "retried", "twice"}, got)
}

func TestQueueGetTimeout(t *testing.T) {
	q := New(0)

	start := time.Now()
	_, err := q.Get(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestQueueClose(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Put(newTask("left"), Fresh()))
	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Put(newTask("late"), Fresh()), ErrClosed)

	task, err := q.Get(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "left", task.ID)

	_, err = q.Get(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestQueueCloseWakesWaiters(t *testing.T) {
	q := New(0)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Get(context.Background(), 10*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by Close")
	}
}

func TestQueueContextCancel(t *testing.T) {
	q := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Get(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueueWakesBlockedGet(t *testing.T) {
	q := New(0)
	got := make(chan *model.Task, 1)
	go func() {
		task, err := q.Get(context.Background(), 5*time.Second)
		if err == nil {
			got <- task
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Put(newTask("late"), Fresh()))

	select {
	case task := <-got:
		assert.Equal(t, "late", task.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Get was not woken by Put")
	}
}

func TestQueueRequeue(t *testing.T) {
	q := New(2)
	ctx := context.Background()
	task := newTask("flaky")

	// three failed attempts: two requeues then finalization
	for attempt := 1; attempt <= 3; attempt++ {
		task.Attempts = attempt
		task.Status = model.TaskStatusRunning

		ok, err := q.Requeue(task)
		require.NoError(t, err)

		if attempt < 3 {
			require.True(t, ok, "attempt %d should be requeued", attempt)
			assert.Equal(t, model.TaskStatusPending, task.Status)
			got, err := q.Get(ctx, time.Second)
			require.NoError(t, err)
			assert.Same(t, task, got)
			continue
		}

		assert.False(t, ok)
		assert.Equal(t, model.TaskStatusFailed, task.Status)
		assert.True(t, q.IsEmpty())
	}
}

func TestQueueRequeueNoRetries(t *testing.T) {
	q := New(0)
	task := newTask("once")
	task.Attempts = 1

	ok, err := q.Requeue(task)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
}

func TestQueueConcurrent(t *testing.T) {
	q := New(0)
	const producers, perProducer = 4, 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, q.Put(newTask(fmt.Sprintf("%d-%d", p, i)), Fresh()))
			}
		}(p)
	}

	seen := make(chan string, producers*perProducer)
	var consumers sync.WaitGroup
	for c := 0; c < 3; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				task, err := q.Get(context.Background(), 200*time.Millisecond)
				if err != nil {
					return
				}
				seen <- task.ID
			}
		}()
	}

	wg.Wait()
	consumers.Wait()
	close(seen)

	unique := make(map[string]bool)
	for id := range seen {
		assert.False(t, unique[id], "task %s dispatched twice", id)
		unique[id] = true
	}
	assert.Len(t, unique, producers*perProducer)
}

func TestQueueSnapshotAndDrain(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Put(newTask("r"), Retry(1)))
	require.NoError(t, q.Put(newTask("f"), Fresh()))

	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "f", snap[0].ID)
	assert.Equal(t, 2, q.Len())

	drained := q.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, "r", drained[1].ID)
	assert.True(t, q.IsEmpty())
}

func TestQueueTryGetAndWait(t *testing.T) {
	q := New(0)
	ctx := context.Background()

	_, ok := q.TryGet()
	assert.False(t, ok)
	assert.ErrorIs(t, q.Wait(ctx, 10*time.Millisecond), ErrEmpty)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, q.Wait(cancelled, time.Second), context.Canceled)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Put(newTask("late"), Fresh())
	}()
	require.NoError(t, q.Wait(ctx, time.Second))
	task, ok := q.TryGet()
	require.True(t, ok)
	assert.Equal(t, "late", task.ID)

	require.NoError(t, q.Put(newTask("queued"), Fresh()))
	assert.NoError(t, q.Wait(ctx, time.Millisecond))

	q.Close()
	assert.NoError(t, q.Wait(ctx, time.Second), "queued tasks stay claimable after close")
	_, ok = q.TryGet()
	require.True(t, ok)
	assert.ErrorIs(t, q.Wait(ctx, time.Second), ErrClosed)
}
