package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/t77yq/backtest-automator/internal/model"
)

func TestQueueDispatchOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 60).Draw(t, "n")
		q := New(3)

		type entry struct {
			priority Priority
			seq      int
		}
		byID := make(map[string]entry, n)

		for i := 0; i < n; i++ {
			p := Fresh()
			if rapid.Bool().Draw(t, "retry") {
				p = Retry(rapid.IntRange(1, 3).Draw(t, "attempt"))
			}
			id := fmt.Sprintf("t%d", i)
			byID[id] = entry{priority: p, seq: i}
			if err := q.Put(&model.Task{ID: id}, p); err != nil {
				t.Fatalf("put: %v", err)
			}
		}

		var prev *entry
		for i := 0; i < n; i++ {
			task, err := q.Get(context.Background(), time.Second)
			if err != nil {
				t.Fatalf("get %d: %v", i, err)
			}
			cur := byID[task.ID]
			if prev != nil {
				if cur.priority.Less(prev.priority) {
					t.Fatalf("%s (%s) dispatched after worse priority %s", task.ID, cur.priority, prev.priority)
				}
				if cur.priority == prev.priority && cur.seq < prev.seq {
					t.Fatalf("%s broke FIFO order within %s", task.ID, cur.priority)
				}
			}
			prev = &cur
		}
		if !q.IsEmpty() {
			t.Fatalf("queue still holds %d tasks", q.Len())
		}
	})
}

func TestQueueRetryCeilingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxRetries := rapid.IntRange(0, 5).Draw(t, "maxRetries")
		q := New(maxRetries)
		task := &model.Task{ID: "x"}

		requeues := 0
		for {
			task.Attempts++
			ok, err := q.Requeue(task)
			if err != nil {
				t.Fatalf("requeue: %v", err)
			}
			if !ok {
				break
			}
			requeues++
			if _, err := q.Get(context.Background(), time.Second); err != nil {
				t.Fatalf("get: %v", err)
			}
		}

		if requeues != maxRetries {
			t.Fatalf("requeued %d times, want %d", requeues, maxRetries)
		}
		if task.Attempts != maxRetries+1 {
			t.Fatalf("attempts %d exceed max_retries+1", task.Attempts)
		}
	})
}
