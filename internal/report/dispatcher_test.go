package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/backtest-automator/internal/model"
)

type recordingSink struct {
	mu      sync.Mutex
	results []model.TaskResult
	stats   []model.RunStats
	block   chan struct{}
	err     error
}

func (s *recordingSink) TaskFinished(ctx context.Context, r model.TaskResult) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return s.err
}

func (s *recordingSink) RunUpdated(ctx context.Context, st model.RunStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, st)
	return s.err
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results), len(s.stats)
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, DispatcherConfig{}, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		require.NoError(t, d.TaskFinished(context.Background(), model.TaskResult{TaskID: string(rune('a' + i))}))
	}
	require.NoError(t, d.RunUpdated(context.Background(), model.RunStats{RunID: "r"}))
	d.Close()

	results, stats := sink.counts()
	assert.Equal(t, 5, results)
	assert.Equal(t, 1, stats)
	for i, r := range sink.results {
		assert.Equal(t, string(rune('a'+i)), r.TaskID)
	}
	assert.Zero(t, d.Dropped())
}

func TestDispatcherNeverBlocks(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(sink, DispatcherConfig{Buffer: 2, CloseTimeout: time.Second}, zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			d.TaskFinished(context.Background(), model.TaskResult{TaskID: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sender blocked on a stalled sink")
	}
	assert.Greater(t, d.Dropped(), int64(0))

	close(sink.block)
	d.Close()
	results, _ := sink.counts()
	assert.Equal(t, int64(50), int64(results)+d.Dropped())
}

func TestDispatcherAfterClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, DispatcherConfig{}, zaptest.NewLogger(t))
	d.Close()
	d.Close()

	d.TaskFinished(context.Background(), model.TaskResult{})
	assert.Equal(t, int64(1), d.Dropped())
}

func TestDispatcherCountsFailures(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	d := NewDispatcher(sink, DispatcherConfig{}, zaptest.NewLogger(t))
	d.RunUpdated(context.Background(), model.RunStats{})
	d.Close()
	assert.Equal(t, int64(1), d.Failed())
}

func TestFanout(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{err: errors.New("b failed")}
	f := Fanout{a, b, Nop{}}

	err := f.TaskFinished(context.Background(), model.TaskResult{TaskID: "x"})
	assert.ErrorContains(t, err, "b failed")
	ar, _ := a.counts()
	br, _ := b.counts()
	assert.Equal(t, 1, ar)
	assert.Equal(t, 1, br)

	require.Error(t, f.RunUpdated(context.Background(), model.RunStats{}))
	assert.NoError(t, Fanout{a}.RunUpdated(context.Background(), model.RunStats{}))
}
