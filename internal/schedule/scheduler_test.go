package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/backtest-automator/internal/model"
)

func TestAddSchedule(t *testing.T) {
	s := New(func(context.Context, *model.RunSchedule) (string, error) { return "", nil }, zaptest.NewLogger(t))

	schedule := &model.RunSchedule{Name: "morning", Expression: "0 0 6 * * *", SpecPath: "run.yaml"}
	require.NoError(t, s.AddSchedule(schedule))
	assert.NotEmpty(t, schedule.ID)
	require.NotNil(t, schedule.NextRunTime)
	assert.Equal(t, 6, schedule.NextRunTime.Hour())

	got, err := s.GetSchedule(schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, "run.yaml", got.SpecPath)
	assert.Len(t, s.ListSchedules(), 1)

	require.NoError(t, s.RemoveSchedule(schedule.ID))
	_, err = s.GetSchedule(schedule.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.RemoveSchedule(schedule.ID), ErrNotFound)
}

func TestAddScheduleInvalidExpression(t *testing.T) {
	s := New(nil, zaptest.NewLogger(t))

	tests := []string{"", "not cron", "0 6 * * *", "61 * * * * *"}
	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			err := s.AddSchedule(&model.RunSchedule{Name: "bad", Expression: expr})
			assert.ErrorIs(t, err, ErrInvalidExpression)
		})
	}
	assert.Empty(t, s.ListSchedules())
}

func TestScheduleTriggersLaunch(t *testing.T) {
	var calls atomic.Int32
	s := New(func(ctx context.Context, schedule *model.RunSchedule) (string, error) {
		n := calls.Add(1)
		if n == 1 {
			return "", errors.New("spec missing")
		}
		return "run-" + schedule.Name, nil
	}, zaptest.NewLogger(t))

	schedule := &model.RunSchedule{ID: "s1", Name: "tick", Expression: "* * * * * *"}
	require.NoError(t, s.AddSchedule(schedule))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		got, err := s.GetSchedule("s1")
		return err == nil && got.LastRunID == "run-tick"
	}, 5*time.Second, 50*time.Millisecond)

	got, err := s.GetSchedule("s1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunTime)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestStopCancelsLaunch(t *testing.T) {
	started := make(chan struct{})
	var once atomic.Bool
	s := New(func(ctx context.Context, _ *model.RunSchedule) (string, error) {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return "", ctx.Err()
	}, zaptest.NewLogger(t))

	require.NoError(t, s.AddSchedule(&model.RunSchedule{Name: "long", Expression: "* * * * * *"}))
	s.Start()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("launch never started")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop blocked on a running launch")
	}
}
