package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/backtest-automator/internal/driver/dryrun"
	"github.com/t77yq/backtest-automator/internal/model"
	"github.com/t77yq/backtest-automator/internal/site"
	"github.com/t77yq/backtest-automator/internal/throttle"
)

const target = "https://optionomega.com/test/abc123"

type recordingSink struct {
	mu      sync.Mutex
	results []model.TaskResult
	stats   []model.RunStats
}

func (s *recordingSink) TaskFinished(_ context.Context, r model.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *recordingSink) RunUpdated(_ context.Context, st model.RunStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, st)
	return nil
}

func (s *recordingSink) snapshot() ([]model.TaskResult, []model.RunStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.TaskResult(nil), s.results...), append([]model.RunStats(nil), s.stats...)
}

func newOrchestrator(t *testing.T, launcher *dryrun.Launcher, sink *recordingSink, completion time.Duration) *Orchestrator {
	logger := zaptest.NewLogger(t)
	return New(Config{
		Launcher: launcher,
		Site: site.New(site.DefaultLayout(), site.Timeouts{
			Element:    100 * time.Millisecond,
			Settle:     time.Millisecond,
			Completion: completion,
		}, logger),
		Credentials: site.Credentials{Email: "a@b.c", Password: "pw"},
		Throttle:    throttle.New(throttle.Config{}, nil, logger),
		Sink:        sink,
		PollTimeout: 20 * time.Millisecond,
		Logger:      logger,
	})
}

func newLauncher(script dryrun.Script) *dryrun.Launcher {
	return dryrun.NewLauncher(dryrun.Options{
		Layout:  site.DefaultLayout(),
		Latency: 2 * time.Millisecond,
		Script:  script,
	})
}

// hangOn makes every run with a delta of value time out
func hangOn(value string) dryrun.Script {
	return func(inputs map[string]string, _ int) dryrun.Outcome {
		for _, v := range inputs {
			if v == value {
				return dryrun.Hang
			}
		}
		return dryrun.Succeed
	}
}

func sweepSpec(values ...any) model.RunSpec {
	return model.RunSpec{
		Mode:       model.ModeSweep,
		Target:     target,
		Sweep:      &model.ParameterValues{Name: "delta", Values: values},
		MaxWorkers: 2,
		MaxRetries: 2,
	}
}

func wait(t *testing.T, o *Orchestrator) model.RunStats {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	stats, err := o.Wait(ctx)
	require.NoError(t, err)
	return stats
}

func TestSweepRunCompletes(t *testing.T) {
	sink := &recordingSink{}
	o := newOrchestrator(t, newLauncher(nil), sink, time.Second)

	require.NoError(t, o.Start(context.Background(), sweepSpec(5, 10, 15)))
	stats := wait(t, o)

	assert.Equal(t, model.RunStatusCompleted, stats.Status)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Completed)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.ActiveWorkers)
	assert.NotNil(t, stats.FinishedAt)
	assert.NotEmpty(t, stats.RunID)

	for _, task := range o.Tasks() {
		assert.Equal(t, model.TaskStatusCompleted, task.Status)
		assert.Equal(t, 1, task.Attempts)
	}

	results, updates := sink.snapshot()
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.True(t, r.Final)
		assert.Contains(t, r.Metrics, "pl")
	}
	require.NotEmpty(t, updates)
	assert.Equal(t, model.RunStatusCompleted, updates[len(updates)-1].Status)
}

func TestSweepDrainsWithEveryPoolSize(t *testing.T) {
	for _, workers := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("%d workers", workers), func(t *testing.T) {
			o := newOrchestrator(t, newLauncher(nil), &recordingSink{}, time.Second)
			spec := sweepSpec(5, 10, 15, 20)
			spec.MaxWorkers = workers
			require.NoError(t, o.Start(context.Background(), spec))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stats, err := o.Wait(ctx)
			require.NoError(t, err)

			assert.Equal(t, model.RunStatusCompleted, stats.Status)
			assert.Equal(t, 4, stats.Total)
			assert.Equal(t, 4, stats.Completed)
			assert.Zero(t, stats.Failed)
			assert.Zero(t, stats.Pending)
			assert.Zero(t, stats.ActiveWorkers)
		})
	}
}

func TestRetriesExhausted(t *testing.T) {
	sink := &recordingSink{}
	o := newOrchestrator(t, newLauncher(hangOn("10")), sink, 80*time.Millisecond)

	require.NoError(t, o.Start(context.Background(), sweepSpec(5, 10, 15, 20)))
	stats := wait(t, o)

	assert.Equal(t, model.RunStatusCompleted, stats.Status)
	assert.Equal(t, 3, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Pending)

	var failed *model.Task
	for _, task := range o.Tasks() {
		if task.Status == model.TaskStatusFailed {
			failed = task
		}
	}
	require.NotNil(t, failed)
	v, _ := failed.Params.Get("delta")
	assert.Equal(t, 10, v)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, model.FailurePermanent, failed.FailureKind)
	assert.Contains(t, failed.Error, string(model.FailureTiming))

	results, _ := sink.snapshot()
	var attempts, finals int
	for _, r := range results {
		if r.TaskID != failed.ID {
			continue
		}
		attempts++
		if r.Final {
			finals++
			assert.Equal(t, model.FailurePermanent, r.FailureKind)
		} else {
			assert.Equal(t, model.FailureTiming, r.FailureKind)
		}
	}
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 1, finals)
}

func TestActiveWorkersBounded(t *testing.T) {
	o := newOrchestrator(t, newLauncher(nil), &recordingSink{}, time.Second)
	spec := model.RunSpec{
		Mode:   model.ModeGrid,
		Target: target,
		Grid: []model.ParameterValues{
			{Name: "delta", Values: []any{5, 10, 15}},
			{Name: "stop_loss", Values: []any{50, 100}},
		},
		MaxWorkers: 3,
	}
	require.NoError(t, o.Start(context.Background(), spec))

	var peak atomic.Int64
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := o.Stats()
			if int64(s.ActiveWorkers) > peak.Load() {
				peak.Store(int64(s.ActiveWorkers))
			}
			assert.LessOrEqual(t, s.Running, 3)
			time.Sleep(time.Millisecond)
		}
	}()

	stats := wait(t, o)
	close(stop)
	assert.Equal(t, 6, stats.Completed)
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestPauseResume(t *testing.T) {
	o := newOrchestrator(t, newLauncher(nil), &recordingSink{}, time.Second)
	spec := sweepSpec(5, 10, 15, 20, 25, 30)
	spec.MaxWorkers = 1
	require.NoError(t, o.Start(context.Background(), spec))

	o.Pause()
	o.Pause()
	require.Eventually(t, func() bool {
		return o.Stats().ActiveWorkers == 0
	}, 5*time.Second, 5*time.Millisecond)

	paused := o.Stats()
	assert.Equal(t, model.RunStatusPaused, paused.Status)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, paused.Completed, o.Stats().Completed)
	assert.Equal(t, paused.Total, paused.Completed+paused.Failed+paused.Pending)

	o.Resume()
	o.Resume()
	stats := wait(t, o)
	assert.Equal(t, model.RunStatusCompleted, stats.Status)
	assert.Equal(t, 6, stats.Completed)
}

func TestStopMidExecution(t *testing.T) {
	launcher := newLauncher(func(map[string]string, int) dryrun.Outcome { return dryrun.Hang })
	sink := &recordingSink{}
	o := newOrchestrator(t, launcher, sink, time.Minute)

	spec := sweepSpec(5)
	spec.MaxWorkers = 1
	require.NoError(t, o.Start(context.Background(), spec))
	require.Eventually(t, func() bool { return launcher.Runs() == 1 }, 5*time.Second, 5*time.Millisecond)

	o.Stop()
	stats := wait(t, o)
	assert.Equal(t, model.RunStatusStopped, stats.Status)
	assert.Zero(t, stats.ActiveWorkers)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Pending)

	tasks := o.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskStatusRunning, tasks[0].Status)

	results, updates := sink.snapshot()
	assert.Empty(t, results)
	assert.Equal(t, model.RunStatusStopped, updates[len(updates)-1].Status)

	// stop is idempotent and pause after stop does nothing
	o.Stop()
	o.Pause()
	assert.Equal(t, model.RunStatusStopped, o.Stats().Status)
}

func TestStopDuringPacingKeepsTaskQueued(t *testing.T) {
	launcher := newLauncher(nil)
	o := newOrchestrator(t, launcher, &recordingSink{}, time.Second)
	o.config.Throttle = throttle.New(throttle.Config{Base: time.Minute}, nil, zaptest.NewLogger(t))

	spec := sweepSpec(5)
	spec.MaxWorkers = 1
	require.NoError(t, o.Start(context.Background(), spec))
	time.Sleep(50 * time.Millisecond)

	o.Stop()
	stats := wait(t, o)
	assert.Equal(t, model.RunStatusStopped, stats.Status)
	assert.Zero(t, stats.Running)
	assert.Equal(t, 1, stats.Pending)
	assert.Zero(t, launcher.Runs())

	tasks := o.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, model.TaskStatusPending, tasks[0].Status)
	assert.Zero(t, tasks[0].Attempts)
	assert.Nil(t, tasks[0].LastAttempt)
}

func TestStagedRunFixesWinner(t *testing.T) {
	sink := &recordingSink{}
	o := newOrchestrator(t, newLauncher(nil), sink, time.Second)
	spec := model.RunSpec{
		Mode:   model.ModeStaged,
		Target: target,
		Stages: []model.Stage{
			{Parameter: "delta", Values: []any{5, 10, 15}},
			{Parameter: "stop_loss", Values: []any{50, 100}},
		},
		Objective:  model.Objective{Metric: "pl", Maximize: true},
		MaxWorkers: 2,
	}
	require.NoError(t, o.Start(context.Background(), spec))
	stats := wait(t, o)

	assert.Equal(t, model.RunStatusCompleted, stats.Status)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 5, stats.Completed)
	assert.Equal(t, 1, stats.Stage)

	results, _ := sink.snapshot()
	var (
		winner any
		bestPL float64
	)
	for _, r := range results {
		if r.Stage != 0 {
			continue
		}
		if pl := r.Metrics["pl"]; winner == nil || pl > bestPL {
			winner, _ = r.Params.Get("delta")
			bestPL = pl
		}
	}

	var second int
	for _, task := range o.Tasks() {
		if task.Stage != 1 {
			continue
		}
		second++
		assert.Equal(t, []string{"delta", "stop_loss"}, task.Params.Names())
		v, _ := task.Params.Get("delta")
		assert.Equal(t, winner, v)
	}
	assert.Equal(t, 2, second)
}

func TestStagedRunEndsWithoutWinner(t *testing.T) {
	launcher := newLauncher(func(map[string]string, int) dryrun.Outcome { return dryrun.StuckDialog })
	o := newOrchestrator(t, launcher, &recordingSink{}, time.Second)
	spec := model.RunSpec{
		Mode:   model.ModeStaged,
		Target: target,
		Stages: []model.Stage{
			{Parameter: "delta", Values: []any{5, 10}},
			{Parameter: "stop_loss", Values: []any{50}},
		},
		Objective:  model.Objective{Metric: "pl", Maximize: true},
		MaxWorkers: 1,
	}
	require.NoError(t, o.Start(context.Background(), spec))
	stats := wait(t, o)

	assert.Equal(t, model.RunStatusCompleted, stats.Status)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Failed)
	assert.Zero(t, stats.Stage)
}

func TestSessionExpiryRecovers(t *testing.T) {
	launcher := newLauncher(func(_ map[string]string, run int) dryrun.Outcome {
		if run == 1 {
			return dryrun.ExpireSession
		}
		return dryrun.Succeed
	})
	o := newOrchestrator(t, launcher, &recordingSink{}, time.Second)
	spec := sweepSpec(5, 10)
	spec.MaxWorkers = 1
	require.NoError(t, o.Start(context.Background(), spec))

	stats := wait(t, o)
	assert.Equal(t, 2, stats.Completed)
	assert.Zero(t, stats.Failed)
	assert.Zero(t, o.config.Throttle.RecentFailures())
}

func TestStartErrors(t *testing.T) {
	t.Run("no sessions", func(t *testing.T) {
		launcher := newLauncher(nil)
		launcher.FailLaunches(5)
		o := newOrchestrator(t, launcher, &recordingSink{}, time.Second)
		assert.ErrorIs(t, o.Start(context.Background(), sweepSpec(5, 10)), ErrNoSessions)
		assert.Equal(t, model.RunStatusStopped, o.Stats().Status)
	})

	t.Run("partial pool", func(t *testing.T) {
		launcher := newLauncher(nil)
		launcher.FailLaunches(1)
		o := newOrchestrator(t, launcher, &recordingSink{}, time.Second)
		require.NoError(t, o.Start(context.Background(), sweepSpec(5, 10, 15)))
		assert.LessOrEqual(t, o.Stats().ActiveWorkers, 1)
		assert.Equal(t, 3, wait(t, o).Completed)
	})

	t.Run("unknown parameter", func(t *testing.T) {
		o := newOrchestrator(t, newLauncher(nil), &recordingSink{}, time.Second)
		spec := sweepSpec(1)
		spec.Sweep.Name = "width"
		assert.ErrorIs(t, o.Start(context.Background(), spec), model.ErrInvalidSpec)
	})

	t.Run("invalid spec", func(t *testing.T) {
		o := newOrchestrator(t, newLauncher(nil), &recordingSink{}, time.Second)
		spec := sweepSpec(1)
		spec.MaxWorkers = 0
		assert.ErrorIs(t, o.Start(context.Background(), spec), model.ErrInvalidSpec)
	})

	t.Run("started twice", func(t *testing.T) {
		o := newOrchestrator(t, newLauncher(nil), &recordingSink{}, time.Second)
		require.NoError(t, o.Start(context.Background(), sweepSpec(5)))
		assert.ErrorIs(t, o.Start(context.Background(), sweepSpec(5)), ErrAlreadyStarted)
		wait(t, o)
	})
}

func TestEmptyGridCompletesImmediately(t *testing.T) {
	sink := &recordingSink{}
	o := newOrchestrator(t, newLauncher(nil), sink, time.Second)
	spec := model.RunSpec{
		Mode:       model.ModeGrid,
		Target:     target,
		Grid:       []model.ParameterValues{{Name: "delta", Values: []any{5}}, {Name: "stop_loss"}},
		MaxWorkers: 2,
	}
	require.NoError(t, o.Start(context.Background(), spec))
	stats := wait(t, o)
	assert.Equal(t, model.RunStatusCompleted, stats.Status)
	assert.Zero(t, stats.Total)
}

func TestCancelledContextStopsRun(t *testing.T) {
	launcher := newLauncher(func(map[string]string, int) dryrun.Outcome { return dryrun.Hang })
	o := newOrchestrator(t, launcher, &recordingSink{}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, o.Start(ctx, sweepSpec(5)))
	require.Eventually(t, func() bool { return launcher.Runs() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	stats := wait(t, o)
	assert.Equal(t, model.RunStatusStopped, stats.Status)
}
