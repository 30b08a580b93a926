package worker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/backtest-automator/internal/artifact"
	"github.com/t77yq/backtest-automator/internal/driver"
	"github.com/t77yq/backtest-automator/internal/driver/dryrun"
	"github.com/t77yq/backtest-automator/internal/model"
	"github.com/t77yq/backtest-automator/internal/parameter"
	"github.com/t77yq/backtest-automator/internal/site"
)

const target = "https://optionomega.com/test/abc123"

func newWorker(t *testing.T, script dryrun.Script) (*Worker, *dryrun.Launcher) {
	logger := zaptest.NewLogger(t)
	launcher := dryrun.NewLauncher(dryrun.Options{
		Layout:  site.DefaultLayout(),
		Latency: 5 * time.Millisecond,
		Script:  script,
	})
	collector, err := artifact.NewCollector(artifact.Config{Dir: t.TempDir()}, nil, logger)
	require.NoError(t, err)

	w := New(Config{
		ID:       "w1",
		Launcher: launcher,
		Site: site.New(site.DefaultLayout(), site.Timeouts{
			Element:    100 * time.Millisecond,
			Settle:     time.Millisecond,
			Completion: 150 * time.Millisecond,
		}, logger),
		Registry:    parameter.DefaultRegistry(),
		Credentials: site.Credentials{Email: "a@b.c", Password: "pw"},
		Artifacts:   collector,
		Verify:      true,
		Logger:      logger,
	})
	t.Cleanup(func() { w.Close() })
	return w, launcher
}

func script(outcomes ...dryrun.Outcome) dryrun.Script {
	return func(_ map[string]string, run int) dryrun.Outcome {
		if run <= len(outcomes) {
			return outcomes[run-1]
		}
		return dryrun.Succeed
	}
}

func newTask(attempt int) *model.Task {
	return &model.Task{
		ID:       "t1",
		RunID:    "r1",
		Params:   model.ParamSet{{Name: "delta", Value: 10}, {Name: "stop_loss", Value: 100}},
		Status:   model.TaskStatusRunning,
		Attempts: attempt,
	}
}

func TestExecuteSuccess(t *testing.T) {
	w, _ := newWorker(t, nil)
	require.NoError(t, w.Open(context.Background()))

	result := w.Execute(context.Background(), newTask(1), target)
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "w1", result.WorkerID)
	assert.Equal(t, 1, result.Attempt)
	assert.Contains(t, result.Metrics, "pl")
	assert.Contains(t, result.Metrics, "total_trades")
	assert.Empty(t, result.FailureKind)
	assert.Empty(t, result.Artifacts)
	assert.Equal(t, model.WorkerStateIdle, w.State())
	assert.True(t, w.LoggedIn())
	assert.Equal(t, target, w.Target())

	again := w.Execute(context.Background(), newTask(1), target)
	require.True(t, again.Success, again.Error)
	assert.Equal(t, result.Metrics, again.Metrics)
}

func TestExecuteFailureKinds(t *testing.T) {
	tests := []struct {
		name    string
		outcome dryrun.Outcome
		want    model.FailureKind
	}{
		{"timing", dryrun.Hang, model.FailureTiming},
		{"modal stuck", dryrun.StuckDialog, model.FailureModalStuck},
		{"platform error", dryrun.PlatformError, model.FailurePlatformError},
		{"session expired", dryrun.ExpireSession, model.FailureSessionExpired},
		{"crash", dryrun.Disconnect, model.FailureAutomationCrash},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := newWorker(t, script(tt.outcome))

			result := w.Execute(context.Background(), newTask(1), target)
			assert.False(t, result.Success)
			assert.Equal(t, tt.want, result.FailureKind)
			assert.NotEmpty(t, result.Error)
			assert.Equal(t, model.WorkerStateIdle, w.State())

			if tt.outcome != dryrun.Disconnect {
				require.Contains(t, result.Artifacts, artifact.Screenshot)
				_, err := os.Stat(result.Artifacts[artifact.Screenshot])
				assert.NoError(t, err)
			}

			// the next attempt recovers
			retry := w.Execute(context.Background(), newTask(2), target)
			assert.True(t, retry.Success, retry.Error)
		})
	}
}

// lazyDelta reports its first n writes as not applied
type lazyDelta struct {
	*parameter.Delta
	misses int
}

func (d *lazyDelta) VerifyValue(ctx context.Context, sess driver.Session, value any) (bool, error) {
	if d.misses > 0 {
		d.misses--
		return false, nil
	}
	return d.Delta.VerifyValue(ctx, sess, value)
}

func TestExecuteKeepsSessionWhenValueNotApplied(t *testing.T) {
	w, launcher := newWorker(t, nil)
	registry, err := parameter.NewRegistry(&lazyDelta{Delta: parameter.NewDelta(), misses: 1}, parameter.NewStopLoss())
	require.NoError(t, err)
	w.config.Registry = registry

	first := w.Execute(context.Background(), newTask(1), target)
	assert.False(t, first.Success)
	assert.Equal(t, model.FailureTiming, first.FailureKind)
	assert.Contains(t, first.Error, parameter.ErrNotApplied.Error())
	assert.True(t, w.LoggedIn())

	second := w.Execute(context.Background(), newTask(2), target)
	require.True(t, second.Success, second.Error)
	assert.Equal(t, 1, launcher.Launches())
}

func TestExecuteReauthenticatesAfterExpiry(t *testing.T) {
	w, _ := newWorker(t, script(dryrun.ExpireSession))

	first := w.Execute(context.Background(), newTask(1), target)
	require.Equal(t, model.FailureSessionExpired, first.FailureKind)
	assert.False(t, w.LoggedIn())

	second := w.Execute(context.Background(), newTask(2), target)
	require.True(t, second.Success, second.Error)
	assert.True(t, w.LoggedIn())
}

func TestExecuteUnknownParameter(t *testing.T) {
	w, launcher := newWorker(t, nil)
	task := newTask(1)
	task.Params = model.ParamSet{{Name: "width", Value: 5}}

	result := w.Execute(context.Background(), task, target)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, parameter.ErrUnknownParameter.Error())
	assert.Zero(t, launcher.Runs())
}

func TestExecuteLaunchFailure(t *testing.T) {
	w, launcher := newWorker(t, nil)
	launcher.FailLaunches(1)

	result := w.Execute(context.Background(), newTask(1), target)
	assert.Equal(t, model.FailureAutomationCrash, result.FailureKind)
	assert.Equal(t, model.WorkerStateIdle, w.State())

	assert.True(t, w.Execute(context.Background(), newTask(2), target).Success)
}

func TestExecuteAfterClose(t *testing.T) {
	w, _ := newWorker(t, nil)
	require.NoError(t, w.Open(context.Background()))
	require.NoError(t, w.Close())

	assert.Equal(t, model.WorkerStateStopped, w.State())
	assert.ErrorIs(t, w.Open(context.Background()), ErrStopped)

	result := w.Execute(context.Background(), newTask(1), target)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, ErrStopped.Error())
	assert.Equal(t, model.WorkerStateStopped, w.State())
}

func TestExecuteCancelled(t *testing.T) {
	w, _ := newWorker(t, script(dryrun.Hang))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan model.TaskResult, 1)
	go func() { done <- w.Execute(ctx, newTask(1), target) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case result := <-done:
		assert.False(t, result.Success)
		assert.Empty(t, result.Artifacts)
	case <-time.After(time.Second):
		t.Fatal("execute ignored cancellation")
	}
}
