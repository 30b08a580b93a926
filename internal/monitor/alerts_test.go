package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/backtest-automator/internal/model"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*model.Alert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, alert *model.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return n.err
}

func newTestManager(t *testing.T, notifier Notifier) *AlertManager {
	m := NewAlertManager(notifier, zaptest.NewLogger(t))
	for _, rule := range DefaultRules() {
		require.NoError(t, m.AddRule(rule))
	}
	return m
}

func TestAlertManagerRules(t *testing.T) {
	m := NewAlertManager(nil, zaptest.NewLogger(t))

	rule := &model.AlertRule{Name: "failures", Type: model.AlertTypeTaskFailure, Severity: model.AlertSeverityInfo}
	require.NoError(t, m.AddRule(rule))
	assert.NotEmpty(t, rule.ID)
	assert.False(t, rule.CreatedAt.IsZero())

	got, err := m.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule, got)
	assert.Len(t, m.Rules(), 1)

	require.NoError(t, m.DeleteRule(rule.ID))
	_, err = m.GetRule(rule.ID)
	assert.Error(t, err)
	assert.Error(t, m.DeleteRule(rule.ID))

	assert.Error(t, m.AddRule(&model.AlertRule{Name: "bad", Type: "cpu"}))
}

func TestAlertManagerTaskFailure(t *testing.T) {
	notifier := &recordingNotifier{}
	m := newTestManager(t, notifier)
	ctx := context.Background()

	// a retried attempt is not final
	require.NoError(t, m.TaskFinished(ctx, model.TaskResult{RunID: "r1", TaskID: "t1", FailureKind: model.FailureTiming}))
	assert.Empty(t, notifier.alerts)

	require.NoError(t, m.TaskFinished(ctx, model.TaskResult{
		RunID: "r1", TaskID: "t1", Attempt: 3, Final: true,
		FailureKind: model.FailurePermanent, Error: "timing after 3 attempts: boom",
	}))
	require.Len(t, notifier.alerts, 1)
	alert := notifier.alerts[0]
	assert.Equal(t, model.AlertTypeTaskFailure, alert.Type)
	assert.Equal(t, "t1", alert.TaskID)
	assert.Equal(t, "timing after 3 attempts: boom", alert.Data["error"])
	assert.Len(t, m.Alerts(), 1)
}

func TestAlertManagerPlatformErrorsFireOnce(t *testing.T) {
	notifier := &recordingNotifier{}
	m := newTestManager(t, notifier)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.TaskFinished(ctx, model.TaskResult{RunID: "r1", FailureKind: model.FailurePlatformError}))
	}
	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, model.AlertTypePlatformError, notifier.alerts[0].Type)
	assert.Equal(t, 3, notifier.alerts[0].Data["count"])

	// another run counts separately
	for i := 0; i < 2; i++ {
		require.NoError(t, m.TaskFinished(ctx, model.TaskResult{RunID: "r2", FailureKind: model.FailurePlatformError}))
	}
	assert.Len(t, notifier.alerts, 1)
}

func TestAlertManagerFailureRate(t *testing.T) {
	notifier := &recordingNotifier{}
	m := newTestManager(t, notifier)
	ctx := context.Background()

	require.NoError(t, m.RunUpdated(ctx, model.RunStats{RunID: "r1", Total: 10}))
	require.NoError(t, m.RunUpdated(ctx, model.RunStats{RunID: "r1", Total: 10, Completed: 3, Failed: 1}))
	assert.Empty(t, notifier.alerts)

	require.NoError(t, m.RunUpdated(ctx, model.RunStats{RunID: "r1", Total: 10, Completed: 3, Failed: 3}))
	require.NoError(t, m.RunUpdated(ctx, model.RunStats{RunID: "r1", Total: 10, Completed: 3, Failed: 4}))
	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, model.AlertTypeFailureRate, notifier.alerts[0].Type)
	assert.Equal(t, model.AlertSeverityCritical, notifier.alerts[0].Severity)
}

func TestAlertManagerSilencedAndNotifierErrors(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("nats down")}
	m := NewAlertManager(notifier, zaptest.NewLogger(t))
	ctx := context.Background()

	silenced := &model.AlertRule{Name: "quiet", Type: model.AlertTypeTaskFailure, Silenced: true}
	require.NoError(t, m.AddRule(silenced))
	require.NoError(t, m.TaskFinished(ctx, model.TaskResult{RunID: "r1", Final: true}))
	assert.Empty(t, notifier.alerts)

	require.NoError(t, m.AddRule(&model.AlertRule{Name: "loud", Type: model.AlertTypeTaskFailure}))
	err := m.TaskFinished(ctx, model.TaskResult{RunID: "r1", Final: true})
	assert.ErrorContains(t, err, "nats down")
	assert.Len(t, m.Alerts(), 1)
}
