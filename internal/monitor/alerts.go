package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/model"
)

// Notifier delivers alerts
type Notifier interface {
	Notify(ctx context.Context, alert *model.Alert) error
}

// AlertManager evaluates alert rules against run results
type AlertManager struct {
	logger   *zap.Logger
	notifier Notifier

	mu             sync.Mutex
	rules          map[string]*model.AlertRule
	alerts         []*model.Alert
	platformErrors map[string]int
	// fired holds rule/run pairs that already alerted once
	fired map[string]bool
}

// NewAlertManager creates an alert manager. notifier may be nil, in which
// case alerts are only logged and kept.
func NewAlertManager(notifier Notifier, logger *zap.Logger) *AlertManager {
	return &AlertManager{
		logger:         logger.Named("alerts"),
		notifier:       notifier,
		rules:          make(map[string]*model.AlertRule),
		platformErrors: make(map[string]int),
		fired:          make(map[string]bool),
	}
}

// DefaultRules returns the rules used when none are configured
func DefaultRules() []*model.AlertRule {
	return []*model.AlertRule{
		{Name: "task failed", Type: model.AlertTypeTaskFailure, Severity: model.AlertSeverityWarning},
		{Name: "failure rate", Type: model.AlertTypeFailureRate, Threshold: 0.5, Severity: model.AlertSeverityCritical},
		{Name: "platform errors", Type: model.AlertTypePlatformError, Threshold: 3, Severity: model.AlertSeverityWarning},
	}
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	switch rule.Type {
	case model.AlertTypeTaskFailure, model.AlertTypeFailureRate, model.AlertTypePlatformError:
	default:
		return fmt.Errorf("unknown alert type: %s", rule.Type)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule
	return nil
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule not found: %s", id)
	}
	return rule, nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return fmt.Errorf("rule not found: %s", id)
	}
	delete(m.rules, id)
	return nil
}

// Rules returns every rule sorted by name
func (m *AlertManager) Rules() []*model.AlertRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Alerts returns the alerts raised so far
func (m *AlertManager) Alerts() []*model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.Alert(nil), m.alerts...)
}

func (m *AlertManager) matching(t model.AlertType) []*model.AlertRule {
	var out []*model.AlertRule
	for _, r := range m.rules {
		if r.Type == t && !r.Silenced {
			out = append(out, r)
		}
	}
	return out
}

func (m *AlertManager) TaskFinished(ctx context.Context, result model.TaskResult) error {
	var raised []*model.Alert

	m.mu.Lock()
	if result.Final && !result.Success {
		for _, rule := range m.matching(model.AlertTypeTaskFailure) {
			raised = append(raised, m.newAlertLocked(rule, result.RunID, result.TaskID,
				fmt.Sprintf("Task %s failed after %d attempts", result.Params, result.Attempt),
				map[string]any{"error": result.Error}))
		}
	}
	if result.FailureKind == model.FailurePlatformError {
		m.platformErrors[result.RunID]++
		n := m.platformErrors[result.RunID]
		for _, rule := range m.matching(model.AlertTypePlatformError) {
			key := rule.ID + "/" + result.RunID
			if float64(n) < rule.Threshold || m.fired[key] {
				continue
			}
			m.fired[key] = true
			raised = append(raised, m.newAlertLocked(rule, result.RunID, result.TaskID,
				fmt.Sprintf("Site reported %d errors", n),
				map[string]any{"count": n, "error": result.Error}))
		}
	}
	m.mu.Unlock()

	return m.notify(ctx, raised)
}

func (m *AlertManager) RunUpdated(ctx context.Context, stats model.RunStats) error {
	finalized := stats.Completed + stats.Failed
	if finalized == 0 {
		return nil
	}
	rate := float64(stats.Failed) / float64(finalized)

	var raised []*model.Alert
	m.mu.Lock()
	for _, rule := range m.matching(model.AlertTypeFailureRate) {
		key := rule.ID + "/" + stats.RunID
		if rate < rule.Threshold || m.fired[key] {
			continue
		}
		m.fired[key] = true
		raised = append(raised, m.newAlertLocked(rule, stats.RunID, "",
			fmt.Sprintf("%.0f%% of finalized tasks failed", rate*100),
			map[string]any{"failed": stats.Failed, "finalized": finalized}))
	}
	if stats.Status == model.RunStatusCompleted || stats.Status == model.RunStatusStopped {
		delete(m.platformErrors, stats.RunID)
	}
	m.mu.Unlock()

	return m.notify(ctx, raised)
}

func (m *AlertManager) newAlertLocked(rule *model.AlertRule, runID, taskID, message string, data map[string]any) *model.Alert {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		RunID:     runID,
		TaskID:    taskID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now(),
	}
	m.alerts = append(m.alerts, alert)
	return alert
}

func (m *AlertManager) notify(ctx context.Context, alerts []*model.Alert) error {
	for _, alert := range alerts {
		m.logger.Warn("Alert raised",
			zap.String("id", alert.ID),
			zap.String("rule_id", alert.RuleID),
			zap.String("run_id", alert.RunID),
			zap.String("type", string(alert.Type)),
			zap.String("severity", string(alert.Severity)),
			zap.String("message", alert.Message))
		if m.notifier == nil {
			continue
		}
		if err := m.notifier.Notify(ctx, alert); err != nil {
			return fmt.Errorf("failed to send alert: %w", err)
		}
	}
	return nil
}
