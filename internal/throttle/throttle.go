// Package throttle paces the external site: it stretches the delay between
// actions and trims the worker count while failures pile up.
package throttle

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/model"
)

// Step raises the delay once the failure count reaches Failures
type Step struct {
	Failures int           `mapstructure:"failures"`
	Delay    time.Duration `mapstructure:"delay"`
}

// Config defines the throttle policy
type Config struct {
	// Base is the delay with no recent failures
	Base time.Duration `mapstructure:"base"`
	// Steps escalate the delay; they are sorted by Failures
	Steps []Step `mapstructure:"steps"`
	// DegradeAt halves the recommended worker count per multiple reached
	DegradeAt int `mapstructure:"degrade_at"`
	// ResetAfter consecutive successes halve the failure count
	ResetAfter int `mapstructure:"reset_after"`
	// MinInterval spaces task starts across all workers
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// DefaultConfig returns the policy used against the live site
func DefaultConfig() Config {
	return Config{
		Base: 500 * time.Millisecond,
		Steps: []Step{
			{Failures: 1, Delay: 2 * time.Second},
			{Failures: 3, Delay: 5 * time.Second},
			{Failures: 5, Delay: 10 * time.Second},
		},
		DegradeAt:   3,
		ResetAfter:  3,
		MinInterval: 6 * time.Second,
	}
}

// HostLoad reports whether the local machine is saturated
type HostLoad interface {
	Overloaded() bool
}

// Throttle tracks consecutive failures and derives pacing from them
type Throttle struct {
	logger *zap.Logger
	config Config
	host   HostLoad

	mu        sync.Mutex
	failures  int
	successes int
	nextStart time.Time
}

// New creates a throttle. host may be nil.
func New(config Config, host HostLoad, logger *zap.Logger) *Throttle {
	if config.DegradeAt <= 0 {
		config.DegradeAt = DefaultConfig().DegradeAt
	}
	if config.ResetAfter <= 0 {
		config.ResetAfter = DefaultConfig().ResetAfter
	}
	steps := append([]Step(nil), config.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Failures < steps[j].Failures })
	config.Steps = steps

	return &Throttle{
		logger: logger.Named("throttle"),
		config: config,
		host:   host,
	}
}

// NextDelay returns the pause before the next action. It never decreases
// as recentFailures grows.
func (t *Throttle) NextDelay(recentFailures int) time.Duration {
	delay := t.config.Base
	for _, s := range t.config.Steps {
		if recentFailures >= s.Failures && s.Delay > delay {
			delay = s.Delay
		}
	}
	return delay
}

// RecommendedWorkerCount returns how many workers should pull tasks. The
// result is at least 1 and at most configuredMax.
func (t *Throttle) RecommendedWorkerCount(recentFailures, configuredMax int) int {
	if configuredMax < 1 {
		return 1
	}
	n := configuredMax
	for level := recentFailures / t.config.DegradeAt; level > 0 && n > 1; level-- {
		n /= 2
	}
	if t.host != nil && t.host.Overloaded() {
		n /= 2
	}
	if n < 1 {
		n = 1
	}
	return n
}

// RecordSuccess counts a successful attempt
func (t *Throttle) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.successes++
	if t.successes >= t.config.ResetAfter && t.failures > 0 {
		t.failures /= 2
		t.successes = 0
		t.logger.Debug("Failure count decayed", zap.Int("failures", t.failures))
	}
}

// RecordFailure counts a failed attempt. Expired sessions are fixed by
// signing in again, so they do not slow the run down.
func (t *Throttle) RecordFailure(kind model.FailureKind) {
	if kind == model.FailureSessionExpired {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures++
	t.successes = 0
	if t.failures == t.config.DegradeAt {
		t.logger.Warn("Failure threshold reached, reducing concurrency",
			zap.Int("failures", t.failures),
			zap.String("kind", string(kind)))
	}
}

// RecentFailures returns the current rolling failure count
func (t *Throttle) RecentFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// Delay is NextDelay at the current failure count
func (t *Throttle) Delay() time.Duration {
	return t.NextDelay(t.RecentFailures())
}

// Workers is RecommendedWorkerCount at the current failure count
func (t *Throttle) Workers(configuredMax int) int {
	return t.RecommendedWorkerCount(t.RecentFailures(), configuredMax)
}

// Wait blocks for the current delay and for the shared start slot. Slots
// are handed out at least MinInterval apart across every caller.
func (t *Throttle) Wait(ctx context.Context) error {
	t.mu.Lock()
	now := time.Now()
	start := now.Add(t.NextDelay(t.failures))
	if earliest := t.nextStart; start.Before(earliest) {
		start = earliest
	}
	t.nextStart = start.Add(t.config.MinInterval)
	t.mu.Unlock()

	wait := time.Until(start)
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
