// Package worker drives one browser session through the backtest protocol.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/driver"
	"github.com/t77yq/backtest-automator/internal/failure"
	"github.com/t77yq/backtest-automator/internal/model"
	"github.com/t77yq/backtest-automator/internal/parameter"
	"github.com/t77yq/backtest-automator/internal/site"
)

const inspectTimeout = 5 * time.Second

// Capturer saves diagnostics of a failed attempt
type Capturer interface {
	Capture(ctx context.Context, sess driver.Session, task *model.Task) map[string]string
}

// Config defines what a worker needs to execute tasks
type Config struct {
	ID          string
	Launcher    driver.Launcher
	Site        *site.Site
	Registry    *parameter.Registry
	Credentials site.Credentials
	// Artifacts may be nil
	Artifacts Capturer
	// Verify reads every value back after writing it
	Verify bool
	Logger *zap.Logger
}

// Worker owns one session exclusively. It is the only writer of its state.
type Worker struct {
	logger *zap.Logger
	config Config

	mu       sync.Mutex
	state    model.WorkerState
	session  driver.Session
	loggedIn bool
	target   string
}

// New creates an idle worker without a session
func New(config Config) *Worker {
	return &Worker{
		logger: config.Logger.Named("worker").With(zap.String("worker_id", config.ID)),
		config: config,
		state:  model.WorkerStateIdle,
	}
}

// ID returns the worker id
func (w *Worker) ID() string {
	return w.config.ID
}

// State returns the current worker state
func (w *Worker) State() model.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s model.WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == model.WorkerStateStopped {
		return
	}
	w.state = s
}

// Open launches the session if there is none
func (w *Worker) Open(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == model.WorkerStateStopped {
		return ErrStopped
	}
	return w.openLocked(ctx)
}

func (w *Worker) openLocked(ctx context.Context) error {
	if w.session != nil {
		return nil
	}
	sess, err := w.config.Launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("failed to launch session: %w", err)
	}
	w.session = sess
	w.loggedIn = false
	w.target = ""
	w.logger.Debug("Session opened")
	return nil
}

// Close closes the session and stops the worker for good
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = model.WorkerStateStopped
	return w.dropLocked()
}

func (w *Worker) dropLocked() error {
	w.loggedIn = false
	w.target = ""
	if w.session == nil {
		return nil
	}
	err := w.session.Close()
	w.session = nil
	return err
}

// Execute runs one attempt of task against target and reports the outcome.
// It never returns a zero result; failures carry their kind and artifacts.
func (w *Worker) Execute(ctx context.Context, task *model.Task, target string) model.TaskResult {
	result := model.TaskResult{
		TaskID:    task.ID,
		RunID:     task.RunID,
		WorkerID:  w.config.ID,
		Stage:     task.Stage,
		Attempt:   task.Attempts,
		Params:    task.Params.Clone(),
		StartedAt: time.Now(),
	}

	sess, err := w.begin(ctx)
	if err != nil {
		result.FinishedAt = time.Now()
		result.Error = err.Error()
		result.FailureKind = failure.Classify(failure.Outcome{Err: err, Step: failure.StepLogin})
		if errors.Is(err, ErrStopped) || errors.Is(err, ErrBusy) {
			result.FailureKind = model.FailureAutomationCrash
		}
		if !errors.Is(err, ErrBusy) {
			w.setState(model.WorkerStateIdle)
		}
		return result
	}

	w.logger.Debug("Executing task",
		zap.String("task_id", task.ID),
		zap.Int("attempt", task.Attempts),
		zap.String("params", task.Params.String()))

	metrics, extras, step, err := w.run(ctx, sess, task, target)
	result.FinishedAt = time.Now()
	result.Extras = extras
	if err == nil {
		result.Success = true
		result.Metrics = metrics
		w.setState(model.WorkerStateIdle)
		w.logger.Info("Task attempt succeeded",
			zap.String("task_id", task.ID),
			zap.Duration("duration", result.Duration()))
		return result
	}

	w.setState(model.WorkerStateError)
	result.Error = err.Error()
	result.FailureKind = w.diagnose(ctx, sess, task, step, err, &result)
	w.afterFailure(result.FailureKind)
	w.setState(model.WorkerStateIdle)

	w.logger.Warn("Task attempt failed",
		zap.String("task_id", task.ID),
		zap.Int("attempt", task.Attempts),
		zap.String("step", string(step)),
		zap.String("kind", string(result.FailureKind)),
		zap.Error(err))
	return result
}

func (w *Worker) begin(ctx context.Context) (driver.Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.state {
	case model.WorkerStateStopped:
		return nil, ErrStopped
	case model.WorkerStateRunning:
		return nil, ErrBusy
	}
	w.state = model.WorkerStateRunning
	if err := w.openLocked(ctx); err != nil {
		return nil, err
	}
	return w.session, nil
}

func (w *Worker) run(ctx context.Context, sess driver.Session, task *model.Task, target string) (map[string]float64, map[string]string, failure.Step, error) {
	s := w.config.Site

	if err := w.ensureLoggedIn(ctx, sess); err != nil {
		return nil, nil, failure.StepLogin, err
	}
	if err := w.ensureTarget(ctx, sess, target); err != nil {
		return nil, nil, failure.StepNavigate, err
	}
	if err := s.OpenBacktestDialog(ctx, sess); err != nil {
		return nil, nil, failure.StepOpenDialog, err
	}
	if err := w.applyParams(ctx, sess, task.Params); err != nil {
		return nil, nil, failure.StepSetParams, err
	}
	if err := s.RunBacktest(ctx, sess); err != nil {
		return nil, nil, failure.StepTrigger, err
	}
	metrics, extras, err := s.ExtractResults(ctx, sess)
	if err != nil {
		return nil, extras, failure.StepExtract, err
	}
	return metrics, extras, "", nil
}

func (w *Worker) ensureLoggedIn(ctx context.Context, sess driver.Session) error {
	w.mu.Lock()
	loggedIn := w.loggedIn
	w.mu.Unlock()
	if loggedIn {
		return nil
	}

	if err := w.config.Site.Login(ctx, sess, w.config.Credentials); err != nil {
		return err
	}
	w.mu.Lock()
	w.loggedIn = true
	w.target = ""
	w.mu.Unlock()
	w.logger.Info("Signed in")
	return nil
}

// ensureTarget loads target unless the session already shows it. Failures
// clear the loaded target so the next attempt starts from a fresh page.
func (w *Worker) ensureTarget(ctx context.Context, sess driver.Session, target string) error {
	w.mu.Lock()
	loaded := w.target == target
	w.mu.Unlock()
	if loaded {
		return nil
	}
	if err := w.config.Site.OpenTarget(ctx, sess, target); err != nil {
		return err
	}
	w.mu.Lock()
	w.target = target
	w.mu.Unlock()
	return nil
}

func (w *Worker) applyParams(ctx context.Context, sess driver.Session, params model.ParamSet) error {
	settle := w.config.Site.Timeouts().Settle
	for i, a := range params {
		p, err := w.config.Registry.Get(a.Name)
		if err != nil {
			return err
		}
		if err := p.EnsureVisible(ctx, sess); err != nil {
			return fmt.Errorf("failed to reveal %s: %w", a.Name, err)
		}
		if err := p.SetValue(ctx, sess, a.Value); err != nil {
			return fmt.Errorf("failed to set %s=%v: %w", a.Name, a.Value, err)
		}
		if w.config.Verify {
			ok, err := p.VerifyValue(ctx, sess, a.Value)
			if err != nil {
				return fmt.Errorf("failed to verify %s: %w", a.Name, err)
			}
			if !ok {
				return fmt.Errorf("%w: %s=%v", parameter.ErrNotApplied, a.Name, a.Value)
			}
		}
		if i < len(params)-1 {
			if err := site.Sleep(ctx, settle); err != nil {
				return err
			}
		}
	}
	return nil
}

// diagnose inspects the page, captures artifacts and classifies the failure
func (w *Worker) diagnose(ctx context.Context, sess driver.Session, task *model.Task, step failure.Step, err error, result *model.TaskResult) model.FailureKind {
	outcome := failure.Outcome{
		Err:         err,
		Step:        step,
		URL:         sess.URL(),
		DialogStuck: errors.Is(err, site.ErrModalStuck),
	}
	if ctx.Err() != nil {
		return failure.Classify(outcome)
	}

	ictx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	s := w.config.Site
	if !errors.Is(err, driver.ErrDisconnected) && !errors.Is(err, driver.ErrSessionClosed) {
		outcome.AuthSurface = s.OnAuthSurface(ictx, sess)
		outcome.PlatformError = s.PlatformError(ictx, sess)
		outcome.DialogOpen = s.DialogOpen(ictx, sess)
	}
	if w.config.Artifacts != nil {
		failed := task.Clone()
		result.Artifacts = w.config.Artifacts.Capture(ctx, sess, failed)
	}
	return failure.Classify(outcome)
}

// afterFailure forgets whatever the failure may have invalidated
func (w *Worker) afterFailure(kind model.FailureKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.target = ""
	switch kind {
	case model.FailureSessionExpired:
		w.loggedIn = false
	case model.FailureAutomationCrash:
		if err := w.dropLocked(); err != nil {
			w.logger.Debug("Failed to close crashed session", zap.Error(err))
		}
	}
}

// LoggedIn reports whether the worker holds an authenticated session
func (w *Worker) LoggedIn() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loggedIn
}

// Target returns the last target loaded in the session
func (w *Worker) Target() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.target
}
