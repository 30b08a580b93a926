// Package orchestrator executes a run: it materializes tasks, feeds them to a
// pool of workers and retries, finalizes and reports them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/combination"
	"github.com/t77yq/backtest-automator/internal/driver"
	"github.com/t77yq/backtest-automator/internal/model"
	"github.com/t77yq/backtest-automator/internal/parameter"
	"github.com/t77yq/backtest-automator/internal/queue"
	"github.com/t77yq/backtest-automator/internal/report"
	"github.com/t77yq/backtest-automator/internal/site"
	"github.com/t77yq/backtest-automator/internal/throttle"
	"github.com/t77yq/backtest-automator/internal/worker"
)

const defaultPollTimeout = 100 * time.Millisecond

// Config defines the collaborators of a run
type Config struct {
	Launcher    driver.Launcher
	Site        *site.Site
	Registry    *parameter.Registry
	Credentials site.Credentials
	Throttle    *throttle.Throttle
	// Artifacts may be nil
	Artifacts worker.Capturer
	// Sink receives results and progress; nil discards them
	Sink report.Sink
	// Dispatch configures the buffer in front of Sink
	Dispatch report.DispatcherConfig
	// PollTimeout bounds each wait for a queued task
	PollTimeout time.Duration
	Verify      bool
	Logger      *zap.Logger
}

type slot struct {
	index  int
	worker *worker.Worker
	alive  bool
	// gen identifies the loop currently serving the slot
	gen int
}

// Orchestrator runs one RunSpec. It is not reusable.
type Orchestrator struct {
	logger *zap.Logger
	config Config
	sink   *report.Dispatcher

	mu        sync.Mutex
	spec      *model.RunSpec
	status    model.RunStatus
	queue     *queue.Queue
	tasks     map[string]*model.Task
	order     []string
	metrics   map[string]map[string]float64
	stage     int
	fixed     model.ParamSet
	slots     []*slot
	active    int
	inFlight  int
	completed int
	failed    int
	startedAt time.Time
	endedAt   *time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	finalized bool
}

// New creates an orchestrator from config, filling in defaults
func New(config Config) *Orchestrator {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Sink == nil {
		config.Sink = report.Nop{}
	}
	if config.Registry == nil {
		config.Registry = parameter.DefaultRegistry()
	}
	if config.Site == nil {
		config.Site = site.New(site.DefaultLayout(), site.DefaultTimeouts(), config.Logger)
	}
	if config.Throttle == nil {
		config.Throttle = throttle.New(throttle.DefaultConfig(), nil, config.Logger)
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = defaultPollTimeout
	}

	return &Orchestrator{
		logger:  config.Logger.Named("orchestrator"),
		config:  config,
		status:  model.RunStatusPending,
		tasks:   make(map[string]*model.Task),
		metrics: make(map[string]map[string]float64),
		done:    make(chan struct{}),
	}
}

// Start validates spec, enqueues its first combinations, opens the worker
// pool and starts the worker loops. The loops live until the run drains,
// Stop is called or ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context, spec model.RunSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	combos, err := combination.Generate(&spec)
	if err != nil {
		return err
	}
	for _, name := range spec.Parameters() {
		if _, err := o.config.Registry.Get(name); err != nil {
			return fmt.Errorf("%w: %w", model.ErrInvalidSpec, err)
		}
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	o.mu.Lock()
	if o.status != model.RunStatusPending || o.spec != nil {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.spec = &spec
	o.queue = queue.New(spec.MaxRetries)
	o.startedAt = time.Now()
	o.sink = report.NewDispatcher(o.config.Sink, o.config.Dispatch, o.config.Logger)
	o.enqueueLocked(combos, 0)
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	logger := o.logger.With(zap.String("run_id", spec.ID))
	logger.Info("Starting run",
		zap.String("mode", string(spec.Mode)),
		zap.String("target", spec.Target),
		zap.Int("tasks", len(combos)),
		zap.Int("max_workers", spec.MaxWorkers),
		zap.Int("max_retries", spec.MaxRetries))

	if len(combos) == 0 {
		o.mu.Lock()
		o.status = model.RunStatusCompleted
		o.mu.Unlock()
		logger.Info("Run has no combinations")
		o.finalize()
		return nil
	}

	workers := o.openWorkers(ctx, min(spec.MaxWorkers, len(combos)))
	if len(workers) == 0 {
		o.mu.Lock()
		o.status = model.RunStatusStopped
		o.mu.Unlock()
		o.finalize()
		return ErrNoSessions
	}
	if len(workers) < spec.MaxWorkers && len(workers) < len(combos) {
		logger.Warn("Continuing with a partial worker pool",
			zap.Int("opened", len(workers)),
			zap.Int("wanted", min(spec.MaxWorkers, len(combos))))
	}

	o.mu.Lock()
	for i, w := range workers {
		o.slots = append(o.slots, &slot{index: i, worker: w})
	}
	o.status = model.RunStatusRunning
	o.startLoopsLocked()
	stats := o.statsLocked()
	o.mu.Unlock()

	o.sink.RunUpdated(o.ctx, stats)
	return nil
}

func (o *Orchestrator) openWorkers(ctx context.Context, n int) []*worker.Worker {
	var opened []*worker.Worker
	for i := 0; i < n; i++ {
		w := worker.New(worker.Config{
			ID:          fmt.Sprintf("worker-%d", i+1),
			Launcher:    o.config.Launcher,
			Site:        o.config.Site,
			Registry:    o.config.Registry,
			Credentials: o.config.Credentials,
			Artifacts:   o.config.Artifacts,
			Verify:      o.config.Verify,
			Logger:      o.config.Logger,
		})
		if err := w.Open(ctx); err != nil {
			o.logger.Error("Failed to open worker session", zap.String("worker_id", w.ID()), zap.Error(err))
			w.Close()
			continue
		}
		opened = append(opened, w)
	}
	return opened
}

func (o *Orchestrator) enqueueLocked(combos []model.ParamSet, stage int) {
	now := time.Now()
	for _, params := range combos {
		task := &model.Task{
			ID:        uuid.NewString(),
			RunID:     o.spec.ID,
			Stage:     stage,
			Params:    params,
			Status:    model.TaskStatusPending,
			CreatedAt: now,
		}
		o.tasks[task.ID] = task
		o.order = append(o.order, task.ID)
		if err := o.queue.Put(task, queue.Fresh()); err != nil {
			o.logger.Error("Failed to enqueue task", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) startLoopsLocked() {
	for _, s := range o.slots {
		if s.alive {
			continue
		}
		s.alive = true
		s.gen++
		o.active++
		go o.loop(o.ctx, s, s.gen)
	}
}

func (o *Orchestrator) loop(ctx context.Context, s *slot, gen int) {
	var last bool
	defer func() {
		o.mu.Lock()
		if o.retireLocked(s, gen) {
			last = true
		}
		o.mu.Unlock()
		if last {
			o.settle()
		}
	}()

	for {
		ok, wasLast := o.proceed(ctx, s, gen)
		if !ok {
			last = wasLast
			return
		}

		if s.index >= o.config.Throttle.Workers(o.spec.MaxWorkers) {
			if o.drained() {
				return
			}
			if err := site.Sleep(ctx, o.config.PollTimeout); err != nil {
				return
			}
			continue
		}

		task, err := o.claim(ctx)
		switch {
		case errors.Is(err, queue.ErrEmpty):
			if o.drained() {
				return
			}
			continue
		case err != nil:
			return
		}
		o.dispatch(ctx, s.worker, task)
	}
}

// proceed reports whether the loop should look for more work. A loop that
// declines retires its slot under the same lock Resume reads, so Resume
// either sees a live loop or a slot it can restart.
func (o *Orchestrator) proceed(ctx context.Context, s *slot, gen int) (bool, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == model.RunStatusRunning && ctx.Err() == nil {
		return true, false
	}
	return false, o.retireLocked(s, gen)
}

// retireLocked marks the slot dead if gen still serves it and reports
// whether it was the last live loop
func (o *Orchestrator) retireLocked(s *slot, gen int) bool {
	if s.gen != gen || !s.alive {
		return false
	}
	s.alive = false
	o.active--
	return o.active == 0
}

// claim takes the next task. The pop and the in-flight count change under
// one lock, so a loop that finds the queue empty and nothing in flight knows
// no other loop holds an unrecorded task.
func (o *Orchestrator) claim(ctx context.Context) (*model.Task, error) {
	deadline := time.Now().Add(o.config.PollTimeout)
	for {
		o.mu.Lock()
		if o.status != model.RunStatusRunning {
			o.mu.Unlock()
			return nil, queue.ErrEmpty
		}
		task, ok := o.queue.TryGet()
		if ok {
			o.inFlight++
			o.mu.Unlock()
			return task, nil
		}
		o.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, queue.ErrEmpty
		}
		if err := o.queue.Wait(ctx, remaining); err != nil {
			return nil, err
		}
	}
}

// begin marks a claimed task as running and counts the attempt
func (o *Orchestrator) begin(task *model.Task) *model.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now()
	task.Status = model.TaskStatusRunning
	task.Attempts++
	task.LastAttempt = &now
	return task.Clone()
}

// release puts a claimed task that never started back in the queue
func (o *Orchestrator) release(task *model.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inFlight--
	priority := queue.Fresh()
	if task.Attempts > 0 {
		priority = queue.Retry(task.Attempts)
	}
	if err := o.queue.Put(task, priority); err != nil {
		o.logger.Debug("Failed to return task to queue", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// drained reports whether nothing is queued or in flight and no stage is
// left to start. The first loop to see a drained stage starts the next one.
func (o *Orchestrator) drained() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.status != model.RunStatusRunning {
		return true
	}
	if !o.queue.IsEmpty() || o.inFlight > 0 {
		return false
	}
	return !o.advanceLocked()
}

// advanceLocked starts the next stage of a staged run and reports whether
// any task was enqueued
func (o *Orchestrator) advanceLocked() bool {
	spec := o.spec
	if spec.Mode != model.ModeStaged || o.stage+1 >= len(spec.Stages) {
		return false
	}

	current := spec.Stages[o.stage]
	best, score, ok := o.bestLocked(o.stage)
	if !ok {
		o.logger.Warn("No completed task in stage, ending run",
			zap.String("run_id", spec.ID),
			zap.Int("stage", o.stage+1),
			zap.String("metric", spec.Objective.Metric))
		return false
	}
	value, _ := best.Params.Get(current.Parameter)
	o.fixed = o.fixed.With(current.Parameter, value)

	next, err := combination.GenerateStage(spec, o.stage+1, o.fixed)
	if err != nil {
		o.logger.Error("Failed to generate stage", zap.Int("stage", o.stage+2), zap.Error(err))
		return false
	}
	o.stage++
	o.enqueueLocked(next, o.stage)

	o.logger.Info("Advancing to next stage",
		zap.String("run_id", spec.ID),
		zap.Int("stage", o.stage+1),
		zap.String("fixed", o.fixed.String()),
		zap.Float64(spec.Objective.Metric, score),
		zap.Int("tasks", len(next)))
	return len(next) > 0
}

// bestLocked returns the completed task of stage that scores best. Ties go
// to the task created first.
func (o *Orchestrator) bestLocked(stage int) (*model.Task, float64, bool) {
	var (
		best  *model.Task
		score float64
	)
	objective := o.spec.Objective
	for _, id := range o.order {
		task := o.tasks[id]
		if task.Stage != stage || task.Status != model.TaskStatusCompleted {
			continue
		}
		v, ok := o.metrics[id][objective.Metric]
		if !ok {
			continue
		}
		if best == nil || objective.Better(v, score) {
			best, score = task, v
		}
	}
	return best, score, best != nil
}

func (o *Orchestrator) dispatch(ctx context.Context, w *worker.Worker, task *model.Task) {
	if err := o.config.Throttle.Wait(ctx); err != nil {
		o.release(task)
		return
	}

	result := w.Execute(ctx, o.begin(task), o.spec.Target)
	if ctx.Err() != nil {
		// stopped mid-attempt; the task keeps its running status
		o.abandon()
		return
	}
	o.record(result)
}

func (o *Orchestrator) abandon() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inFlight--
}

// record applies the outcome of an attempt to its task
func (o *Orchestrator) record(result model.TaskResult) {
	o.mu.Lock()
	o.inFlight--
	task := o.tasks[result.TaskID]
	logger := o.logger.With(
		zap.String("run_id", task.RunID),
		zap.String("task_id", task.ID),
		zap.Int("attempt", result.Attempt))

	if result.Success {
		o.config.Throttle.RecordSuccess()
		task.Status = model.TaskStatusCompleted
		task.FailureKind = model.FailureNone
		task.Error = ""
		o.metrics[task.ID] = result.Metrics
		o.completed++
		result.Final = true
	} else {
		o.config.Throttle.RecordFailure(result.FailureKind)
		task.FailureKind = result.FailureKind
		task.Error = result.Error

		requeued, err := o.queue.Requeue(task)
		switch {
		case err != nil:
			// the queue closes on stop; the task is left for a later run
			task.Status = model.TaskStatusPending
			logger.Warn("Failed to requeue task", zap.Error(err))
		case requeued:
			logger.Info("Task requeued",
				zap.String("kind", string(result.FailureKind)),
				zap.Int("retries_left", o.queue.MaxRetries()-(task.Attempts-1)))
		default:
			task.FailureKind = model.FailurePermanent
			task.Error = fmt.Sprintf("%s after %d attempts: %s", result.FailureKind, task.Attempts, result.Error)
			o.failed++
			result.Final = true
			result.FailureKind = model.FailurePermanent
			logger.Error("Task failed permanently", zap.String("error", task.Error))
		}
	}
	result.Status = task.Status
	stats := o.statsLocked()
	o.mu.Unlock()

	o.sink.TaskFinished(o.ctx, result)
	o.sink.RunUpdated(o.ctx, stats)
}

// settle runs after the last loop exits and decides what the run became
func (o *Orchestrator) settle() {
	o.mu.Lock()
	if o.active > 0 {
		o.mu.Unlock()
		return
	}

	switch o.status {
	case model.RunStatusRunning:
		if o.ctx.Err() != nil {
			o.status = model.RunStatusStopped
		} else {
			o.status = model.RunStatusCompleted
		}
	case model.RunStatusPaused:
		stats := o.statsLocked()
		o.mu.Unlock()
		o.logger.Info("Run paused", zap.String("run_id", o.spec.ID), zap.Int("pending", stats.Pending))
		o.sink.RunUpdated(o.ctx, stats)
		return
	}
	o.mu.Unlock()
	o.finalize()
}

// finalize closes every session and delivers the final snapshot once
func (o *Orchestrator) finalize() {
	o.mu.Lock()
	if o.finalized {
		o.mu.Unlock()
		return
	}
	o.finalized = true
	now := time.Now()
	o.endedAt = &now
	o.queue.Close()
	slots := o.slots
	stats := o.statsLocked()
	o.mu.Unlock()

	for _, s := range slots {
		if err := s.worker.Close(); err != nil {
			o.logger.Debug("Failed to close worker session", zap.String("worker_id", s.worker.ID()), zap.Error(err))
		}
	}
	if o.cancel != nil {
		o.cancel()
	}

	o.logger.Info("Run finished",
		zap.String("run_id", stats.RunID),
		zap.String("status", string(stats.Status)),
		zap.Int("completed", stats.Completed),
		zap.Int("failed", stats.Failed),
		zap.Int("pending", stats.Pending))

	o.sink.RunUpdated(context.Background(), stats)
	o.sink.Close()
	close(o.done)
}

// Pause stops handing out tasks. In-flight attempts finish and the queue is
// kept. Pausing a run that is not running does nothing.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != model.RunStatusRunning {
		return
	}
	o.status = model.RunStatusPaused
	o.logger.Info("Pausing run", zap.String("run_id", o.spec.ID))
}

// Resume restarts the worker loops of a paused run over the same queue
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != model.RunStatusPaused {
		return
	}
	o.status = model.RunStatusRunning
	o.startLoopsLocked()
	o.logger.Info("Resuming run", zap.String("run_id", o.spec.ID), zap.Int("workers", o.active))
}

// Stop ends the run for good. Every wait of an in-flight attempt is
// cancelled; those tasks keep their running status.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	switch o.status {
	case model.RunStatusPending, model.RunStatusCompleted, model.RunStatusStopped:
		o.mu.Unlock()
		return
	}
	o.status = model.RunStatusStopped
	o.cancel()
	idle := o.active == 0
	o.logger.Info("Stopping run", zap.String("run_id", o.spec.ID), zap.Int("in_flight", o.inFlight))
	o.mu.Unlock()

	if idle {
		o.finalize()
	}
}

// Wait blocks until the run has finished and returns the final snapshot
func (o *Orchestrator) Wait(ctx context.Context) (model.RunStats, error) {
	select {
	case <-o.done:
		return o.Stats(), nil
	case <-ctx.Done():
		return o.Stats(), ctx.Err()
	}
}

// Done is closed once the run has finished
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Stats returns a snapshot of the run counters
func (o *Orchestrator) Stats() model.RunStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statsLocked()
}

func (o *Orchestrator) statsLocked() model.RunStats {
	stats := model.RunStats{
		Status:        o.status,
		Total:         len(o.tasks),
		Completed:     o.completed,
		Failed:        o.failed,
		ActiveWorkers: o.active,
		Stage:         o.stage,
		StartedAt:     o.startedAt,
		FinishedAt:    o.endedAt,
	}
	if o.spec != nil {
		stats.RunID = o.spec.ID
	}
	for _, t := range o.tasks {
		if t.Status == model.TaskStatusRunning {
			stats.Running++
		}
	}
	stats.Pending = stats.Total - stats.Completed - stats.Failed
	return stats
}

// Tasks returns copies of every task in creation order
func (o *Orchestrator) Tasks() []*model.Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*model.Task, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.tasks[id].Clone())
	}
	return out
}

// Spec returns the run spec, with its generated id, once started
func (o *Orchestrator) Spec() *model.RunSpec {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.spec == nil {
		return nil
	}
	c := *o.spec
	return &c
}
