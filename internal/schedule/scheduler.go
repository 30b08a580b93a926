// Package schedule starts runs on cron expressions.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/model"
)

// Launch starts one run for a schedule and returns its run ID. It may block
// until the run finishes; triggers of the same schedule never overlap.
type Launch func(ctx context.Context, schedule *model.RunSchedule) (string, error)

// parser accepts six fields, seconds first
var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler manages scheduled runs
type Scheduler struct {
	logger *zap.Logger
	cron   *cron.Cron
	launch Launch

	mu        sync.RWMutex
	schedules map[string]*model.RunSchedule
	entryIDs  map[string]cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// New creates a new scheduler
func New(launch Launch, logger *zap.Logger) *Scheduler {
	logger = logger.Named("schedule")
	cl := &cronLogger{logger: logger.Named("cron")}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		logger: logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		launch:    launch,
		schedules: make(map[string]*model.RunSchedule),
		entryIDs:  make(map[string]cron.EntryID),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running launches and waits for them to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// AddSchedule registers a schedule and computes its next run time
func (s *Scheduler) AddSchedule(schedule *model.RunSchedule) error {
	spec, err := parser.Parse(schedule.Expression)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidExpression, schedule.Expression, err)
	}
	if schedule.ID == "" {
		schedule.ID = uuid.New().String()
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entryIDs[schedule.ID]; ok {
		s.cron.Remove(old)
	}
	entryID := s.cron.Schedule(spec, &runJob{scheduler: s, schedule: schedule, spec: spec})
	s.schedules[schedule.ID] = schedule
	s.entryIDs[schedule.ID] = entryID

	next := spec.Next(time.Now())
	schedule.NextRunTime = &next

	s.logger.Info("Added schedule",
		zap.String("id", schedule.ID),
		zap.String("name", schedule.Name),
		zap.String("expression", schedule.Expression),
		zap.Time("next_run", next))
	return nil
}

// RemoveSchedule removes a schedule
func (s *Scheduler) RemoveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entryIDs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.cron.Remove(entryID)
	delete(s.entryIDs, id)
	delete(s.schedules, id)

	s.logger.Info("Removed schedule", zap.String("id", id))
	return nil
}

// GetSchedule returns a copy of a schedule by ID
func (s *Scheduler) GetSchedule(id string) (model.RunSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schedule, ok := s.schedules[id]
	if !ok {
		return model.RunSchedule{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *schedule, nil
}

// ListSchedules returns copies of every schedule sorted by name
func (s *Scheduler) ListSchedules() []model.RunSchedule {
	s.mu.RLock()
	out := make([]model.RunSchedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		out = append(out, *schedule)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// runJob implements cron.Job
type runJob struct {
	scheduler *Scheduler
	schedule  *model.RunSchedule
	spec      cron.Schedule
}

// Run implements cron.Job
func (j *runJob) Run() {
	s := j.scheduler
	now := time.Now()
	next := j.spec.Next(now)

	s.mu.Lock()
	j.schedule.LastRunTime = &now
	j.schedule.NextRunTime = &next
	snapshot := *j.schedule
	s.mu.Unlock()

	s.logger.Info("Starting scheduled run",
		zap.String("id", snapshot.ID),
		zap.String("name", snapshot.Name),
		zap.String("spec_path", snapshot.SpecPath))

	runID, err := s.launch(s.ctx, &snapshot)
	if err != nil {
		s.logger.Error("Scheduled run failed",
			zap.String("id", snapshot.ID),
			zap.Error(err))
		return
	}

	s.mu.Lock()
	j.schedule.LastRunID = runID
	s.mu.Unlock()

	s.logger.Info("Scheduled run finished",
		zap.String("id", snapshot.ID),
		zap.String("run_id", runID),
		zap.Time("next_run", next))
}
