package report

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/model"
)

const (
	defaultBuffer       = 256
	defaultSinkTimeout  = 10 * time.Second
	defaultCloseTimeout = 30 * time.Second
)

// DispatcherConfig defines buffering for a Dispatcher
type DispatcherConfig struct {
	Buffer       int           `mapstructure:"buffer"`
	SinkTimeout  time.Duration `mapstructure:"sink_timeout"`
	CloseTimeout time.Duration `mapstructure:"close_timeout"`
}

type event struct {
	result *model.TaskResult
	stats  *model.RunStats
}

// Dispatcher hands events to a sink on its own goroutine. Each event is
// delivered at most once; when the buffer is full events are dropped so the
// sender never blocks.
type Dispatcher struct {
	logger *zap.Logger
	sink   Sink
	config DispatcherConfig

	events  chan event
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

// NewDispatcher creates a dispatcher and starts delivering
func NewDispatcher(sink Sink, config DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if config.Buffer <= 0 {
		config.Buffer = defaultBuffer
	}
	if config.SinkTimeout <= 0 {
		config.SinkTimeout = defaultSinkTimeout
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = defaultCloseTimeout
	}
	d := &Dispatcher{
		logger: logger.Named("report"),
		sink:   sink,
		config: config,
		events: make(chan event, config.Buffer),
		done:   make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) TaskFinished(_ context.Context, result model.TaskResult) error {
	d.send(event{result: &result})
	return nil
}

func (d *Dispatcher) RunUpdated(_ context.Context, stats model.RunStats) error {
	d.send(event{stats: &stats})
	return nil
}

func (d *Dispatcher) send(e event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.events <- e:
	default:
		d.dropped.Add(1)
		d.logger.Warn("Report buffer full, dropping event")
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for e := range d.events {
		d.deliver(e)
	}
}

func (d *Dispatcher) deliver(e event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.SinkTimeout)
	defer cancel()

	var err error
	if e.result != nil {
		err = d.sink.TaskFinished(ctx, *e.result)
	} else {
		err = d.sink.RunUpdated(ctx, *e.stats)
	}
	if err != nil {
		d.failed.Add(1)
		d.logger.Error("Failed to deliver report", zap.Error(err))
	}
}

// Close stops accepting events and waits for the buffer to drain
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.events)
		d.mu.Unlock()
	})

	select {
	case <-d.done:
	case <-time.After(d.config.CloseTimeout):
		d.logger.Warn("Timed out draining reports", zap.Int("pending", len(d.events)))
	}
}

// Dropped returns how many events were discarded
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Failed returns how many deliveries the sink rejected
func (d *Dispatcher) Failed() int64 {
	return d.failed.Load()
}
