// Package events publishes run progress to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/model"
)

const (
	DefaultStream  = "AUTOMATOR"
	DefaultPrefix  = "automator"
	streamMaxAge   = 24 * time.Hour
	publishTimeout = 5 * time.Second
)

// Event kinds, also the last token of the subject
const (
	KindTask  = "task"
	KindStats = "stats"
	KindAlert = "alert"
)

// Event is the envelope of every published message
type Event struct {
	Kind      string            `json:"kind"`
	RunID     string            `json:"run_id"`
	Timestamp time.Time         `json:"timestamp"`
	Result    *model.TaskResult `json:"result,omitempty"`
	Stats     *model.RunStats   `json:"stats,omitempty"`
	Alert     *model.Alert      `json:"alert,omitempty"`
}

// Config defines the stream events are kept in
type Config struct {
	Stream string        `mapstructure:"stream"`
	Prefix string        `mapstructure:"prefix"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

// Publisher writes events to <prefix>.run.<run id>.<kind>
type Publisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	config Config
}

// NewPublisher creates a publisher and makes sure its stream exists
func NewPublisher(js nats.JetStreamContext, config Config, logger *zap.Logger) (*Publisher, error) {
	if config.Stream == "" {
		config.Stream = DefaultStream
	}
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.MaxAge <= 0 {
		config.MaxAge = streamMaxAge
	}

	p := &Publisher{
		logger: logger.Named("events"),
		js:     js,
		config: config,
	}
	if err := p.setupStream(); err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return p, nil
}

func (p *Publisher) setupStream() error {
	stream, err := p.js.StreamInfo(p.config.Stream)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	if stream != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:     p.config.Stream,
		Subjects: []string{p.config.Prefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   p.config.MaxAge,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	p.logger.Info("Stream created", zap.String("stream", p.config.Stream))
	return nil
}

// Subject returns the subject events of kind for runID go to. An empty
// runID or kind gives a wildcard.
func (p *Publisher) Subject(runID, kind string) string {
	if runID == "" {
		runID = "*"
	}
	if kind == "" {
		kind = "*"
	}
	return fmt.Sprintf("%s.run.%s.%s", p.config.Prefix, runID, kind)
}

func (p *Publisher) publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, publishTimeout)
		defer cancel()
	}

	subject := p.Subject(e.RunID, e.Kind)
	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (p *Publisher) TaskFinished(ctx context.Context, result model.TaskResult) error {
	return p.publish(ctx, Event{Kind: KindTask, RunID: result.RunID, Timestamp: result.FinishedAt, Result: &result})
}

func (p *Publisher) RunUpdated(ctx context.Context, stats model.RunStats) error {
	return p.publish(ctx, Event{Kind: KindStats, RunID: stats.RunID, Timestamp: time.Now(), Stats: &stats})
}

// Notify publishes an alert
func (p *Publisher) Notify(ctx context.Context, alert *model.Alert) error {
	return p.publish(ctx, Event{Kind: KindAlert, RunID: alert.RunID, Timestamp: alert.CreatedAt, Alert: alert})
}

// Subscribe delivers events of runID (all runs when empty) until ctx is done
func (p *Publisher) Subscribe(ctx context.Context, runID string, handler func(Event)) error {
	sub, err := p.js.Subscribe(p.Subject(runID, ""), func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			p.logger.Error("Failed to unmarshal event", zap.Error(err))
			return
		}
		handler(e)
		msg.Ack()
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}
