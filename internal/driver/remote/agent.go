package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/driver"
)

// agentQueue lets several agents share the launch subject
const agentQueue = "browser-agents"

// Agent serves sessions from a local launcher to remote workers
type Agent struct {
	logger   *zap.Logger
	nc       *nats.Conn
	prefix   string
	launcher driver.Launcher

	mu       sync.Mutex
	launch   *nats.Subscription
	sessions map[string]*hosted
}

type hosted struct {
	sess driver.Session
	sub  *nats.Subscription
	// sent is how many console lines were already forwarded
	sent int
}

// NewAgent creates an agent. prefix defaults to DefaultPrefix.
func NewAgent(nc *nats.Conn, launcher driver.Launcher, prefix string, logger *zap.Logger) *Agent {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Agent{
		logger:   logger.Named("agent"),
		nc:       nc,
		prefix:   prefix,
		launcher: launcher,
		sessions: make(map[string]*hosted),
	}
}

// Start subscribes to launch requests
func (a *Agent) Start() error {
	sub, err := a.nc.QueueSubscribe(launchSubject(a.prefix), agentQueue, a.handleLaunch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", launchSubject(a.prefix), err)
	}
	a.mu.Lock()
	a.launch = sub
	a.mu.Unlock()

	a.logger.Info("Browser agent started", zap.String("subject", launchSubject(a.prefix)))
	return nil
}

// Stop stops serving and closes every hosted session
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.launch != nil {
		a.launch.Unsubscribe()
		a.launch = nil
	}
	sessions := a.sessions
	a.sessions = make(map[string]*hosted)
	a.mu.Unlock()

	for id, h := range sessions {
		h.sub.Unsubscribe()
		if err := h.sess.Close(); err != nil {
			a.logger.Warn("Failed to close session", zap.String("session", id), zap.Error(err))
		}
	}
}

// Sessions returns how many sessions are open
func (a *Agent) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *Agent) respond(msg *nats.Msg, reply Reply) {
	data, err := json.Marshal(reply)
	if err != nil {
		a.logger.Error("Failed to encode reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		a.logger.Warn("Failed to send reply", zap.Error(err))
	}
}

func (a *Agent) handleLaunch(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sess, err := a.launcher.Launch(ctx)
	if err != nil {
		a.logger.Error("Failed to launch session", zap.Error(err))
		code, text := encodeError(err)
		a.respond(msg, Reply{Code: code, Error: text})
		return
	}

	id := uuid.New().String()
	h := &hosted{sess: sess}
	// per-subscription delivery is sequential, so commands for one session never overlap
	sub, err := a.nc.Subscribe(sessionSubject(a.prefix, id), func(m *nats.Msg) {
		a.handleCommand(id, h, m)
	})
	if err != nil {
		sess.Close()
		a.respond(msg, Reply{Code: codeInternal, Error: err.Error()})
		return
	}
	h.sub = sub

	a.mu.Lock()
	a.sessions[id] = h
	a.mu.Unlock()

	reply := Reply{Session: id, URL: sess.URL()}
	if cb, ok := sess.(driver.ContainerBound); ok {
		reply.Container = cb.ContainerID()
	}
	a.logger.Info("Session opened", zap.String("session", id))
	a.respond(msg, reply)
}

func (a *Agent) handleCommand(id string, h *hosted, msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		a.respond(msg, Reply{Code: codeInternal, Error: fmt.Sprintf("bad command: %v", err)})
		return
	}

	timeout := time.Duration(cmd.TimeoutMS)*time.Millisecond + 10*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	reply, err := a.execute(ctx, h.sess, cmd)
	if cmd.Op == OpClose {
		a.mu.Lock()
		delete(a.sessions, id)
		a.mu.Unlock()
		h.sub.Unsubscribe()
		a.logger.Info("Session closed", zap.String("session", id))
	} else {
		reply.URL = h.sess.URL()
		if console := h.sess.ConsoleLog(); len(console) > h.sent {
			reply.Console = console[h.sent:]
			h.sent = len(console)
		}
	}
	reply.Code, reply.Error = encodeError(err)
	if err != nil {
		a.logger.Debug("Command failed",
			zap.String("session", id),
			zap.String("op", string(cmd.Op)),
			zap.Error(err))
	}
	a.respond(msg, reply)
}

func (a *Agent) execute(ctx context.Context, sess driver.Session, cmd Command) (Reply, error) {
	var reply Reply
	var err error
	switch cmd.Op {
	case OpNavigate:
		err = sess.Navigate(ctx, cmd.URL)
	case OpFill:
		err = sess.Fill(ctx, cmd.Locator, cmd.Value)
	case OpClick:
		err = sess.Click(ctx, cmd.Locator)
	case OpWaitFor:
		err = sess.WaitFor(ctx, cmd.Locator, cmd.State, time.Duration(cmd.TimeoutMS)*time.Millisecond)
	case OpCount:
		reply.Count, err = sess.Count(ctx, cmd.Locator)
	case OpText:
		reply.Text, err = sess.Text(ctx, cmd.Locator)
	case OpInputValue:
		reply.Text, err = sess.InputValue(ctx, cmd.Locator)
	case OpAttribute:
		reply.Text, err = sess.Attribute(ctx, cmd.Locator, cmd.Name)
	case OpScreenshot:
		reply.Data, err = sess.Screenshot(ctx)
	case OpSnapshot:
		reply.Text, err = sess.Snapshot(ctx)
	case OpClose:
		err = sess.Close()
	default:
		err = fmt.Errorf("unknown op %q", cmd.Op)
	}
	return reply, err
}
