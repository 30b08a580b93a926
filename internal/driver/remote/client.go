package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/driver"
)

// Config configures the client side
type Config struct {
	Prefix string `mapstructure:"prefix"`
	// LaunchTimeout bounds the wait for an agent to open a browser
	LaunchTimeout time.Duration `mapstructure:"launch_timeout"`
	// RequestTimeout bounds each command on top of its own wait
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// NavigateTimeout bounds page loads
	NavigateTimeout time.Duration `mapstructure:"navigate_timeout"`
}

func (c *Config) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
}

// Launcher asks agents for new sessions
type Launcher struct {
	logger *zap.Logger
	nc     *nats.Conn
	config Config
}

// NewLauncher creates a launcher over an established connection
func NewLauncher(nc *nats.Conn, config Config, logger *zap.Logger) *Launcher {
	config.setDefaults()
	return &Launcher{
		logger: logger.Named("remote"),
		nc:     nc,
		config: config,
	}
}

// Launch opens a session on whichever agent answers first
func (l *Launcher) Launch(ctx context.Context) (driver.Session, error) {
	var reply Reply
	if err := l.request(ctx, launchSubject(l.config.Prefix), nil, l.config.LaunchTimeout, &reply); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	if err := reply.err(); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	l.logger.Info("Remote session opened",
		zap.String("session", reply.Session),
		zap.String("container", reply.Container))
	return &Session{
		launcher:  l,
		id:        reply.Session,
		container: reply.Container,
		url:       reply.URL,
	}, nil
}

// request sends data and decodes the reply. A missing or silent agent is
// reported as a lost browser.
func (l *Launcher) request(ctx context.Context, subject string, data []byte, timeout time.Duration, reply *Reply) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := l.nc.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return fmt.Errorf("no answer on %s: %w", subject, driver.ErrDisconnected)
		}
		if errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("%s: %w", err, driver.ErrDisconnected)
		}
		return err
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("failed to decode reply: %w", err)
	}
	return nil
}

// Session is a browser context hosted by an agent
type Session struct {
	launcher  *Launcher
	id        string
	container string

	mu      sync.Mutex
	url     string
	console []string
	closed  bool
}

// ID returns the agent-side session ID
func (s *Session) ID() string {
	return s.id
}

// ContainerID returns the container hosting the browser, if any
func (s *Session) ContainerID() string {
	return s.container
}

func (s *Session) do(ctx context.Context, cmd Command, wait time.Duration) (*Reply, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, driver.ErrSessionClosed
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	var reply Reply
	l := s.launcher
	if err := l.request(ctx, sessionSubject(l.config.Prefix, s.id), data, wait+l.config.RequestTimeout, &reply); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if reply.URL != "" {
		s.url = reply.URL
	}
	s.console = append(s.console, reply.Console...)
	s.mu.Unlock()

	return &reply, reply.err()
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	_, err := s.do(ctx, Command{Op: OpNavigate, URL: url, TimeoutMS: s.launcher.config.NavigateTimeout.Milliseconds()}, s.launcher.config.NavigateTimeout)
	return err
}

func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Session) Fill(ctx context.Context, loc driver.Locator, value string) error {
	_, err := s.do(ctx, Command{Op: OpFill, Locator: loc, Value: value}, 0)
	return err
}

func (s *Session) Click(ctx context.Context, loc driver.Locator) error {
	_, err := s.do(ctx, Command{Op: OpClick, Locator: loc}, 0)
	return err
}

func (s *Session) WaitFor(ctx context.Context, loc driver.Locator, state driver.State, timeout time.Duration) error {
	_, err := s.do(ctx, Command{Op: OpWaitFor, Locator: loc, State: state, TimeoutMS: timeout.Milliseconds()}, timeout)
	return err
}

func (s *Session) Count(ctx context.Context, loc driver.Locator) (int, error) {
	reply, err := s.do(ctx, Command{Op: OpCount, Locator: loc}, 0)
	if err != nil {
		return 0, err
	}
	return reply.Count, nil
}

func (s *Session) Text(ctx context.Context, loc driver.Locator) (string, error) {
	reply, err := s.do(ctx, Command{Op: OpText, Locator: loc}, 0)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

func (s *Session) InputValue(ctx context.Context, loc driver.Locator) (string, error) {
	reply, err := s.do(ctx, Command{Op: OpInputValue, Locator: loc}, 0)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

func (s *Session) Attribute(ctx context.Context, loc driver.Locator, name string) (string, error) {
	reply, err := s.do(ctx, Command{Op: OpAttribute, Locator: loc, Name: name}, 0)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	reply, err := s.do(ctx, Command{Op: OpScreenshot}, 0)
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

func (s *Session) Snapshot(ctx context.Context) (string, error) {
	reply, err := s.do(ctx, Command{Op: OpSnapshot}, 0)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

func (s *Session) ConsoleLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.console...)
}

// Close releases the remote browser context. A vanished agent counts as closed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.launcher.config.RequestTimeout)
	defer cancel()
	_, err := s.do(ctx, Command{Op: OpClose}, 0)

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if errors.Is(err, driver.ErrDisconnected) || errors.Is(err, driver.ErrSessionClosed) {
		return nil
	}
	return err
}
