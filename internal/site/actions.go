package site

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/driver"
)

// Credentials used to sign in
type Credentials struct {
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// Timeouts bounds every wait the actions perform
type Timeouts struct {
	// Element bounds waits for a single element to change state
	Element time.Duration `mapstructure:"element"`
	// Settle is the pause after navigation and between form writes
	Settle time.Duration `mapstructure:"settle"`
	// Completion bounds the wait for a backtest to finish
	Completion time.Duration `mapstructure:"completion"`
}

// DefaultTimeouts returns bounds suited to the live site
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Element:    10 * time.Second,
		Settle:     500 * time.Millisecond,
		Completion: 2 * time.Minute,
	}
}

// Site performs page-level actions on a session
type Site struct {
	logger   *zap.Logger
	layout   Layout
	timeouts Timeouts
}

// New creates site actions over layout
func New(layout Layout, timeouts Timeouts, logger *zap.Logger) *Site {
	def := DefaultTimeouts()
	if timeouts.Element <= 0 {
		timeouts.Element = def.Element
	}
	if timeouts.Completion <= 0 {
		timeouts.Completion = def.Completion
	}
	if timeouts.Settle < 0 {
		timeouts.Settle = 0
	}
	return &Site{
		logger:   logger.Named("site"),
		layout:   layout,
		timeouts: timeouts,
	}
}

// Layout returns the locators in use
func (s *Site) Layout() Layout {
	return s.layout
}

// Timeouts returns the wait bounds in use
func (s *Site) Timeouts() Timeouts {
	return s.timeouts
}

// Login opens the base URL and signs in
func (s *Site) Login(ctx context.Context, sess driver.Session, creds Credentials) error {
	if err := sess.Navigate(ctx, s.layout.BaseURL); err != nil {
		return fmt.Errorf("failed to open %s: %w", s.layout.BaseURL, err)
	}
	if s.LoggedIn(ctx, sess) {
		return nil
	}

	if n, err := sess.Count(ctx, s.layout.SignIn); err == nil && n > 0 {
		if err := sess.Click(ctx, s.layout.SignIn); err != nil {
			return fmt.Errorf("failed to open sign in form: %w", err)
		}
		if err := Sleep(ctx, s.timeouts.Settle); err != nil {
			return err
		}
	}

	if err := sess.WaitFor(ctx, s.layout.Email, driver.StateVisible, s.timeouts.Element); err != nil {
		return fmt.Errorf("login form not shown: %w", err)
	}
	if err := sess.Fill(ctx, s.layout.Email, creds.Email); err != nil {
		return fmt.Errorf("failed to fill email: %w", err)
	}
	if err := sess.Fill(ctx, s.layout.Password, creds.Password); err != nil {
		return fmt.Errorf("failed to fill password: %w", err)
	}
	if err := sess.Click(ctx, s.layout.Submit); err != nil {
		return fmt.Errorf("failed to submit login form: %w", err)
	}

	deadline := time.Now().Add(s.timeouts.Element)
	for !s.LoggedIn(ctx, sess) {
		if time.Now().After(deadline) {
			return ErrLoginFailed
		}
		if err := Sleep(ctx, pollInterval(s.timeouts.Element)); err != nil {
			return err
		}
	}

	s.logger.Debug("Signed in", zap.String("url", sess.URL()))
	return nil
}

// LoggedIn reports whether the page shows a signed-in session
func (s *Site) LoggedIn(ctx context.Context, sess driver.Session) bool {
	url := strings.ToLower(sess.URL())
	for _, hint := range s.layout.LoggedInURLHints {
		if strings.Contains(url, hint) {
			return true
		}
	}
	for _, marker := range s.layout.LoggedInMarkers {
		if n, err := sess.Count(ctx, marker); err == nil && n > 0 {
			return true
		}
	}
	return false
}

// OnAuthSurface reports whether the session was sent to a sign-in page
func (s *Site) OnAuthSurface(ctx context.Context, sess driver.Session) bool {
	url := strings.ToLower(sess.URL())
	for _, hint := range s.layout.AuthURLHints {
		if strings.Contains(url, hint) {
			return true
		}
	}
	n, err := sess.Count(ctx, s.layout.Password)
	return err == nil && n > 0
}

// OpenTarget navigates to the backtest page of a target
func (s *Site) OpenTarget(ctx context.Context, sess driver.Session, target string) error {
	if err := sess.Navigate(ctx, target); err != nil {
		return fmt.Errorf("failed to open target %s: %w", target, err)
	}
	return Sleep(ctx, s.timeouts.Settle)
}

// OpenBacktestDialog opens the new-backtest dialog
func (s *Site) OpenBacktestDialog(ctx context.Context, sess driver.Session) error {
	if err := sess.WaitFor(ctx, s.layout.NewBacktest, driver.StateVisible, s.timeouts.Element); err != nil {
		return fmt.Errorf("new backtest button not shown: %w", err)
	}
	if err := sess.Click(ctx, s.layout.NewBacktest); err != nil {
		return fmt.Errorf("failed to click new backtest: %w", err)
	}
	if err := sess.WaitFor(ctx, s.layout.Modal, driver.StateVisible, s.timeouts.Element); err != nil {
		return fmt.Errorf("backtest dialog not shown: %w", err)
	}
	return Sleep(ctx, s.timeouts.Settle)
}

// DialogOpen reports whether the backtest dialog is on screen
func (s *Site) DialogOpen(ctx context.Context, sess driver.Session) bool {
	n, err := sess.Count(ctx, s.layout.Modal)
	return err == nil && n > 0
}

// RunBacktest clicks Run and waits for the backtest to finish
func (s *Site) RunBacktest(ctx context.Context, sess driver.Session) error {
	if err := sess.Click(ctx, s.layout.RunButton); err != nil {
		return fmt.Errorf("failed to click run: %w", err)
	}
	if err := sess.WaitFor(ctx, s.layout.Modal, driver.StateHidden, s.timeouts.Element); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrModalStuck, err)
	}
	if err := sess.WaitFor(ctx, s.layout.Running, driver.StateDetached, s.timeouts.Completion); err != nil {
		return fmt.Errorf("backtest did not finish: %w", err)
	}
	if err := sess.WaitFor(ctx, s.layout.Completion, driver.StateVisible, s.timeouts.Element); err != nil {
		return fmt.Errorf("results not shown: %w", err)
	}
	return nil
}

// PlatformError returns the text of a visible site error notification
func (s *Site) PlatformError(ctx context.Context, sess driver.Session) string {
	n, err := sess.Count(ctx, s.layout.ErrorBanner)
	if err != nil || n == 0 {
		return ""
	}
	text, err := sess.Text(ctx, s.layout.ErrorBanner)
	if err != nil {
		return "error notification shown"
	}
	return strings.TrimSpace(text)
}

// ExtractResults reads every result figure on the page. Figures that cannot
// be parsed are returned as raw text in extras.
func (s *Site) ExtractResults(ctx context.Context, sess driver.Session) (map[string]float64, map[string]string, error) {
	metrics := make(map[string]float64, len(s.layout.Results))
	extras := make(map[string]string)

	for _, field := range s.layout.Results {
		n, err := sess.Count(ctx, field.Locator)
		if err != nil {
			if errors.Is(err, driver.ErrDisconnected) || ctx.Err() != nil {
				return nil, nil, err
			}
			continue
		}
		if n == 0 {
			continue
		}
		raw, err := sess.Text(ctx, field.Locator)
		if err != nil {
			continue
		}
		v, err := ParseField(field, raw)
		if err != nil {
			extras[field.Name] = strings.TrimSpace(raw)
			continue
		}
		metrics[field.Name] = v
	}

	if len(metrics) == 0 {
		return nil, extras, ErrNoResults
	}
	return metrics, extras, nil
}

// Sleep pauses for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func pollInterval(bound time.Duration) time.Duration {
	p := bound / 20
	if p < 10*time.Millisecond {
		p = 10 * time.Millisecond
	}
	if p > 500*time.Millisecond {
		p = 500 * time.Millisecond
	}
	return p
}
