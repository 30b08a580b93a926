// Package dryrun simulates the backtesting site so run specs can be
// rehearsed without a browser. Results are derived from the entered values.
package dryrun

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/png"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/t77yq/backtest-automator/internal/driver"
	"github.com/t77yq/backtest-automator/internal/site"
)

// Outcome is how the simulated site reacts to Run
type Outcome int

const (
	Succeed Outcome = iota
	// Hang keeps the running indicator up forever
	Hang
	// StuckDialog leaves the dialog open
	StuckDialog
	// PlatformError shows an error notification instead of results
	PlatformError
	// ExpireSession signs the session out
	ExpireSession
	// Disconnect drops the browser connection
	Disconnect
)

// Script decides the outcome of a Run. inputs maps selector to typed value;
// run counts Run clicks across all sessions of the launcher, starting at 1.
type Script func(inputs map[string]string, run int) Outcome

// Options configures the simulation
type Options struct {
	Layout site.Layout
	// Latency is how long a backtest runs
	Latency time.Duration
	// Script picks outcomes; nil uses FailureRate
	Script Script
	// FailureRate is the share of runs that hang, used when Script is nil
	FailureRate float64
	Seed        uint64
}

// Launcher opens simulated sessions sharing one script
type Launcher struct {
	opts Options

	mu       sync.Mutex
	runs     int
	launches int
	rng      *rand.Rand
	fails    int
}

// NewLauncher creates a launcher
func NewLauncher(opts Options) *Launcher {
	return &Launcher{
		opts: opts,
		rng:  rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
}

// FailLaunches makes the next n launches fail
func (l *Launcher) FailLaunches(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fails = n
}

// Launch opens a new simulated session
func (l *Launcher) Launch(ctx context.Context) (driver.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fails > 0 {
		l.fails--
		return nil, fmt.Errorf("launch browser: %w", driver.ErrDisconnected)
	}
	l.launches++
	return &Session{
		launcher: l,
		layout:   l.opts.Layout,
		inputs:   make(map[string]string),
		toggles:  make(map[string]bool),
	}, nil
}

// Launches returns the number of sessions opened
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Runs returns the number of Run clicks seen
func (l *Launcher) Runs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runs
}

func (l *Launcher) decide(inputs map[string]string) Outcome {
	l.mu.Lock()
	l.runs++
	run := l.runs
	script := l.opts.Script
	var roll float64
	if script == nil {
		roll = l.rng.Float64()
	}
	l.mu.Unlock()

	if script != nil {
		return script(inputs, run)
	}
	if roll < l.opts.FailureRate {
		return Hang
	}
	return Succeed
}

// Session is a simulated browser context
type Session struct {
	launcher *Launcher
	layout   site.Layout

	mu           sync.Mutex
	url          string
	signInOpen   bool
	loggedIn     bool
	onTarget     bool
	dialogOpen   bool
	runningUntil time.Time
	hung         bool
	results      map[string]string
	banner       string
	disconnected bool
	closed       bool
	inputs       map[string]string
	toggles      map[string]bool
	console      []string
}

func (s *Session) check() error {
	if s.closed {
		return driver.ErrSessionClosed
	}
	if s.disconnected {
		return driver.ErrDisconnected
	}
	return nil
}

func (s *Session) logf(format string, args ...any) {
	s.console = append(s.console, fmt.Sprintf(format, args...))
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.dialogOpen = false
	s.results = nil
	s.banner = ""
	s.runningUntil = time.Time{}
	s.hung = false
	s.onTarget = false

	switch {
	case url == s.layout.BaseURL:
		s.url = url
		if s.loggedIn {
			s.url = strings.TrimSuffix(s.layout.BaseURL, "/") + "/dashboard"
		}
	case !s.loggedIn:
		s.url = strings.TrimSuffix(s.layout.BaseURL, "/") + "/login"
	default:
		s.url = url
		s.onTarget = true
	}
	s.logf("navigated to %s", s.url)
	return nil
}

func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func is(loc driver.Locator, want driver.Locator) bool {
	return loc.Selector == want.Selector
}

func (s *Session) isMarker(loc driver.Locator) bool {
	for _, m := range s.layout.LoggedInMarkers {
		if is(loc, m) {
			return true
		}
	}
	return false
}

func (s *Session) resultText(loc driver.Locator) (string, bool) {
	if s.results == nil || s.running() {
		return "", false
	}
	for _, f := range s.layout.Results {
		if is(loc, f.Locator) {
			v, ok := s.results[f.Name]
			return v, ok
		}
	}
	return "", false
}

func (s *Session) running() bool {
	return s.hung || time.Now().Before(s.runningUntil)
}

// dialogInputs is how many elements an unknown selector matches while the
// dialog is open, enough for a put leg and a call leg
const dialogInputs = 2

// visible reports whether loc is on screen. Unknown locators are dialog
// inputs and exist while the dialog is open.
func (s *Session) visible(loc driver.Locator) bool {
	l := s.layout
	switch {
	case is(loc, l.SignIn):
		return !s.loggedIn && !s.signInOpen
	case is(loc, l.Email), is(loc, l.Password), is(loc, l.Submit):
		return !s.loggedIn && (s.signInOpen || strings.HasSuffix(s.url, "/login"))
	case s.isMarker(loc):
		return s.loggedIn
	case is(loc, l.NewBacktest):
		return s.loggedIn && s.onTarget && !s.dialogOpen
	case is(loc, l.Modal), is(loc, l.RunButton):
		return s.dialogOpen
	case is(loc, l.Running):
		return s.onTarget && s.running()
	case is(loc, l.Completion):
		return s.results != nil && !s.running()
	case is(loc, l.ErrorBanner):
		return s.banner != ""
	}
	if _, ok := s.resultText(loc); ok {
		return true
	}
	for _, f := range l.Results {
		if is(loc, f.Locator) {
			return false
		}
	}
	return s.dialogOpen && loc.Index < dialogInputs
}

func (s *Session) known(loc driver.Locator) bool {
	l := s.layout
	for _, k := range []driver.Locator{l.SignIn, l.Email, l.Password, l.Submit, l.NewBacktest,
		l.Modal, l.RunButton, l.Running, l.Completion, l.ErrorBanner} {
		if is(loc, k) {
			return true
		}
	}
	for _, f := range l.Results {
		if is(loc, f.Locator) {
			return true
		}
	}
	return s.isMarker(loc)
}

func (s *Session) Fill(ctx context.Context, loc driver.Locator, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if !s.visible(loc) {
		return fmt.Errorf("fill %s: %w", loc, driver.ErrNotFound)
	}
	s.inputs[loc.String()] = value
	return nil
}

func (s *Session) Click(ctx context.Context, loc driver.Locator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return err
	}
	if !s.visible(loc) {
		s.mu.Unlock()
		return fmt.Errorf("click %s: %w", loc, driver.ErrNotFound)
	}

	l := s.layout
	switch {
	case is(loc, l.SignIn):
		s.signInOpen = true
	case is(loc, l.Submit):
		if s.inputs[l.Email.String()] != "" && s.inputs[l.Password.String()] != "" {
			s.loggedIn = true
			s.signInOpen = false
			s.url = strings.TrimSuffix(l.BaseURL, "/") + "/dashboard"
			s.logf("signed in")
		}
	case is(loc, l.NewBacktest):
		s.dialogOpen = true
		s.results = nil
		s.banner = ""
	case is(loc, l.RunButton):
		inputs := make(map[string]string, len(s.inputs))
		for k, v := range s.inputs {
			inputs[k] = v
		}
		s.mu.Unlock()
		outcome := s.launcher.decide(inputs)
		s.mu.Lock()
		s.applyOutcome(outcome, inputs)
	default:
		s.toggles[loc.Selector] = !s.toggles[loc.Selector]
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) applyOutcome(outcome Outcome, inputs map[string]string) {
	s.logf("run outcome %d", outcome)
	switch outcome {
	case Succeed:
		s.dialogOpen = false
		s.runningUntil = time.Now().Add(s.launcher.opts.Latency)
		s.results = synthesize(s.layout, inputs)
	case Hang:
		s.dialogOpen = false
		s.hung = true
	case StuckDialog:
	case PlatformError:
		s.dialogOpen = false
		s.banner = "Something went wrong running this backtest"
	case ExpireSession:
		s.dialogOpen = false
		s.loggedIn = false
		s.onTarget = false
		s.url = strings.TrimSuffix(s.layout.BaseURL, "/") + "/login"
	case Disconnect:
		s.disconnected = true
	}
}

func (s *Session) WaitFor(ctx context.Context, loc driver.Locator, state driver.State, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if err := s.check(); err != nil {
			s.mu.Unlock()
			return err
		}
		v := s.visible(loc)
		s.mu.Unlock()

		switch state {
		case driver.StateVisible, driver.StateAttached:
			if v {
				return nil
			}
		case driver.StateHidden, driver.StateDetached:
			if !v {
				return nil
			}
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("wait %s %s: %w", loc, state, driver.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *Session) Count(ctx context.Context, loc driver.Locator) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	switch {
	case !s.visible(loc):
		return 0, nil
	case !s.known(loc) && loc.Index == 0:
		return dialogInputs, nil
	}
	return 1, nil
}

func (s *Session) Text(ctx context.Context, loc driver.Locator) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	if is(loc, s.layout.ErrorBanner) && s.banner != "" {
		return s.banner, nil
	}
	if text, ok := s.resultText(loc); ok {
		return text, nil
	}
	if s.visible(loc) {
		return strings.Trim(loc.Selector, "[]"), nil
	}
	return "", fmt.Errorf("text %s: %w", loc, driver.ErrNotFound)
}

func (s *Session) InputValue(ctx context.Context, loc driver.Locator) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	if !s.visible(loc) {
		return "", fmt.Errorf("input value %s: %w", loc, driver.ErrNotFound)
	}
	return s.inputs[loc.String()], nil
}

func (s *Session) Attribute(ctx context.Context, loc driver.Locator, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	if name == "aria-checked" {
		return fmt.Sprint(s.toggles[loc.Selector]), nil
	}
	return "", nil
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Session) Snapshot(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	keys := make([]string, 0, len(s.inputs))
	for k := range s.inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "<html data-url=%q data-dialog=%t data-running=%t>\n", s.url, s.dialogOpen, s.running())
	for _, k := range keys {
		fmt.Fprintf(&b, "  <input data-locator=%q value=%q>\n", k, s.inputs[k])
	}
	if s.banner != "" {
		fmt.Fprintf(&b, "  <div role=\"alert\">%s</div>\n", s.banner)
	}
	b.WriteString("</html>\n")
	return b.String(), nil
}

func (s *Session) ConsoleLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.console...)
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// synthesize derives stable result figures from the entered values
func synthesize(layout site.Layout, inputs map[string]string) map[string]string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := fnv.New64a()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s;", k, inputs[k])
	}
	rng := rand.New(rand.NewPCG(h.Sum64(), 42))

	out := make(map[string]string, len(layout.Results))
	for _, f := range layout.Results {
		switch {
		case f.Integer:
			out[f.Name] = fmt.Sprintf("%d", 50+rng.IntN(400))
		case strings.Contains(f.Name, "percentage"), f.Name == "cagr", f.Name == "max_drawdown", f.Name == "capture_rate":
			out[f.Name] = fmt.Sprintf("%.1f%%", rng.Float64()*80-10)
		case f.Name == "mar":
			out[f.Name] = fmt.Sprintf("%.2f", rng.Float64()*5)
		case strings.Contains(f.Name, "minutes"):
			out[f.Name] = fmt.Sprintf("%d", 10+rng.IntN(300))
		default:
			out[f.Name] = formatDollars(rng.Float64()*40000 - 10000)
		}
	}
	return out
}

func formatDollars(v float64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	digits := fmt.Sprintf("%d", int64(v))
	var b strings.Builder
	for i, c := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	return sign + "$" + b.String()
}
