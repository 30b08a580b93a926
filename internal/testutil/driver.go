package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/t77yq/backtest-automator/internal/driver"
)

// FakeElement is one element on a FakeSession page
type FakeElement struct {
	Visible bool
	Text    string
	Value   string
	Attrs   map[string]string

	// OnClick runs after a click, outside the session lock
	OnClick func(s *FakeSession)
	// OnFill runs after a fill, outside the session lock
	OnFill func(s *FakeSession, value string)
}

// FakeSession is a scriptable driver.Session for tests. Elements are keyed
// by selector, with the slice position matching Locator.Index.
type FakeSession struct {
	mu       sync.Mutex
	url      string
	elements map[string][]*FakeElement
	console  []string
	clicks   []string
	fills    []string
	closed   bool
	failWith error

	// OnNavigate runs on every navigation, outside the session lock
	OnNavigate func(s *FakeSession, url string) error
}

// NewFakeSession creates an empty page at url
func NewFakeSession(url string) *FakeSession {
	return &FakeSession{
		url:      url,
		elements: make(map[string][]*FakeElement),
	}
}

// Put places el at loc, replacing what was there
func (s *FakeSession) Put(loc driver.Locator, el *FakeElement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.elements[loc.Selector]
	for len(list) <= loc.Index {
		list = append(list, nil)
	}
	list[loc.Index] = el
	s.elements[loc.Selector] = list
}

// Show places a visible element at loc
func (s *FakeSession) Show(loc driver.Locator, text string) *FakeElement {
	el := &FakeElement{Visible: true, Text: text, Attrs: map[string]string{}}
	s.Put(loc, el)
	return el
}

// Remove detaches every element matching the selector of loc
func (s *FakeSession) Remove(loc driver.Locator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.elements, loc.Selector)
}

// Element returns the element at loc, or nil
func (s *FakeSession) Element(loc driver.Locator) *FakeElement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(loc)
}

// SetURL moves the page without running OnNavigate
func (s *FakeSession) SetURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
}

// FailWith makes every later call return err
func (s *FakeSession) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Clicks returns the selectors clicked so far
func (s *FakeSession) Clicks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clicks...)
}

// Fills returns "selector=value" for every fill so far
func (s *FakeSession) Fills() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fills...)
}

// Closed reports whether Close was called
func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *FakeSession) lookup(loc driver.Locator) *FakeElement {
	list := s.elements[loc.Selector]
	if loc.Index >= len(list) {
		return nil
	}
	return list[loc.Index]
}

func (s *FakeSession) check() error {
	if s.closed {
		return driver.ErrSessionClosed
	}
	return s.failWith
}

func (s *FakeSession) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.url = url
	hook := s.OnNavigate
	s.console = append(s.console, "navigate "+url)
	s.mu.Unlock()

	if hook != nil {
		return hook(s, url)
	}
	return ctx.Err()
}

func (s *FakeSession) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *FakeSession) Fill(ctx context.Context, loc driver.Locator, value string) error {
	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return err
	}
	el := s.lookup(loc)
	if el == nil || !el.Visible {
		s.mu.Unlock()
		return fmt.Errorf("fill %s: %w", loc, driver.ErrNotFound)
	}
	el.Value = value
	s.fills = append(s.fills, loc.String()+"="+value)
	hook := el.OnFill
	s.mu.Unlock()

	if hook != nil {
		hook(s, value)
	}
	return nil
}

func (s *FakeSession) Click(ctx context.Context, loc driver.Locator) error {
	s.mu.Lock()
	if err := s.check(); err != nil {
		s.mu.Unlock()
		return err
	}
	el := s.lookup(loc)
	if el == nil || !el.Visible {
		s.mu.Unlock()
		return fmt.Errorf("click %s: %w", loc, driver.ErrNotFound)
	}
	s.clicks = append(s.clicks, loc.String())
	hook := el.OnClick
	s.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return nil
}

func (s *FakeSession) WaitFor(ctx context.Context, loc driver.Locator, state driver.State, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if err := s.check(); err != nil {
			s.mu.Unlock()
			return err
		}
		el := s.lookup(loc)
		var ok bool
		switch state {
		case driver.StateVisible:
			ok = el != nil && el.Visible
		case driver.StateHidden:
			ok = el == nil || !el.Visible
		case driver.StateAttached:
			ok = el != nil
		case driver.StateDetached:
			ok = el == nil
		}
		s.mu.Unlock()

		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("wait %s %s: %w", loc, state, driver.ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// Count counts the visible elements sharing the selector of loc
func (s *FakeSession) Count(ctx context.Context, loc driver.Locator) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}
	n := 0
	for _, el := range s.elements[loc.Selector] {
		if el != nil && el.Visible {
			n++
		}
	}
	return n, nil
}

func (s *FakeSession) Text(ctx context.Context, loc driver.Locator) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	el := s.lookup(loc)
	if el == nil {
		return "", fmt.Errorf("text %s: %w", loc, driver.ErrNotFound)
	}
	return el.Text, nil
}

func (s *FakeSession) InputValue(ctx context.Context, loc driver.Locator) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	el := s.lookup(loc)
	if el == nil {
		return "", fmt.Errorf("input value %s: %w", loc, driver.ErrNotFound)
	}
	return el.Value, nil
}

func (s *FakeSession) Attribute(ctx context.Context, loc driver.Locator, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	el := s.lookup(loc)
	if el == nil {
		return "", fmt.Errorf("attribute %s: %w", loc, driver.ErrNotFound)
	}
	return el.Attrs[name], nil
}

func (s *FakeSession) Screenshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	return []byte("\x89PNG fake"), nil
}

func (s *FakeSession) Snapshot(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	return "<html><!-- " + s.url + " --></html>", nil
}

func (s *FakeSession) ConsoleLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.console...)
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FakeLauncher hands out sessions built by New
type FakeLauncher struct {
	mu       sync.Mutex
	New      func() (driver.Session, error)
	launched []driver.Session
}

func (l *FakeLauncher) Launch(ctx context.Context) (driver.Session, error) {
	sess, err := l.New()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.launched = append(l.launched, sess)
	l.mu.Unlock()
	return sess, nil
}

// Launched returns every session handed out
func (l *FakeLauncher) Launched() []driver.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]driver.Session(nil), l.launched...)
}
