// Package driver defines the browser automation primitives the worker and
// parameters drive. Implementations wrap a real browser or simulate one.
package driver

import (
	"context"
	"strconv"
	"time"
)

// State is an element state a session can wait for
type State string

const (
	StateVisible  State = "visible"
	StateHidden   State = "hidden"
	StateAttached State = "attached"
	StateDetached State = "detached"
)

// Locator addresses an element by selector. Index picks the nth match.
type Locator struct {
	Selector string `json:"selector" mapstructure:"selector"`
	Index    int    `json:"index,omitempty" mapstructure:"index"`
}

// L creates a locator for the first element matching selector
func L(selector string) Locator {
	return Locator{Selector: selector}
}

// Nth returns a locator for the ith match of the same selector
func (l Locator) Nth(i int) Locator {
	return Locator{Selector: l.Selector, Index: i}
}

func (l Locator) String() string {
	if l.Index == 0 {
		return l.Selector
	}
	return l.Selector + " >> nth=" + strconv.Itoa(l.Index)
}

// Session is one exclusive browser context. Every blocking call honors ctx.
type Session interface {
	// Navigate loads url and waits for the page to settle
	Navigate(ctx context.Context, url string) error

	// URL returns the current page URL
	URL() string

	// Fill replaces the value of an input
	Fill(ctx context.Context, loc Locator, value string) error

	// Click clicks an element
	Click(ctx context.Context, loc Locator) error

	// WaitFor blocks until the element reaches state or timeout elapses
	WaitFor(ctx context.Context, loc Locator, state State, timeout time.Duration) error

	// Count returns the number of matching elements
	Count(ctx context.Context, loc Locator) (int, error)

	// Text returns the text content of an element
	Text(ctx context.Context, loc Locator) (string, error)

	// InputValue returns the current value of an input
	InputValue(ctx context.Context, loc Locator) (string, error)

	// Attribute returns an attribute of an element
	Attribute(ctx context.Context, loc Locator, name string) (string, error)

	// Screenshot captures the visible page as PNG
	Screenshot(ctx context.Context) ([]byte, error)

	// Snapshot returns the serialized DOM
	Snapshot(ctx context.Context) (string, error)

	// ConsoleLog returns console messages seen so far
	ConsoleLog() []string

	// Close releases the browser context
	Close() error
}

// Launcher opens new sessions
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

// ContainerBound is implemented by sessions whose browser runs in a container
type ContainerBound interface {
	ContainerID() string
}
