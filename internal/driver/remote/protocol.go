// Package remote drives browser sessions hosted by an agent process over
// NATS request/reply. The agent side serves any driver.Launcher.
package remote

import (
	"errors"
	"fmt"

	"github.com/t77yq/backtest-automator/internal/driver"
)

// DefaultPrefix is the subject prefix agents listen on
const DefaultPrefix = "automator.browser"

// Op names one session primitive
type Op string

const (
	OpNavigate   Op = "navigate"
	OpFill       Op = "fill"
	OpClick      Op = "click"
	OpWaitFor    Op = "wait_for"
	OpCount      Op = "count"
	OpText       Op = "text"
	OpInputValue Op = "input_value"
	OpAttribute  Op = "attribute"
	OpScreenshot Op = "screenshot"
	OpSnapshot   Op = "snapshot"
	OpClose      Op = "close"
)

// Command is one request to a session
type Command struct {
	Op        Op             `json:"op"`
	URL       string         `json:"url,omitempty"`
	Locator   driver.Locator `json:"locator,omitempty"`
	Value     string         `json:"value,omitempty"`
	Name      string         `json:"name,omitempty"`
	State     driver.State   `json:"state,omitempty"`
	TimeoutMS int64          `json:"timeout_ms,omitempty"`
}

// Reply answers a Command or a launch request
type Reply struct {
	Code      string   `json:"code,omitempty"`
	Error     string   `json:"error,omitempty"`
	Session   string   `json:"session,omitempty"`
	Container string   `json:"container,omitempty"`
	URL       string   `json:"url,omitempty"`
	Text      string   `json:"text,omitempty"`
	Count     int      `json:"count,omitempty"`
	Data      []byte   `json:"data,omitempty"`
	Console   []string `json:"console,omitempty"`
}

// error codes carried in Reply.Code
const (
	codeTimeout      = "timeout"
	codeNotFound     = "not_found"
	codeDisconnected = "disconnected"
	codeClosed       = "closed"
	codeInternal     = "internal"
)

func launchSubject(prefix string) string {
	return prefix + ".launch"
}

func sessionSubject(prefix, id string) string {
	return prefix + ".session." + id
}

// encodeError maps driver errors onto wire codes
func encodeError(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	switch {
	case errors.Is(err, driver.ErrTimeout):
		return codeTimeout, err.Error()
	case errors.Is(err, driver.ErrNotFound):
		return codeNotFound, err.Error()
	case errors.Is(err, driver.ErrDisconnected):
		return codeDisconnected, err.Error()
	case errors.Is(err, driver.ErrSessionClosed):
		return codeClosed, err.Error()
	}
	return codeInternal, err.Error()
}

// err restores the sentinel behind a wire code
func (r *Reply) err() error {
	if r.Code == "" {
		return nil
	}
	var base error
	switch r.Code {
	case codeTimeout:
		base = driver.ErrTimeout
	case codeNotFound:
		base = driver.ErrNotFound
	case codeDisconnected:
		base = driver.ErrDisconnected
	case codeClosed:
		base = driver.ErrSessionClosed
	default:
		return errors.New(r.Error)
	}
	return fmt.Errorf("%s: %w", r.Error, base)
}
