// Package automation defines the browser-automation boundary the scenario runner
// depends on. Drivers (playwright, rod, chromedp) live in subpackages and translate
// these calls to their native APIs.
//
// Handles form an ownership chain: a Controller owns the Browsers it launched, a
// Browser owns its Sessions, and a Session owns its Pages and their Frames. Closing
// an owner invalidates everything below it.
package automation

import (
	"context"
	"errors"
	"time"

	"github.com/kuitang/ui-scenarios/internal/selector"
)

// ErrTimeout marks a bounded wait that exceeded its deadline. Drivers wrap their
// native timeout errors so callers can use errors.Is(err, ErrTimeout).
var ErrTimeout = errors.New("automation: timeout")

// ErrClosed is returned by operations on a handle that was already released.
var ErrClosed = errors.New("automation: handle closed")

// LoadState is a document lifecycle milestone.
type LoadState string

const (
	LoadStateCommit           LoadState = "commit"
	LoadStateDOMContentLoaded LoadState = "domcontentloaded"
	LoadStateLoad             LoadState = "load"
	LoadStateNetworkIdle      LoadState = "networkidle"
)

// Valid reports whether s is a known load state.
func (s LoadState) Valid() bool {
	switch s {
	case LoadStateCommit, LoadStateDOMContentLoaded, LoadStateLoad, LoadStateNetworkIdle:
		return true
	}
	return false
}

// LaunchOptions configures the browser process.
type LaunchOptions struct {
	Headless bool
	Args     []string
}

// Viewport is a CSS pixel size.
type Viewport struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Device describes an emulated client. The zero value means "driver default".
type Device struct {
	Name              string   `yaml:"name"`
	Viewport          Viewport `yaml:"viewport"`
	UserAgent         string   `yaml:"user_agent"`
	DeviceScaleFactor float64  `yaml:"device_scale_factor"`
	IsMobile          bool     `yaml:"is_mobile"`
	HasTouch          bool     `yaml:"has_touch"`
}

// SessionOptions configures one isolated browsing context.
type SessionOptions struct {
	Device         Device
	DefaultTimeout time.Duration
	ExtraHeaders   map[string]string
}

// GotoOptions bounds a navigation.
type GotoOptions struct {
	WaitUntil LoadState
	Timeout   time.Duration
}

// Launcher starts the top-level automation controller.
type Launcher interface {
	Name() string
	Start(ctx context.Context) (Controller, error)
}

// Controller is the automation driver process (e.g. the playwright node server).
type Controller interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
	Stop() error
}

// Browser is a launched browser process.
type Browser interface {
	NewSession(ctx context.Context, opts SessionOptions) (Session, error)
	Close() error
}

// Session is an isolated cookie/storage jar.
type Session interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Frame is a document attached to a page, including the main frame.
type Frame interface {
	Name() string
	URL() string
	WaitForLoadState(ctx context.Context, state LoadState, timeout time.Duration) error
}

// Page is one tab in a session.
type Page interface {
	Goto(ctx context.Context, url string, opts GotoOptions) error
	WaitForLoadState(ctx context.Context, state LoadState, timeout time.Duration) error
	// Frames returns the currently attached child frames, excluding the main frame.
	Frames(ctx context.Context) ([]Frame, error)
	Click(ctx context.Context, sel selector.Selector, timeout time.Duration) error
	// ExpectPopup runs action and returns the page it opens.
	ExpectPopup(ctx context.Context, timeout time.Duration, action func() error) (Page, error)
	WaitVisible(ctx context.Context, sel selector.Selector, timeout time.Duration) error
	Evaluate(ctx context.Context, script string) (any, error)
	Scroll(ctx context.Context, deltaX, deltaY float64) error
	Screenshot(ctx context.Context) ([]byte, error)
	URL() string
	Title(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)
}

// AsFloat converts a value returned by Page.Evaluate to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
