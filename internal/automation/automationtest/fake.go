// Package automationtest provides an in-memory automation driver that records
// every call and injects failures, for testing code built on package automation.
package automationtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kuitang/ui-scenarios/internal/automation"
	"github.com/kuitang/ui-scenarios/internal/selector"
)

// Op names recorded in the event log.
const (
	OpStart        = "start"
	OpLaunch       = "launch"
	OpNewSession   = "new_session"
	OpNewPage      = "new_page"
	OpGoto         = "goto"
	OpLoadState    = "load_state"
	OpFrameLoad    = "frame_load"
	OpClick        = "click"
	OpPopup        = "popup"
	OpVisible      = "visible"
	OpEvaluate     = "evaluate"
	OpScroll       = "scroll"
	OpScreenshot   = "screenshot"
	OpCloseSession = "close_session"
	OpCloseBrowser = "close_browser"
	OpStop         = "stop"
)

// Event is one recorded driver call.
type Event struct {
	Op  string
	Arg string
}

func (e Event) String() string {
	if e.Arg == "" {
		return e.Op
	}
	return e.Op + " " + e.Arg
}

// Driver is a fake automation.Launcher. Fail decides, per call, whether the
// operation returns an error; nil means every call succeeds.
type Driver struct {
	Fail func(op, arg string) error
	// Frames lists child frame names attached after every navigation.
	Frames []string
	// ViewportHeight is returned for window.innerHeight.
	ViewportHeight float64

	mu       sync.Mutex
	events   []Event
	sessions []automation.SessionOptions
}

var _ automation.Launcher = (*Driver)(nil)

// FailOn returns a Fail func that fails every call matching op and a
// substring of arg. An empty arg matches any argument.
func FailOn(op, argContains string, err error) func(string, string) error {
	return func(gotOp, gotArg string) error {
		if gotOp == op && strings.Contains(gotArg, argContains) {
			return err
		}
		return nil
	}
}

// Name implements automation.Launcher.
func (d *Driver) Name() string { return "fake" }

// Events returns a copy of the event log.
func (d *Driver) Events() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Event(nil), d.events...)
}

// Ops returns the op names of the event log in order.
func (d *Driver) Ops() []string {
	events := d.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Op
	}
	return out
}

// Count returns how many times op was recorded.
func (d *Driver) Count(op string) int {
	n := 0
	for _, e := range d.Events() {
		if e.Op == op {
			n++
		}
	}
	return n
}

// Sessions returns the options each session was created with.
func (d *Driver) Sessions() []automation.SessionOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]automation.SessionOptions(nil), d.sessions...)
}

func (d *Driver) call(op, arg string) error {
	d.mu.Lock()
	d.events = append(d.events, Event{Op: op, Arg: arg})
	fail := d.Fail
	d.mu.Unlock()
	if fail == nil {
		return nil
	}
	return fail(op, arg)
}

// Start implements automation.Launcher.
func (d *Driver) Start(ctx context.Context) (automation.Controller, error) {
	if err := d.call(OpStart, ""); err != nil {
		return nil, err
	}
	return &controller{d: d}, nil
}

type controller struct {
	d       *Driver
	stopped bool
}

func (c *controller) Launch(ctx context.Context, opts automation.LaunchOptions) (automation.Browser, error) {
	if err := c.d.call(OpLaunch, strings.Join(opts.Args, " ")); err != nil {
		return nil, err
	}
	return &browser{d: c.d}, nil
}

func (c *controller) Stop() error {
	if c.stopped {
		return automation.ErrClosed
	}
	c.stopped = true
	return c.d.call(OpStop, "")
}

type browser struct {
	d      *Driver
	closed bool
}

func (b *browser) NewSession(ctx context.Context, opts automation.SessionOptions) (automation.Session, error) {
	b.d.mu.Lock()
	b.d.sessions = append(b.d.sessions, opts)
	b.d.mu.Unlock()
	if err := b.d.call(OpNewSession, opts.Device.Name); err != nil {
		return nil, err
	}
	return &session{d: b.d}, nil
}

func (b *browser) Close() error {
	if b.closed {
		return automation.ErrClosed
	}
	b.closed = true
	return b.d.call(OpCloseBrowser, "")
}

type session struct {
	d      *Driver
	closed bool
	pages  int
}

func (s *session) NewPage(ctx context.Context) (automation.Page, error) {
	s.pages++
	id := fmt.Sprintf("page-%d", s.pages)
	if err := s.d.call(OpNewPage, id); err != nil {
		return nil, err
	}
	return &page{d: s.d, s: s, id: id}, nil
}

func (s *session) Close() error {
	if s.closed {
		return automation.ErrClosed
	}
	s.closed = true
	return s.d.call(OpCloseSession, "")
}

// page ids ("page-N") appear in event args.
type page struct {
	d   *Driver
	s   *session
	id  string
	url string
}

func (p *page) arg(v string) string { return p.id + " " + v }

func (p *page) Goto(ctx context.Context, url string, opts automation.GotoOptions) error {
	if err := p.d.call(OpGoto, p.arg(url)); err != nil {
		return err
	}
	p.url = url
	return nil
}

func (p *page) WaitForLoadState(ctx context.Context, state automation.LoadState, timeout time.Duration) error {
	return p.d.call(OpLoadState, p.arg(string(state)))
}

func (p *page) Frames(ctx context.Context) ([]automation.Frame, error) {
	out := make([]automation.Frame, len(p.d.Frames))
	for i, name := range p.d.Frames {
		out[i] = &frame{d: p.d, name: name}
	}
	return out, nil
}

func (p *page) Click(ctx context.Context, sel selector.Selector, timeout time.Duration) error {
	return p.d.call(OpClick, p.arg(sel.String()))
}

func (p *page) ExpectPopup(ctx context.Context, timeout time.Duration, action func() error) (automation.Page, error) {
	if err := action(); err != nil {
		return nil, err
	}
	if err := p.d.call(OpPopup, p.id); err != nil {
		return nil, err
	}
	p.s.pages++
	return &page{d: p.d, s: p.s, id: fmt.Sprintf("page-%d", p.s.pages), url: p.url}, nil
}

func (p *page) WaitVisible(ctx context.Context, sel selector.Selector, timeout time.Duration) error {
	return p.d.call(OpVisible, p.arg(sel.String()))
}

func (p *page) Evaluate(ctx context.Context, script string) (any, error) {
	if err := p.d.call(OpEvaluate, p.arg(script)); err != nil {
		return nil, err
	}
	if strings.Contains(script, "innerHeight") {
		return p.d.ViewportHeight, nil
	}
	return nil, nil
}

func (p *page) Scroll(ctx context.Context, dx, dy float64) error {
	return p.d.call(OpScroll, p.arg(fmt.Sprintf("%g,%g", dx, dy)))
}

func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := p.d.call(OpScreenshot, p.id); err != nil {
		return nil, err
	}
	return []byte("\x89PNG fake " + p.id), nil
}

func (p *page) URL() string { return p.url }

func (p *page) Title(ctx context.Context) (string, error) { return "fake", nil }

func (p *page) Content(ctx context.Context) (string, error) {
	return "<html><body>" + p.url + "</body></html>", nil
}

type frame struct {
	d    *Driver
	name string
}

func (f *frame) Name() string { return f.name }
func (f *frame) URL() string  { return "about:blank" }

func (f *frame) WaitForLoadState(ctx context.Context, state automation.LoadState, timeout time.Duration) error {
	return f.d.call(OpFrameLoad, f.name)
}
