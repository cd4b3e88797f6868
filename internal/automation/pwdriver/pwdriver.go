// Package pwdriver implements the automation boundary on playwright-go.
//
// Playwright calls are synchronous and take millisecond timeouts instead of a
// context, so every call is bounded by the smaller of its own timeout and the
// context deadline, and refused outright once the context is done.
package pwdriver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/kuitang/ui-scenarios/internal/automation"
	"github.com/kuitang/ui-scenarios/internal/selector"
)

// DefaultArgs are the Chromium flags scenarios have always launched with.
var DefaultArgs = []string{
	"--window-size=1280,720",
	"--disable-dev-shm-usage",
	"--ipc=host",
	"--single-process",
}

// Launcher starts a playwright driver process per run.
type Launcher struct {
	// RunOptions is passed to playwright.Run; nil uses the installed driver.
	RunOptions *playwright.RunOptions
}

var _ automation.Launcher = (*Launcher)(nil)

// New returns a Launcher that uses the already installed playwright driver.
func New() *Launcher {
	return &Launcher{}
}

// Name implements automation.Launcher.
func (l *Launcher) Name() string { return "playwright" }

// Start implements automation.Launcher.
func (l *Launcher) Start(ctx context.Context) (automation.Controller, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var opts []*playwright.RunOptions
	if l.RunOptions != nil {
		opts = append(opts, l.RunOptions)
	}
	pw, err := playwright.Run(opts...)
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	return &controller{pw: pw}, nil
}

type controller struct {
	pw      *playwright.Playwright
	stopped bool
}

func (c *controller) Launch(ctx context.Context, opts automation.LaunchOptions) (automation.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	args := opts.Args
	if args == nil {
		args = DefaultArgs
	}
	b, err := c.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     args,
	})
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &browser{b: b}, nil
}

func (c *controller) Stop() error {
	if c.stopped {
		return automation.ErrClosed
	}
	c.stopped = true
	return c.pw.Stop()
}

type browser struct {
	b      playwright.Browser
	closed bool
}

func (b *browser) NewSession(ctx context.Context, opts automation.SessionOptions) (automation.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bc, err := b.b.NewContext(contextOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("new browser context: %w", err)
	}
	if opts.DefaultTimeout > 0 {
		ms := millis(opts.DefaultTimeout)
		bc.SetDefaultTimeout(ms)
		bc.SetDefaultNavigationTimeout(ms)
	}
	return &session{bc: bc}, nil
}

func (b *browser) Close() error {
	if b.closed {
		return automation.ErrClosed
	}
	b.closed = true
	return b.b.Close()
}

func contextOptions(opts automation.SessionOptions) playwright.BrowserNewContextOptions {
	out := playwright.BrowserNewContextOptions{}
	if len(opts.ExtraHeaders) > 0 {
		out.ExtraHttpHeaders = opts.ExtraHeaders
	}
	d := opts.Device
	if d.Viewport.Width > 0 && d.Viewport.Height > 0 {
		out.Viewport = &playwright.Size{Width: d.Viewport.Width, Height: d.Viewport.Height}
	}
	if d.UserAgent != "" {
		out.UserAgent = playwright.String(d.UserAgent)
	}
	if d.DeviceScaleFactor > 0 {
		out.DeviceScaleFactor = playwright.Float(d.DeviceScaleFactor)
	}
	if d.IsMobile {
		out.IsMobile = playwright.Bool(true)
	}
	if d.HasTouch {
		out.HasTouch = playwright.Bool(true)
	}
	return out
}

type session struct {
	bc     playwright.BrowserContext
	closed bool
}

func (s *session) NewPage(ctx context.Context) (automation.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.bc.NewPage()
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	return &page{p: p}, nil
}

func (s *session) Close() error {
	if s.closed {
		return automation.ErrClosed
	}
	s.closed = true
	return s.bc.Close()
}

type page struct {
	p playwright.Page
}

func (p *page) Goto(ctx context.Context, url string, opts automation.GotoOptions) error {
	ms, err := budget(ctx, opts.Timeout)
	if err != nil {
		return err
	}
	_, err = p.p.Goto(url, playwright.PageGotoOptions{
		WaitUntil: waitUntil(opts.WaitUntil),
		Timeout:   ms,
	})
	return wrap(err)
}

func (p *page) WaitForLoadState(ctx context.Context, state automation.LoadState, timeout time.Duration) error {
	ms, err := budget(ctx, timeout)
	if err != nil {
		return err
	}
	return wrap(p.p.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   loadState(state),
		Timeout: ms,
	}))
}

func (p *page) Frames(ctx context.Context) ([]automation.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	main := p.p.MainFrame()
	var out []automation.Frame
	for _, f := range p.p.Frames() {
		if f == main {
			continue
		}
		out = append(out, &frame{f: f})
	}
	return out, nil
}

func (p *page) locator(sel selector.Selector) playwright.Locator {
	return p.p.Locator(sel.Playwright()).Nth(sel.Nth)
}

func (p *page) Click(ctx context.Context, sel selector.Selector, timeout time.Duration) error {
	ms, err := budget(ctx, timeout)
	if err != nil {
		return err
	}
	return wrap(p.locator(sel).Click(playwright.LocatorClickOptions{Timeout: ms}))
}

func (p *page) ExpectPopup(ctx context.Context, timeout time.Duration, action func() error) (automation.Page, error) {
	ms, err := budget(ctx, timeout)
	if err != nil {
		return nil, err
	}
	popup, err := p.p.ExpectPopup(action, playwright.PageExpectPopupOptions{Timeout: ms})
	if err != nil {
		return nil, wrap(err)
	}
	return &page{p: popup}, nil
}

func (p *page) WaitVisible(ctx context.Context, sel selector.Selector, timeout time.Duration) error {
	ms, err := budget(ctx, timeout)
	if err != nil {
		return err
	}
	return wrap(p.locator(sel).WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: ms,
	}))
}

func (p *page) Evaluate(ctx context.Context, script string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := p.p.Evaluate(script)
	return v, wrap(err)
}

func (p *page) Scroll(ctx context.Context, deltaX, deltaY float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(p.p.Mouse().Wheel(deltaX, deltaY))
}

func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	png, err := p.p.Screenshot(playwright.PageScreenshotOptions{FullPage: playwright.Bool(true)})
	return png, wrap(err)
}

func (p *page) URL() string { return p.p.URL() }

func (p *page) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.p.Title()
}

func (p *page) Content(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.p.Content()
}

type frame struct {
	f playwright.Frame
}

func (f *frame) Name() string { return f.f.Name() }
func (f *frame) URL() string  { return f.f.URL() }

func (f *frame) WaitForLoadState(ctx context.Context, state automation.LoadState, timeout time.Duration) error {
	ms, err := budget(ctx, timeout)
	if err != nil {
		return err
	}
	return wrap(f.f.WaitForLoadState(playwright.FrameWaitForLoadStateOptions{
		State:   loadState(state),
		Timeout: ms,
	}))
}

// budget returns the playwright timeout (ms) for a call bounded by timeout and
// the context deadline.
func budget(ctx context.Context, timeout time.Duration) (*float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, context.DeadlineExceeded
		}
		if timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, nil
	}
	return playwright.Float(millis(timeout)), nil
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, playwright.ErrTimeout) {
		return fmt.Errorf("%w: %w", automation.ErrTimeout, err)
	}
	return err
}

func waitUntil(s automation.LoadState) *playwright.WaitUntilState {
	switch s {
	case automation.LoadStateCommit:
		return playwright.WaitUntilStateCommit
	case automation.LoadStateDOMContentLoaded:
		return playwright.WaitUntilStateDomcontentloaded
	case automation.LoadStateNetworkIdle:
		return playwright.WaitUntilStateNetworkidle
	case automation.LoadStateLoad:
		return playwright.WaitUntilStateLoad
	}
	return nil
}

// loadState maps a lifecycle milestone to a playwright load state. Commit has no
// load-state equivalent; DOMContentLoaded is the earliest playwright can wait for.
func loadState(s automation.LoadState) *playwright.LoadState {
	switch s {
	case automation.LoadStateLoad:
		return playwright.LoadStateLoad
	case automation.LoadStateNetworkIdle:
		return playwright.LoadStateNetworkidle
	}
	return playwright.LoadStateDomcontentloaded
}
