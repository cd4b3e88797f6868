// Package roddriver implements the automation boundary on go-rod. Each session is
// an incognito browser context; selectors are resolved through their JavaScript
// rendering, so xpath, text and nth behave as they do under playwright.
package roddriver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/kuitang/ui-scenarios/internal/automation"
	"github.com/kuitang/ui-scenarios/internal/selector"
)

const readyStateJS = `() => document.readyState !== "loading"`

// Launcher starts Chrome through the rod launcher, or attaches to RemoteURL.
type Launcher struct {
	// RemoteURL is a DevTools endpoint (ws:// or http://host:port). Empty launches
	// a local browser.
	RemoteURL string
	// Bin overrides the browser binary; empty lets rod find or download one.
	Bin string
}

var _ automation.Launcher = (*Launcher)(nil)

// Name implements automation.Launcher.
func (l *Launcher) Name() string { return "rod" }

// Start implements automation.Launcher. Rod has no separate driver process; the
// controller owns the launched browser process and its profile directory.
func (l *Launcher) Start(ctx context.Context) (automation.Controller, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &controller{remote: l.RemoteURL, bin: l.Bin}, nil
}

type controller struct {
	remote  string
	bin     string
	lnch    *launcher.Launcher
	stopped bool
}

func (c *controller) Launch(ctx context.Context, opts automation.LaunchOptions) (automation.Browser, error) {
	var controlURL string
	if c.remote != "" {
		u, err := launcher.ResolveURL(c.remote)
		if err != nil {
			return nil, fmt.Errorf("resolve devtools url: %w", err)
		}
		controlURL = u
	} else {
		l := launcher.New().Context(ctx).Headless(opts.Headless)
		if c.bin != "" {
			l = l.Bin(c.bin)
		}
		for _, arg := range opts.Args {
			name, value := splitFlag(arg)
			if value == "" {
				l = l.Set(flags.Flag(name))
			} else {
				l = l.Set(flags.Flag(name), value)
			}
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		c.lnch = l
		controlURL = u
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	return &browser{b: b, remote: c.remote != ""}, nil
}

func (c *controller) Stop() error {
	if c.stopped {
		return automation.ErrClosed
	}
	c.stopped = true
	if c.lnch != nil {
		c.lnch.Kill()
		c.lnch.Cleanup()
	}
	return nil
}

// splitFlag turns "--window-size=1280,720" into ("window-size", "1280,720").
func splitFlag(arg string) (string, string) {
	arg = strings.TrimLeft(arg, "-")
	name, value, _ := strings.Cut(arg, "=")
	return name, value
}

type browser struct {
	b      *rod.Browser
	remote bool
	closed bool
}

func (b *browser) NewSession(ctx context.Context, opts automation.SessionOptions) (automation.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inc, err := b.b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("create incognito context: %w", err)
	}
	return &session{b: inc, opts: opts}, nil
}

func (b *browser) Close() error {
	if b.closed {
		return automation.ErrClosed
	}
	b.closed = true
	if b.remote {
		// Leave a shared remote browser running; sessions were disposed already.
		return nil
	}
	return b.b.Close()
}

type session struct {
	b      *rod.Browser
	opts   automation.SessionOptions
	closed bool
}

func (s *session) NewPage(ctx context.Context) (automation.Page, error) {
	p, err := s.b.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}
	p = p.Context(context.Background())
	if err := s.prepare(p); err != nil {
		_ = p.Close()
		return nil, err
	}
	return &page{p: p, s: s}, nil
}

// prepare applies the session's device and headers to a page. Rod scopes both to
// the page rather than the browser context, so popups get the same treatment.
func (s *session) prepare(p *rod.Page) error {
	if len(s.opts.ExtraHeaders) > 0 {
		dict := make([]string, 0, 2*len(s.opts.ExtraHeaders))
		for k, v := range s.opts.ExtraHeaders {
			dict = append(dict, k, v)
		}
		if _, err := p.SetExtraHeaders(dict); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
	}
	d := s.opts.Device
	if d.Viewport.Width > 0 && d.Viewport.Height > 0 {
		scale := d.DeviceScaleFactor
		if scale == 0 {
			scale = 1
		}
		if err := p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             d.Viewport.Width,
			Height:            d.Viewport.Height,
			DeviceScaleFactor: scale,
			Mobile:            d.IsMobile,
		}); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
	}
	if d.UserAgent != "" {
		if err := p.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: d.UserAgent}); err != nil {
			return fmt.Errorf("set user agent: %w", err)
		}
	}
	if d.HasTouch {
		if err := (proto.EmulationSetTouchEmulationEnabled{Enabled: true}).Call(p); err != nil {
			return fmt.Errorf("enable touch: %w", err)
		}
	}
	return nil
}

func (s *session) Close() error {
	if s.closed {
		return automation.ErrClosed
	}
	s.closed = true
	// Closing an incognito browser disposes its context and every page in it.
	return s.b.Close()
}

type page struct {
	p *rod.Page
	s *session
}

// bound returns the page scoped to ctx and, when positive, timeout.
func (p *page) bound(ctx context.Context, timeout time.Duration) *rod.Page {
	rp := p.p.Context(ctx)
	if timeout > 0 {
		rp = rp.Timeout(timeout)
	}
	return rp
}

func (p *page) Goto(ctx context.Context, url string, opts automation.GotoOptions) error {
	rp := p.bound(ctx, opts.Timeout)
	if err := rp.Navigate(url); err != nil {
		return wrap(ctx, err)
	}
	if opts.WaitUntil == automation.LoadStateCommit || opts.WaitUntil == "" {
		return nil
	}
	return wrap(ctx, waitState(rp, opts.WaitUntil))
}

func (p *page) WaitForLoadState(ctx context.Context, state automation.LoadState, timeout time.Duration) error {
	return wrap(ctx, waitState(p.bound(ctx, timeout), state))
}

func waitState(rp *rod.Page, state automation.LoadState) error {
	switch state {
	case automation.LoadStateLoad:
		return rp.WaitLoad()
	case automation.LoadStateNetworkIdle:
		if err := rp.WaitLoad(); err != nil {
			return err
		}
		return rp.WaitIdle(time.Second)
	}
	return rp.Wait(rod.Eval(readyStateJS))
}

func (p *page) Frames(ctx context.Context) ([]automation.Frame, error) {
	els, err := p.p.Context(ctx).Elements("iframe, frame")
	if err != nil {
		return nil, wrap(ctx, err)
	}
	out := make([]automation.Frame, 0, len(els))
	for _, el := range els {
		fp, err := el.Frame()
		if err != nil {
			continue // detached between listing and lookup
		}
		name := ""
		if v, err := el.Attribute("name"); err == nil && v != nil {
			name = *v
		}
		src := ""
		if v, err := el.Attribute("src"); err == nil && v != nil {
			src = *v
		}
		out = append(out, &frame{p: fp, name: name, url: src})
	}
	return out, nil
}

func (p *page) element(rp *rod.Page, sel selector.Selector) (*rod.Element, error) {
	return rp.ElementByJS(rod.Eval("() => " + sel.JSExpression()))
}

func (p *page) Click(ctx context.Context, sel selector.Selector, timeout time.Duration) error {
	rp := p.bound(ctx, timeout)
	el, err := p.element(rp, sel)
	if err != nil {
		return wrap(ctx, fmt.Errorf("locate %s: %w", sel, err))
	}
	return wrap(ctx, el.Click(proto.InputMouseButtonLeft, 1))
}

func (p *page) ExpectPopup(ctx context.Context, timeout time.Duration, action func() error) (automation.Page, error) {
	wait := p.bound(ctx, timeout).WaitOpen()
	if err := action(); err != nil {
		return nil, err
	}
	np, err := wait()
	if err != nil {
		return nil, wrap(ctx, fmt.Errorf("wait for popup: %w", err))
	}
	np = np.Context(context.Background())
	if err := p.s.prepare(np); err != nil {
		return nil, err
	}
	return &page{p: np, s: p.s}, nil
}

func (p *page) WaitVisible(ctx context.Context, sel selector.Selector, timeout time.Duration) error {
	rp := p.bound(ctx, timeout)
	el, err := p.element(rp, sel)
	if err != nil {
		return wrap(ctx, fmt.Errorf("locate %s: %w", sel, err))
	}
	return wrap(ctx, el.WaitVisible())
}

func (p *page) Evaluate(ctx context.Context, script string) (any, error) {
	res, err := p.p.Context(ctx).Eval(script)
	if err != nil {
		return nil, wrap(ctx, err)
	}
	return res.Value.Val(), nil
}

func (p *page) Scroll(ctx context.Context, deltaX, deltaY float64) error {
	return wrap(ctx, p.p.Context(ctx).Mouse.Scroll(deltaX, deltaY, 1))
}

func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	png, err := p.p.Context(ctx).Screenshot(true, nil)
	return png, wrap(ctx, err)
}

func (p *page) URL() string {
	info, err := p.p.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *page) Title(ctx context.Context) (string, error) {
	info, err := p.p.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *page) Content(ctx context.Context) (string, error) {
	return p.p.Context(ctx).HTML()
}

type frame struct {
	p    *rod.Page
	name string
	url  string
}

func (f *frame) Name() string { return f.name }
func (f *frame) URL() string  { return f.url }

func (f *frame) WaitForLoadState(ctx context.Context, state automation.LoadState, timeout time.Duration) error {
	rp := f.p.Context(ctx)
	if timeout > 0 {
		rp = rp.Timeout(timeout)
	}
	return wrap(ctx, waitState(rp, state))
}

// wrap marks a per-call deadline as automation.ErrTimeout. Cancellation of the
// caller's context passes through unchanged.
func wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", automation.ErrTimeout, err)
	}
	return err
}
