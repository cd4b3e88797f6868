// Package cdpdriver implements the automation boundary on chromedp. It launches a
// local Chrome through the exec allocator, or attaches to a running one through the
// remote allocator when a DevTools URL is configured. Sessions are separate browser
// contexts.
package cdpdriver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/kuitang/ui-scenarios/internal/automation"
	"github.com/kuitang/ui-scenarios/internal/obs"
	"github.com/kuitang/ui-scenarios/internal/selector"
)

const pollInterval = 50 * time.Millisecond

// Launcher creates chromedp allocators.
type Launcher struct {
	// RemoteURL is a DevTools websocket or http endpoint. Empty launches Chrome.
	RemoteURL string
	// ExecPath overrides the Chrome binary for local launches.
	ExecPath string
}

var _ automation.Launcher = (*Launcher)(nil)

// Name implements automation.Launcher.
func (l *Launcher) Name() string { return "chromedp" }

// Start implements automation.Launcher.
func (l *Launcher) Start(ctx context.Context) (automation.Controller, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &controller{remote: l.RemoteURL, execPath: l.ExecPath}, nil
}

type controller struct {
	remote   string
	execPath string
	cancels  []context.CancelFunc
	stopped  bool
}

func (c *controller) Launch(ctx context.Context, opts automation.LaunchOptions) (automation.Browser, error) {
	var (
		allocCtx context.Context
		cancel   context.CancelFunc
	)
	if c.remote != "" {
		allocCtx, cancel = chromedp.NewRemoteAllocator(context.Background(), c.remote)
	} else {
		allocOpts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
		if !opts.Headless {
			allocOpts = append(allocOpts, chromedp.Flag("headless", false))
		}
		if c.execPath != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(c.execPath))
		}
		for _, arg := range opts.Args {
			name, value := splitFlag(arg)
			if value == "" {
				allocOpts = append(allocOpts, chromedp.Flag(name, true))
			} else {
				allocOpts = append(allocOpts, chromedp.Flag(name, value))
			}
		}
		allocCtx, cancel = chromedp.NewExecAllocator(context.Background(), allocOpts...)
	}
	c.cancels = append(c.cancels, cancel)

	log := obs.Pkg("cdpdriver")
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...)) }),
		chromedp.WithErrorf(func(format string, args ...any) { log.Warn(fmt.Sprintf(format, args...)) }),
	)
	// The first Run starts the browser (or attaches to the remote one).
	if err := allocate(ctx, browserCtx); err != nil {
		cancelBrowser()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	return &browser{ctx: browserCtx, cancel: cancelBrowser}, nil
}

func (c *controller) Stop() error {
	if c.stopped {
		return automation.ErrClosed
	}
	c.stopped = true
	for i := len(c.cancels) - 1; i >= 0; i-- {
		c.cancels[i]()
	}
	return nil
}

func splitFlag(arg string) (string, string) {
	arg = strings.TrimLeft(arg, "-")
	name, value, _ := strings.Cut(arg, "=")
	return name, value
}

type browser struct {
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

func (b *browser) NewSession(ctx context.Context, opts automation.SessionOptions) (automation.Session, error) {
	sessCtx, cancel := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())
	s := &session{ctx: sessCtx, cancel: cancel, opts: opts}
	if err := allocate(ctx, sessCtx, s.prepare()...); err != nil {
		cancel()
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	return s, nil
}

func (b *browser) Close() error {
	if b.closed {
		return automation.ErrClosed
	}
	b.closed = true
	defer b.cancel()
	return chromedp.Cancel(b.ctx)
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   automation.SessionOptions
	pages  int
	tabs   []context.CancelFunc
	closed bool
}

// prepare returns the actions that apply the session's headers and device to a tab.
func (s *session) prepare() []chromedp.Action {
	actions := []chromedp.Action{network.Enable()}
	if len(s.opts.ExtraHeaders) > 0 {
		headers := network.Headers{}
		for k, v := range s.opts.ExtraHeaders {
			headers[k] = v
		}
		actions = append(actions, network.SetExtraHTTPHeaders(headers))
	}
	d := s.opts.Device
	if d.Viewport.Width > 0 && d.Viewport.Height > 0 {
		scale := d.DeviceScaleFactor
		if scale == 0 {
			scale = 1
		}
		actions = append(actions, emulation.SetDeviceMetricsOverride(int64(d.Viewport.Width), int64(d.Viewport.Height), scale, d.IsMobile))
	}
	if d.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(d.UserAgent))
	}
	if d.HasTouch {
		actions = append(actions, emulation.SetTouchEmulationEnabled(true))
	}
	return actions
}

// NewPage returns the session's own tab first, then new tabs in the same browser
// context.
func (s *session) NewPage(ctx context.Context) (automation.Page, error) {
	s.pages++
	if s.pages == 1 {
		return &page{ctx: s.ctx, s: s}, nil
	}
	tabCtx, cancel := chromedp.NewContext(s.ctx)
	s.tabs = append(s.tabs, cancel)
	if err := allocate(ctx, tabCtx, s.prepare()...); err != nil {
		return nil, fmt.Errorf("new tab: %w", err)
	}
	return &page{ctx: tabCtx, s: s}, nil
}

func (s *session) Close() error {
	if s.closed {
		return automation.ErrClosed
	}
	s.closed = true
	for _, cancel := range s.tabs {
		cancel()
	}
	defer s.cancel()
	// Cancelling the context that created the browser context disposes it and
	// closes its tabs.
	return chromedp.Cancel(s.ctx)
}

type page struct {
	ctx context.Context
	s   *session
	url string
}

func (p *page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	return runBounded(ctx, p.ctx, timeout, actions...)
}

func (p *page) Goto(ctx context.Context, url string, opts automation.GotoOptions) error {
	err := p.run(ctx, opts.Timeout,
		chromedp.ActionFunc(func(ctx context.Context) error {
			var res cdppage.NavigateReturns
			if err := cdp.Execute(ctx, cdppage.CommandNavigate, cdppage.Navigate(url), &res); err != nil {
				return err
			}
			if res.ErrorText != "" {
				return fmt.Errorf("navigate %s: %s", url, res.ErrorText)
			}
			return nil
		}),
		waitState(opts.WaitUntil, nil),
	)
	if err == nil {
		p.url = url
	}
	return err
}

func (p *page) WaitForLoadState(ctx context.Context, state automation.LoadState, timeout time.Duration) error {
	return p.run(ctx, timeout, waitState(state, nil))
}

// waitState polls document.readyState, in frame when it is set.
func waitState(state automation.LoadState, in *cdp.Node) chromedp.Action {
	expr := `document.readyState !== "loading"`
	switch state {
	case "", automation.LoadStateCommit:
		return chromedp.ActionFunc(func(context.Context) error { return nil })
	case automation.LoadStateLoad, automation.LoadStateNetworkIdle:
		expr = `document.readyState === "complete"`
	}
	opts := []chromedp.PollOption{chromedp.WithPollingInterval(pollInterval)}
	if in != nil {
		opts = append(opts, chromedp.WithPollingInFrame(in))
	}
	var ok bool
	return chromedp.Poll(expr, &ok, opts...)
}

func (p *page) Frames(ctx context.Context) ([]automation.Frame, error) {
	var nodes []*cdp.Node
	err := p.run(ctx, 0, chromedp.Nodes("iframe, frame", &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)))
	if err != nil {
		return nil, err
	}
	out := make([]automation.Frame, len(nodes))
	for i, n := range nodes {
		out[i] = &frame{p: p, node: n}
	}
	return out, nil
}

func (p *page) Click(ctx context.Context, sel selector.Selector, timeout time.Duration) error {
	return p.run(ctx, timeout, chromedp.Click(sel.JSExpression(), chromedp.ByJSPath))
}

func (p *page) ExpectPopup(ctx context.Context, timeout time.Duration, action func() error) (automation.Page, error) {
	c := chromedp.FromContext(p.ctx)
	if c == nil || c.Target == nil {
		return nil, errors.New("cdpdriver: page has no target")
	}
	opener := c.Target.TargetID
	ch := chromedp.WaitNewTarget(p.ctx, func(info *target.Info) bool {
		return info.OpenerID == opener
	})
	if err := action(); err != nil {
		return nil, err
	}

	waitCtx, cancel := bounded(ctx, timeout)
	defer cancel()
	select {
	case id := <-ch:
		tabCtx, cancel := chromedp.NewContext(p.s.ctx, chromedp.WithTargetID(id))
		p.s.tabs = append(p.s.tabs, cancel)
		if err := allocate(ctx, tabCtx, p.s.prepare()...); err != nil {
			return nil, fmt.Errorf("attach popup: %w", err)
		}
		return &page{ctx: tabCtx, s: p.s}, nil
	case <-waitCtx.Done():
		return nil, timeoutErr(ctx, fmt.Errorf("wait for popup: %w", waitCtx.Err()))
	}
}

func (p *page) WaitVisible(ctx context.Context, sel selector.Selector, timeout time.Duration) error {
	return p.run(ctx, timeout, chromedp.WaitVisible(sel.JSExpression(), chromedp.ByJSPath))
}

func (p *page) Evaluate(ctx context.Context, script string) (any, error) {
	var out any
	err := p.run(ctx, 0, chromedp.Evaluate(invocation(script), &out))
	return out, err
}

// invocation turns a function literal into a call; plain expressions pass through.
func invocation(script string) string {
	s := strings.TrimSpace(script)
	if strings.HasPrefix(s, "function") || (strings.HasPrefix(s, "(") && strings.Contains(s, "=>")) ||
		strings.HasPrefix(s, "async") {
		return "(" + s + ")()"
	}
	return s
}

func (p *page) Scroll(ctx context.Context, deltaX, deltaY float64) error {
	return p.run(ctx, 0, input.DispatchMouseEvent(input.MouseWheel, 0, 0).WithDeltaX(deltaX).WithDeltaY(deltaY))
}

func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, 0, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (p *page) URL() string {
	var loc string
	if err := runBounded(context.Background(), p.ctx, time.Second, chromedp.Location(&loc)); err != nil {
		return p.url
	}
	return loc
}

func (p *page) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, 0, chromedp.Title(&title))
	return title, err
}

func (p *page) Content(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, 0, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

type frame struct {
	p    *page
	node *cdp.Node
}

func (f *frame) Name() string { return f.node.AttributeValue("name") }
func (f *frame) URL() string  { return f.node.AttributeValue("src") }

func (f *frame) WaitForLoadState(ctx context.Context, state automation.LoadState, timeout time.Duration) error {
	return f.p.run(ctx, timeout, waitState(state, f.node))
}

// bounded derives a context from caller ctx limited by timeout when positive.
func bounded(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// allocate runs actions on a chromedp context that has no target yet. Chromedp
// ties the lifetime of the allocated browser or tab to the context given to that
// first Run, so it must be cdpCtx itself rather than a derived deadline context.
func allocate(ctx, cdpCtx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return chromedp.Run(cdpCtx, actions...)
}

// runBounded runs actions on a chromedp context, cancelled when the caller's ctx
// is done or timeout elapses.
func runBounded(ctx, cdpCtx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := bounded(cdpCtx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return timeoutErr(ctx, chromedp.Run(runCtx, actions...))
}

// timeoutErr marks a per-call deadline as automation.ErrTimeout. Cancellation of
// the caller's context passes through unchanged.
func timeoutErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", automation.ErrTimeout, err)
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}
