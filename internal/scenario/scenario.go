// Package scenario runs scripted browser scenarios: acquire one isolated session,
// execute ordered bounded-wait steps, check final-state assertions, and release
// every acquired handle on every exit path.
package scenario

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kuitang/ui-scenarios/internal/automation"
	"github.com/kuitang/ui-scenarios/internal/errs"
	"github.com/kuitang/ui-scenarios/internal/selector"
)

// Kind is the action a step performs.
type Kind string

const (
	KindNavigate     Kind = "navigate"
	KindClick        Kind = "click"
	KindWaitForState Kind = "wait-for-state"
	KindScroll       Kind = "scroll"
	KindSleep        Kind = "sleep"
)

// Default bounds, taken from the scripts this runner replaces.
const (
	DefaultNavigationTimeout = 10 * time.Second
	DefaultLoadStateTimeout  = 3 * time.Second
	DefaultClickTimeout      = 5 * time.Second
	DefaultScrollTimeout     = 5 * time.Second
	DefaultAssertionTimeout  = 30 * time.Second
	DefaultFrameLoadTimeout  = 3 * time.Second
	DefaultContextTimeout    = 5 * time.Second

	// MaxWait bounds every step, assertion and sleep.
	MaxWait = 30 * time.Second
)

// Step is one scripted browser action.
type Step struct {
	Name      string
	Kind      Kind
	Timeout   time.Duration
	Ignorable bool

	// navigate
	URL       string
	WaitUntil automation.LoadState

	// wait-for-state
	State automation.LoadState

	// click
	Selector  selector.Selector
	OpensPage bool

	// scroll
	DeltaX           float64
	DeltaY           float64
	ScrollByViewport bool

	// sleep
	Duration time.Duration
}

// Navigate returns a step that loads url (absolute, or relative to the base address)
// and waits only for the response to commit.
func Navigate(rawURL string) Step {
	return Step{Kind: KindNavigate, URL: rawURL, WaitUntil: automation.LoadStateCommit}
}

// Click returns a step that clicks the element matched by a Playwright-style selector.
func Click(sel string) Step {
	return Step{Kind: KindClick, Selector: selector.MustParse(sel)}
}

// WaitForState returns a step that waits for the active page to reach state.
func WaitForState(state automation.LoadState) Step {
	return Step{Kind: KindWaitForState, State: state}
}

// ScrollViewport returns a step that scrolls down by one viewport height.
func ScrollViewport() Step {
	return Step{Kind: KindScroll, ScrollByViewport: true}
}

// ScrollBy returns a step that scrolls by a fixed delta.
func ScrollBy(dx, dy float64) Step {
	return Step{Kind: KindScroll, DeltaX: dx, DeltaY: dy}
}

// Sleep returns a fixed-delay step. Prefer a condition wait when the page exposes one.
func Sleep(d time.Duration) Step {
	return Step{Kind: KindSleep, Duration: d}
}

// Named sets the step name used in logs and errors.
func (s Step) Named(name string) Step {
	s.Name = name
	return s
}

// WithTimeout overrides the step's bound.
func (s Step) WithTimeout(d time.Duration) Step {
	s.Timeout = d
	return s
}

// Optional marks the step ignorable: its failure is logged and execution continues.
func (s Step) Optional() Step {
	s.Ignorable = true
	return s
}

// OpeningPage marks a click that opens a new page; the new page becomes active.
func (s Step) OpeningPage() Step {
	s.OpensPage = true
	return s
}

// Until sets the navigation wait milestone.
func (s Step) Until(state automation.LoadState) Step {
	s.WaitUntil = state
	return s
}

func (s Step) label() string {
	if s.Name != "" {
		return s.Name
	}
	switch s.Kind {
	case KindNavigate:
		return "navigate " + s.URL
	case KindClick:
		return "click " + s.Selector.String()
	case KindWaitForState:
		return "wait for " + string(s.State)
	case KindScroll:
		return "scroll"
	case KindSleep:
		return "sleep " + s.Duration.String()
	}
	return string(s.Kind)
}

// Assertion is a final-state check: Selector must become visible within Timeout.
type Assertion struct {
	Name     string
	Selector selector.Selector
	Timeout  time.Duration
	// Message replaces the raw wait error in the failure report.
	Message string
}

// ExpectVisible returns an assertion on a Playwright-style selector.
func ExpectVisible(sel string) Assertion {
	return Assertion{Selector: selector.MustParse(sel)}
}

// Within overrides the assertion timeout.
func (a Assertion) Within(d time.Duration) Assertion {
	a.Timeout = d
	return a
}

// OrFail sets the descriptive failure message.
func (a Assertion) OrFail(message string) Assertion {
	a.Message = message
	return a
}

func (a Assertion) label() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Selector.String()
}

func (a Assertion) failureMessage() string {
	if a.Message != "" {
		return a.Message
	}
	return fmt.Sprintf("expected %s to be visible within %s", a.Selector.String(), a.Timeout)
}

// Scenario is an ordered step list plus final assertions.
type Scenario struct {
	Name             string
	Description      string
	BaseURL          string
	Device           automation.Device
	Steps            []Step
	Assertions       []Assertion
	FrameLoadTimeout time.Duration
}

// Timeouts are the bounds applied to steps and assertions that set none.
type Timeouts struct {
	Navigation time.Duration
	LoadState  time.Duration
	Click      time.Duration
	Scroll     time.Duration
	Assertion  time.Duration
	FrameLoad  time.Duration
}

// DefaultTimeouts returns the built-in bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Navigation: DefaultNavigationTimeout,
		LoadState:  DefaultLoadStateTimeout,
		Click:      DefaultClickTimeout,
		Scroll:     DefaultScrollTimeout,
		Assertion:  DefaultAssertionTimeout,
		FrameLoad:  DefaultFrameLoadTimeout,
	}
}

// WithDefaults returns a copy with zero timeouts replaced by the built-in bounds.
func (sc Scenario) WithDefaults() Scenario {
	return sc.WithTimeouts(DefaultTimeouts())
}

// WithTimeouts returns a copy with zero timeouts replaced from t. Zero fields of t
// fall back to the built-in bounds.
func (sc Scenario) WithTimeouts(t Timeouts) Scenario {
	t = t.fill()
	out := sc
	if out.FrameLoadTimeout == 0 {
		out.FrameLoadTimeout = t.FrameLoad
	}
	out.Steps = make([]Step, len(sc.Steps))
	for i, st := range sc.Steps {
		if st.Timeout == 0 {
			switch st.Kind {
			case KindNavigate:
				st.Timeout = t.Navigation
			case KindClick:
				st.Timeout = t.Click
			case KindWaitForState:
				st.Timeout = t.LoadState
			case KindScroll:
				st.Timeout = t.Scroll
			case KindSleep:
				st.Timeout = st.Duration
			}
		}
		if st.Kind == KindNavigate && st.WaitUntil == "" {
			st.WaitUntil = automation.LoadStateCommit
		}
		out.Steps[i] = st
	}
	out.Assertions = make([]Assertion, len(sc.Assertions))
	for i, a := range sc.Assertions {
		if a.Timeout == 0 {
			a.Timeout = t.Assertion
		}
		out.Assertions[i] = a
	}
	return out
}

func (t Timeouts) fill() Timeouts {
	d := DefaultTimeouts()
	for _, f := range []struct{ dst, def *time.Duration }{
		{&t.Navigation, &d.Navigation},
		{&t.LoadState, &d.LoadState},
		{&t.Click, &d.Click},
		{&t.Scroll, &d.Scroll},
		{&t.Assertion, &d.Assertion},
		{&t.FrameLoad, &d.FrameLoad},
	} {
		if *f.dst == 0 {
			*f.dst = *f.def
		}
	}
	return t
}

// Validate reports every structural problem at once. Call on a scenario with
// defaults applied.
func (sc Scenario) Validate() error {
	var problems []string
	if strings.TrimSpace(sc.Name) == "" {
		problems = append(problems, "name is required")
	}
	if sc.BaseURL != "" {
		if u, err := url.Parse(sc.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, fmt.Sprintf("base address %q is not an absolute URL", sc.BaseURL))
		}
	}
	if len(sc.Steps) == 0 && len(sc.Assertions) == 0 {
		problems = append(problems, "scenario has no steps and no assertions")
	}
	if !validWait(sc.FrameLoadTimeout) {
		problems = append(problems, fmt.Sprintf("frame load timeout %s out of range (0, %s]", sc.FrameLoadTimeout, MaxWait))
	}
	for i, st := range sc.Steps {
		prefix := fmt.Sprintf("step %d (%s)", i+1, st.label())
		if st.Kind != KindSleep && !validWait(st.Timeout) {
			problems = append(problems, fmt.Sprintf("%s: timeout %s out of range (0, %s]", prefix, st.Timeout, MaxWait))
		}
		switch st.Kind {
		case KindNavigate:
			if strings.TrimSpace(st.URL) == "" {
				problems = append(problems, prefix+": url is required")
			} else if sc.BaseURL == "" && !isAbsolute(st.URL) {
				problems = append(problems, prefix+": relative url needs a base address")
			}
			if !st.WaitUntil.Valid() {
				problems = append(problems, fmt.Sprintf("%s: unknown wait-until state %q", prefix, st.WaitUntil))
			}
		case KindClick:
			if st.Selector.Value == "" {
				problems = append(problems, prefix+": selector is required")
			}
		case KindWaitForState:
			if !st.State.Valid() || st.State == automation.LoadStateCommit {
				problems = append(problems, fmt.Sprintf("%s: cannot wait for state %q", prefix, st.State))
			}
		case KindScroll:
			if !st.ScrollByViewport && st.DeltaX == 0 && st.DeltaY == 0 {
				problems = append(problems, prefix+": scroll delta is zero")
			}
		case KindSleep:
			if !validWait(st.Duration) {
				problems = append(problems, fmt.Sprintf("%s: sleep %s out of range (0, %s]", prefix, st.Duration, MaxWait))
			}
			// A sleep is bounded by its own duration.
			if st.Timeout != 0 && st.Timeout != st.Duration {
				problems = append(problems, fmt.Sprintf("%s: timeout does not apply to sleep steps", prefix))
			}
		default:
			problems = append(problems, fmt.Sprintf("%s: unknown kind %q", prefix, st.Kind))
		}
	}
	for i, a := range sc.Assertions {
		prefix := fmt.Sprintf("assertion %d (%s)", i+1, a.label())
		if a.Selector.Value == "" {
			problems = append(problems, prefix+": selector is required")
		}
		if !validWait(a.Timeout) {
			problems = append(problems, fmt.Sprintf("%s: timeout %s out of range (0, %s]", prefix, a.Timeout, MaxWait))
		}
	}
	if len(problems) > 0 {
		return errs.New(errs.InvalidArgument, fmt.Sprintf("scenario %q is invalid: %s", sc.Name, strings.Join(problems, "; ")))
	}
	return nil
}

// ResolveURL resolves a step URL against the scenario base address.
func (sc Scenario) ResolveURL(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", errs.Wrap(errs.InvalidArgument, fmt.Sprintf("parse url %q", raw), err)
	}
	if ref.IsAbs() || sc.BaseURL == "" {
		return ref.String(), nil
	}
	base, err := url.Parse(sc.BaseURL)
	if err != nil {
		return "", errs.Wrap(errs.InvalidArgument, fmt.Sprintf("parse base address %q", sc.BaseURL), err)
	}
	return base.ResolveReference(ref).String(), nil
}

func validWait(d time.Duration) bool {
	return d > 0 && d <= MaxWait
}

func isAbsolute(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.IsAbs()
}
