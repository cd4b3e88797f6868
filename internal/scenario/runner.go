package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kuitang/ui-scenarios/internal/automation"
	"github.com/kuitang/ui-scenarios/internal/errs"
	"github.com/kuitang/ui-scenarios/internal/logutil"
	"github.com/kuitang/ui-scenarios/internal/obs"
)

const contentPreviewChars = 500

// ArtifactSink stores failure evidence and returns where it can be found.
type ArtifactSink interface {
	SaveScreenshot(ctx context.Context, runID, scenario string, png []byte) (string, error)
}

// Recorder observes finished runs.
type Recorder interface {
	ObserveRun(res Result)
}

// RunnerConfig configures a Runner. Zero values take defaults.
type RunnerConfig struct {
	Launch         automation.LaunchOptions
	ContextTimeout time.Duration
	Artifacts      ArtifactSink
	Recorder       Recorder
	// NewRunID overrides run id generation (uuid v4).
	NewRunID func() string
}

// Runner executes scenarios. It holds no per-run state and is safe for
// concurrent use; every Run owns its own controller, browser and session.
type Runner struct {
	launcher automation.Launcher
	cfg      RunnerConfig
}

// NewRunner creates a runner over an automation launcher.
func NewRunner(launcher automation.Launcher, cfg RunnerConfig) *Runner {
	if cfg.ContextTimeout == 0 {
		cfg.ContextTimeout = DefaultContextTimeout
	}
	if cfg.NewRunID == nil {
		cfg.NewRunID = uuid.NewString
	}
	return &Runner{launcher: launcher, cfg: cfg}
}

// releaser tears down acquired handles in reverse acquisition order.
type releaser struct {
	names []string
	fns   []func() error
}

func (r *releaser) push(name string, fn func() error) {
	r.names = append(r.names, name)
	r.fns = append(r.fns, fn)
}

func (r *releaser) release() error {
	var joined []error
	for i := len(r.fns) - 1; i >= 0; i-- {
		if err := r.fns[i](); err != nil {
			joined = append(joined, fmt.Errorf("close %s: %w", r.names[i], err))
		}
	}
	r.names, r.fns = nil, nil
	return errors.Join(joined...)
}

// Run executes sc once against a freshly acquired session. The returned error is
// nil on success; otherwise its errs.Code separates assertion failures
// (errs.AssertionFailed) from step failures (errs.StepFailed), invalid scenarios
// (errs.InvalidArgument) and infrastructure failures (errs.Unavailable, errs.Timeout).
// Teardown runs exactly once on every path.
func (r *Runner) Run(ctx context.Context, sc Scenario) (res Result, err error) {
	sc = sc.WithDefaults()
	res = Result{
		RunID:     r.cfg.NewRunID(),
		Scenario:  sc.Name,
		Device:    sc.Device.Name,
		StartedAt: time.Now(),
	}
	res.enter(StateInit)

	ctx = obs.WithRun(ctx, res.RunID, sc.Name, sc.Device.Name)
	log := obs.From(ctx).With("pkg", "scenario")

	if err := sc.Validate(); err != nil {
		res.Outcome = OutcomeError
		res.Err = err
		res.enter(StateTornDown)
		r.finish(log, &res)
		return res, err
	}

	var handles releaser
	defer func() {
		if rerr := handles.release(); rerr != nil {
			res.TeardownErr = rerr
			log.Warn("scenario_teardown_error", "error", rerr)
		}
		res.enter(StateTornDown)
		res.Err = err
		r.finish(log, &res)
	}()

	log.Info("scenario_started", "base_url", logutil.RedactURLForLog(sc.BaseURL), "steps", len(sc.Steps), "assertions", len(sc.Assertions))

	page, err := r.acquire(ctx, sc, res.RunID, &handles)
	if err != nil {
		res.Outcome = OutcomeError
		return res, err
	}
	res.enter(StateSessionAcquired)

	for i, st := range sc.Steps {
		index := i + 1
		res.enter(StateStepRunning)
		res.StepsRun = index
		stepCtx := obs.WithStep(ctx, index, st.label(), string(st.Kind))

		if cerr := ctx.Err(); cerr != nil {
			res.Outcome = OutcomeError
			res.FailedStep = index
			return res, errs.Wrap(errs.Timeout, fmt.Sprintf("scenario cancelled before step %d %q", index, st.label()), cerr)
		}

		next, serr := r.runStep(stepCtx, sc, page, st, index, &res)
		if serr != nil {
			if st.Ignorable && ctx.Err() == nil {
				res.ignore(index, string(st.Kind), serr)
				obs.From(stepCtx).Warn("step_error_ignored", "error", serr)
				continue
			}
			res.Outcome = OutcomeError
			res.FailedStep = index
			r.captureFailure(stepCtx, &res, page)
			return res, errs.Wrap(errs.StepFailed, fmt.Sprintf("step %d %q (%s) failed", index, st.label(), st.Kind), serr)
		}
		page = next
		obs.From(stepCtx).Debug("step_completed", "url", logutil.RedactURLForLog(page.URL()))
	}

	res.enter(StateAsserting)
	for _, a := range sc.Assertions {
		if cerr := ctx.Err(); cerr != nil {
			res.Outcome = OutcomeError
			return res, errs.Wrap(errs.Timeout, fmt.Sprintf("scenario cancelled before assertion %q", a.label()), cerr)
		}
		if aerr := page.WaitVisible(ctx, a.Selector, a.Timeout); aerr != nil {
			if cerr := ctx.Err(); cerr != nil {
				res.Outcome = OutcomeError
				log.Warn("assertion_interrupted", "assertion", a.label(), "error", aerr)
				return res, errs.Wrap(errs.Timeout, fmt.Sprintf("scenario cancelled during assertion %q", a.label()), cerr)
			}
			res.enter(StateFailed)
			res.Outcome = OutcomeFailed
			res.FailedAssertion = a.label()
			log.Info("assertion_failed", "assertion", a.label(), "timeout", a.Timeout.String(), "error", aerr)
			r.captureFailure(ctx, &res, page)
			return res, errs.Wrap(errs.AssertionFailed, a.failureMessage(), aerr)
		}
	}

	res.enter(StatePassed)
	res.Outcome = OutcomePassed
	return res, nil
}

// acquire starts the controller, launches the browser, opens the session and its
// first page, registering each handle for release as soon as it exists.
func (r *Runner) acquire(ctx context.Context, sc Scenario, runID string, handles *releaser) (automation.Page, error) {
	ctrl, err := r.launcher.Start(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, fmt.Sprintf("start %s automation", r.launcher.Name()), err)
	}
	handles.push("controller", ctrl.Stop)

	browser, err := ctrl.Launch(ctx, r.cfg.Launch)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "launch browser", err)
	}
	handles.push("browser", browser.Close)

	session, err := browser.NewSession(ctx, automation.SessionOptions{
		Device:         sc.Device,
		DefaultTimeout: r.cfg.ContextTimeout,
		ExtraHeaders:   map[string]string{"traceparent": obs.Traceparent(runID)},
	})
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "create browser session", err)
	}
	handles.push("session", session.Close)

	page, err := session.NewPage(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "open page", err)
	}
	return page, nil
}

// runStep executes one step and returns the page that is active afterwards.
func (r *Runner) runStep(ctx context.Context, sc Scenario, page automation.Page, st Step, index int, res *Result) (automation.Page, error) {
	switch st.Kind {
	case KindNavigate:
		target, err := sc.ResolveURL(st.URL)
		if err != nil {
			return page, err
		}
		obs.From(ctx).Info("navigate", "url", logutil.RedactURLForLog(target), "wait_until", string(st.WaitUntil))
		if err := page.Goto(ctx, target, automation.GotoOptions{WaitUntil: st.WaitUntil, Timeout: st.Timeout}); err != nil {
			return page, err
		}
		r.settleFrames(ctx, sc, page, index, res)
		return page, nil

	case KindClick:
		if !st.OpensPage {
			return page, page.Click(ctx, st.Selector, st.Timeout)
		}
		popup, err := page.ExpectPopup(ctx, st.Timeout, func() error {
			return page.Click(ctx, st.Selector, st.Timeout)
		})
		if err != nil {
			return page, err
		}
		obs.From(ctx).Info("active_page_changed", "url", logutil.RedactURLForLog(popup.URL()))
		return popup, nil

	case KindWaitForState:
		return page, page.WaitForLoadState(ctx, st.State, st.Timeout)

	case KindScroll:
		dx, dy := st.DeltaX, st.DeltaY
		if st.ScrollByViewport {
			v, err := page.Evaluate(ctx, "() => window.innerHeight")
			if err != nil {
				return page, fmt.Errorf("read viewport height: %w", err)
			}
			h, ok := automation.AsFloat(v)
			if !ok {
				return page, fmt.Errorf("viewport height: unexpected value %v (%T)", v, v)
			}
			dy = h
		}
		return page, page.Scroll(ctx, dx, dy)

	case KindSleep:
		timer := time.NewTimer(st.Duration)
		defer timer.Stop()
		select {
		case <-timer.C:
			return page, nil
		case <-ctx.Done():
			return page, ctx.Err()
		}
	}
	return page, errs.New(errs.InvalidArgument, fmt.Sprintf("unknown step kind %q", st.Kind))
}

// settleFrames gives every attached child frame a bounded DOMContentLoaded wait.
// Embedded frames may never finish loading; their failures never abort the run.
func (r *Runner) settleFrames(ctx context.Context, sc Scenario, page automation.Page, index int, res *Result) {
	frames, err := page.Frames(ctx)
	if err != nil {
		res.ignore(index, "frame", err)
		obs.From(ctx).Debug("frame_list_failed", "error", err)
		return
	}
	for _, f := range frames {
		if err := f.WaitForLoadState(ctx, automation.LoadStateDOMContentLoaded, sc.FrameLoadTimeout); err != nil {
			res.ignore(index, "frame", err)
			obs.From(ctx).Debug("frame_wait_ignored", "frame", f.Name(), "url", logutil.RedactURLForLog(f.URL()), "error", err)
		}
	}
}

// captureFailure logs where the page ended up and hands a screenshot to the
// artifact sink. Best effort: errors here never change the outcome.
func (r *Runner) captureFailure(ctx context.Context, res *Result, page automation.Page) {
	if page == nil {
		return
	}
	log := obs.From(ctx).With("pkg", "scenario")
	title, _ := page.Title(ctx)
	content, _ := page.Content(ctx)
	log.Info("failure_page_state",
		"url", logutil.RedactURLForLog(page.URL()),
		"title", title,
		"content_preview", logutil.TruncateForLog(content, contentPreviewChars),
	)

	if r.cfg.Artifacts == nil {
		return
	}
	png, err := page.Screenshot(ctx)
	if err != nil {
		log.Warn("failure_screenshot_error", "error", err)
		return
	}
	location, err := r.cfg.Artifacts.SaveScreenshot(ctx, res.RunID, res.Scenario, png)
	if err != nil {
		log.Warn("failure_artifact_error", "error", err)
		return
	}
	res.ArtifactURL = location
}

func (r *Runner) finish(log *slog.Logger, res *Result) {
	res.Duration = time.Since(res.StartedAt)
	if r.cfg.Recorder != nil {
		r.cfg.Recorder.ObserveRun(*res)
	}
	attrs := []any{
		"outcome", string(res.Outcome),
		"dur_ms", float64(res.Duration.Microseconds()) / 1000.0,
		"steps_run", res.StepsRun,
		"ignored", len(res.Ignored),
	}
	if res.Err != nil {
		attrs = append(attrs, "code", string(errs.CodeOf(res.Err)), "error", res.Err)
	}
	if res.FailedAssertion != "" {
		attrs = append(attrs, "failed_assertion", res.FailedAssertion)
	}
	if res.ArtifactURL != "" {
		attrs = append(attrs, "artifact", res.ArtifactURL)
	}
	log.Info("scenario_finished", attrs...)
}
