package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/ui-scenarios/internal/automation"
	"github.com/kuitang/ui-scenarios/internal/automation/automationtest"
	"github.com/kuitang/ui-scenarios/internal/errs"
)

const testBase = "http://localhost:3000"

var errInjected = errors.New("injected failure")

func teardownOps(d *automationtest.Driver) []string {
	var out []string
	for _, op := range d.Ops() {
		switch op {
		case automationtest.OpCloseSession, automationtest.OpCloseBrowser, automationtest.OpStop:
			out = append(out, op)
		}
	}
	return out
}

func basicScenario() Scenario {
	return Scenario{
		Name:    "basic",
		BaseURL: testBase,
		Steps: []Step{
			Navigate("/"),
			WaitForState(automation.LoadStateDOMContentLoaded).Optional(),
			Click("xpath=html/body/div[2]/div/button"),
			Navigate("/signin"),
		},
		Assertions: []Assertion{
			ExpectVisible("text=Please sign in to continue."),
		},
	}
}

type recordingSink struct {
	mu    sync.Mutex
	saved map[string][]byte
}

func (s *recordingSink) SaveScreenshot(ctx context.Context, runID, scenario string, png []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = map[string][]byte{}
	}
	key := "runs/" + runID + "/" + scenario + ".png"
	s.saved[key] = png
	return "mem://" + key, nil
}

type recordingRecorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *recordingRecorder) ObserveRun(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func TestRun_PassesAndTearsDownInReverseOrder(t *testing.T) {
	d := &automationtest.Driver{}
	rec := &recordingRecorder{}
	r := NewRunner(d, RunnerConfig{Recorder: rec, NewRunID: func() string { return "run-1" }})

	res, err := r.Run(context.Background(), basicScenario())
	require.NoError(t, err)
	assert.Equal(t, OutcomePassed, res.Outcome)
	assert.True(t, res.Passed())
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 4, res.StepsRun)
	assert.Equal(t, []State{
		StateInit, StateSessionAcquired,
		StateStepRunning, StateStepRunning, StateStepRunning, StateStepRunning,
		StateAsserting, StatePassed, StateTornDown,
	}, res.Trace)

	assert.Equal(t, []string{automationtest.OpCloseSession, automationtest.OpCloseBrowser, automationtest.OpStop}, teardownOps(d))

	events := d.Events()
	assert.Equal(t, "goto page-1 http://localhost:3000/", events[4].String())
	require.Len(t, rec.results, 1)
	assert.Equal(t, OutcomePassed, rec.results[0].Outcome)
}

func TestRun_SessionCarriesDeviceAndTraceparent(t *testing.T) {
	d := &automationtest.Driver{}
	r := NewRunner(d, RunnerConfig{ContextTimeout: 7 * time.Second})
	sc := basicScenario()
	sc.Device = automation.Device{Name: "pixel-7", IsMobile: true}

	_, err := r.Run(context.Background(), sc)
	require.NoError(t, err)

	sessions := d.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "pixel-7", sessions[0].Device.Name)
	assert.Equal(t, 7*time.Second, sessions[0].DefaultTimeout)
	assert.True(t, strings.HasPrefix(sessions[0].ExtraHeaders["traceparent"], "00-"))
}

func TestRun_AssertionFailureIsDistinguishable(t *testing.T) {
	d := &automationtest.Driver{Fail: automationtest.FailOn(automationtest.OpVisible, "UI Components", automation.ErrTimeout)}
	sink := &recordingSink{}
	r := NewRunner(d, RunnerConfig{Artifacts: sink, NewRunID: func() string { return "run-a" }})

	sc := basicScenario()
	sc.Assertions = []Assertion{
		ExpectVisible("text=UI Components Rendered Successfully").
			Within(time.Second).
			OrFail("UI components did not render correctly"),
	}
	res, err := r.Run(context.Background(), sc)
	require.Error(t, err)
	assert.Equal(t, errs.AssertionFailed, errs.CodeOf(err))
	assert.Equal(t, "UI components did not render correctly", errs.MessageOf(err))
	assert.ErrorIs(t, err, automation.ErrTimeout)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "text=UI Components Rendered Successfully", res.FailedAssertion)
	assert.Equal(t, StateFailed, res.Trace[len(res.Trace)-2])
	assert.Equal(t, StateTornDown, res.Trace[len(res.Trace)-1])
	assert.Equal(t, "mem://runs/run-a/basic.png", res.ArtifactURL)
	assert.Contains(t, sink.saved, "runs/run-a/basic.png")
	assert.Equal(t, []string{automationtest.OpCloseSession, automationtest.OpCloseBrowser, automationtest.OpStop}, teardownOps(d))
}

func TestRun_FirstFailedAssertionStops(t *testing.T) {
	d := &automationtest.Driver{Fail: automationtest.FailOn(automationtest.OpVisible, "Authentication required", automation.ErrTimeout)}
	r := NewRunner(d, RunnerConfig{})
	sc := basicScenario()
	sc.Assertions = []Assertion{
		ExpectVisible("text=Authentication required"),
		ExpectVisible("text=Please sign in to continue."),
	}

	res, err := r.Run(context.Background(), sc)
	require.Error(t, err)
	assert.Equal(t, "expected text=Authentication required to be visible within 30s", errs.MessageOf(err))
	assert.Equal(t, 1, d.Count(automationtest.OpVisible))
	assert.Equal(t, OutcomeFailed, res.Outcome)
}

func TestRun_LaunchFailureIsInfrastructure(t *testing.T) {
	d := &automationtest.Driver{Fail: automationtest.FailOn(automationtest.OpLaunch, "", errors.New("chromium missing"))}
	r := NewRunner(d, RunnerConfig{})

	res, err := r.Run(context.Background(), basicScenario())
	require.Error(t, err)
	assert.Equal(t, errs.Unavailable, errs.CodeOf(err))
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, []State{StateInit, StateTornDown}, res.Trace)
	// Only the controller was acquired, so only it is released.
	assert.Equal(t, []string{automationtest.OpStop}, teardownOps(d))
	assert.Zero(t, d.Count(automationtest.OpGoto))
}

func TestRun_InvalidScenarioNeverLaunches(t *testing.T) {
	d := &automationtest.Driver{}
	r := NewRunner(d, RunnerConfig{})
	sc := basicScenario()
	sc.Steps = append(sc.Steps, Sleep(45*time.Second))

	res, err := r.Run(context.Background(), sc)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Empty(t, d.Events())
}

func TestRun_FrameFailuresAreIgnored(t *testing.T) {
	d := &automationtest.Driver{
		Frames: []string{"ads", "chat"},
		Fail:   automationtest.FailOn(automationtest.OpFrameLoad, "ads", automation.ErrTimeout),
	}
	r := NewRunner(d, RunnerConfig{})

	res, err := r.Run(context.Background(), basicScenario())
	require.NoError(t, err)
	// Two navigations, two frames each.
	assert.Equal(t, 4, d.Count(automationtest.OpFrameLoad))
	require.Len(t, res.Ignored, 2)
	assert.Equal(t, "frame", res.Ignored[0].Kind)
	assert.Equal(t, 1, res.Ignored[0].Step)
	assert.Equal(t, 4, res.Ignored[1].Step)
}

func TestRun_PopupBecomesActivePage(t *testing.T) {
	d := &automationtest.Driver{}
	r := NewRunner(d, RunnerConfig{})
	sc := Scenario{
		Name:    "popup",
		BaseURL: testBase,
		Steps: []Step{
			Navigate("/"),
			Click("#google-signin").OpeningPage(),
			Navigate("/signin"),
		},
		Assertions: []Assertion{ExpectVisible("#render-check")},
	}

	_, err := r.Run(context.Background(), sc)
	require.NoError(t, err)

	var gotos, visibles []string
	for _, e := range d.Events() {
		switch e.Op {
		case automationtest.OpGoto:
			gotos = append(gotos, e.Arg)
		case automationtest.OpVisible:
			visibles = append(visibles, e.Arg)
		}
	}
	assert.Equal(t, []string{"page-1 http://localhost:3000/", "page-2 http://localhost:3000/signin"}, gotos)
	assert.Equal(t, []string{"page-2 css=#render-check"}, visibles)
}

func TestRun_ScrollByViewportEvaluatesHeight(t *testing.T) {
	d := &automationtest.Driver{ViewportHeight: 720}
	r := NewRunner(d, RunnerConfig{})
	sc := Scenario{Name: "scroll", BaseURL: testBase, Steps: []Step{Navigate("/"), ScrollViewport()}}

	_, err := r.Run(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Count(automationtest.OpEvaluate))
	var scroll string
	for _, e := range d.Events() {
		if e.Op == automationtest.OpScroll {
			scroll = e.Arg
		}
	}
	assert.Equal(t, "page-1 0,720", scroll)
}

func TestRun_SleepHonoursCancellation(t *testing.T) {
	d := &automationtest.Driver{}
	r := NewRunner(d, RunnerConfig{})
	sc := Scenario{Name: "sleepy", BaseURL: testBase, Steps: []Step{Navigate("/"), Sleep(20 * time.Second), Navigate("/projects")}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	res, err := r.Run(ctx, sc)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, 2, res.FailedStep)
	assert.Equal(t, 1, d.Count(automationtest.OpGoto))
	assert.Equal(t, []string{automationtest.OpCloseSession, automationtest.OpCloseBrowser, automationtest.OpStop}, teardownOps(d))
}

func TestRun_IgnorableStepCannotSwallowCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &automationtest.Driver{Fail: func(op, arg string) error {
		if op == automationtest.OpLoadState {
			cancel()
			return context.Canceled
		}
		return nil
	}}
	r := NewRunner(d, RunnerConfig{})

	res, err := r.Run(ctx, basicScenario())
	require.Error(t, err)
	assert.Equal(t, errs.StepFailed, errs.CodeOf(err))
	assert.Equal(t, 2, res.FailedStep)
	assert.Zero(t, d.Count(automationtest.OpClick))
}

func TestRun_CancelledAssertionIsAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &automationtest.Driver{Fail: func(op, arg string) error {
		if op == automationtest.OpVisible {
			cancel()
			return context.Canceled
		}
		return nil
	}}
	sink := &recordingSink{}
	r := NewRunner(d, RunnerConfig{Artifacts: sink})

	res, err := r.Run(ctx, basicScenario())
	require.Error(t, err)
	assert.Equal(t, errs.Timeout, errs.CodeOf(err))
	assert.Equal(t, errs.ExitError, errs.ExitCode(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, err.Error(), "within")
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Empty(t, res.FailedAssertion)
	assert.NotContains(t, res.Trace, StateFailed)
	assert.Empty(t, sink.saved)
	assert.Equal(t, []string{automationtest.OpCloseSession, automationtest.OpCloseBrowser, automationtest.OpStop}, teardownOps(d))
}

func TestRun_TeardownErrorsDoNotChangeOutcome(t *testing.T) {
	d := &automationtest.Driver{Fail: automationtest.FailOn(automationtest.OpCloseBrowser, "", errors.New("browser already gone"))}
	r := NewRunner(d, RunnerConfig{})

	res, err := r.Run(context.Background(), basicScenario())
	require.NoError(t, err)
	assert.Equal(t, OutcomePassed, res.Outcome)
	require.Error(t, res.TeardownErr)
	assert.Contains(t, res.TeardownErr.Error(), "close browser")
	// Later handles are still released after an earlier close fails.
	assert.Equal(t, []string{automationtest.OpCloseSession, automationtest.OpCloseBrowser, automationtest.OpStop}, teardownOps(d))
}

func TestRun_SameOutcomeAcrossRepeats(t *testing.T) {
	for _, fail := range []func(string, string) error{
		nil,
		automationtest.FailOn(automationtest.OpVisible, "", automation.ErrTimeout),
		automationtest.FailOn(automationtest.OpClick, "", automation.ErrTimeout),
	} {
		d := &automationtest.Driver{Fail: fail}
		r := NewRunner(d, RunnerConfig{})
		first, _ := r.Run(context.Background(), basicScenario())
		second, _ := r.Run(context.Background(), basicScenario())
		assert.Equal(t, first.Outcome, second.Outcome)
		assert.Equal(t, first.Trace, second.Trace)
	}
}

// --- properties -------------------------------------------------------------

// drawSteps builds steps whose driver events are attributable: step i navigates
// to /s{i} or clicks #s{i}.
func drawSteps(t *rapid.T, n int) []Step {
	steps := make([]Step, n)
	for i := range steps {
		if rapid.Bool().Draw(t, fmt.Sprintf("click_%d", i)) {
			steps[i] = Click(fmt.Sprintf("#s%d", i))
		} else {
			steps[i] = Navigate(fmt.Sprintf("/s%d", i))
		}
	}
	return steps
}

func stepOf(e automationtest.Event) (int, bool) {
	var idx int
	for _, marker := range []string{"/s", "#s"} {
		if i := strings.LastIndex(e.Arg, marker); i >= 0 {
			if _, err := fmt.Sscanf(e.Arg[i+2:], "%d", &idx); err == nil {
				return idx, true
			}
		}
	}
	return 0, false
}

func testRun_TeardownExactlyOnce(t *rapid.T) {
	n := rapid.IntRange(0, 6).Draw(t, "steps")
	steps := drawSteps(t, n)
	for i := range steps {
		if rapid.Bool().Draw(t, fmt.Sprintf("ignorable_%d", i)) {
			steps[i] = steps[i].Optional()
		}
	}
	failAt := rapid.IntRange(-1, 3+2*n).Draw(t, "fail_at")

	var calls int
	var mu sync.Mutex
	d := &automationtest.Driver{Frames: []string{"f"}, Fail: func(op, arg string) error {
		switch op {
		case automationtest.OpCloseSession, automationtest.OpCloseBrowser, automationtest.OpStop:
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls-1 == failAt {
			return errInjected
		}
		return nil
	}}
	sc := Scenario{Name: "prop", BaseURL: testBase, Steps: steps, Assertions: []Assertion{ExpectVisible("#done")}}
	res, _ := NewRunner(d, RunnerConfig{}).Run(context.Background(), sc)

	acquired := map[string]bool{
		automationtest.OpStop:         d.Count(automationtest.OpStart) == 1 && failAt != 0,
		automationtest.OpCloseBrowser: d.Count(automationtest.OpLaunch) == 1 && failAt > 1,
		automationtest.OpCloseSession: d.Count(automationtest.OpNewSession) == 1 && failAt > 2,
	}
	if failAt < 0 {
		for k := range acquired {
			acquired[k] = true
		}
	}
	for op, want := range acquired {
		got := d.Count(op)
		if want && got != 1 {
			t.Fatalf("%s called %d times, want exactly once (fail_at=%d)", op, got, failAt)
		}
		if !want && got != 0 {
			t.Fatalf("%s called for a handle never acquired (fail_at=%d)", op, failAt)
		}
	}
	if res.Trace[len(res.Trace)-1] != StateTornDown {
		t.Fatalf("trace must end in TORN_DOWN: %v", res.Trace)
	}
	var torn int
	for _, s := range res.Trace {
		if s == StateTornDown {
			torn++
		}
	}
	if torn != 1 {
		t.Fatalf("TORN_DOWN entered %d times", torn)
	}
}

func TestRun_TeardownExactlyOnce(t *testing.T) {
	rapid.Check(t, testRun_TeardownExactlyOnce)
}

func testRun_IgnorableStepsNeverAbort(t *rapid.T) {
	n := rapid.IntRange(1, 8).Draw(t, "steps")
	steps := drawSteps(t, n)
	for i := range steps {
		steps[i] = steps[i].Optional()
	}
	failing := rapid.SliceOfDistinct(rapid.IntRange(0, n-1), rapid.ID[int]).Draw(t, "failing")
	failSet := map[int]bool{}
	for _, i := range failing {
		failSet[i] = true
	}

	d := &automationtest.Driver{Fail: func(op, arg string) error {
		if op != automationtest.OpGoto && op != automationtest.OpClick {
			return nil
		}
		if idx, ok := stepOf(automationtest.Event{Op: op, Arg: arg}); ok && failSet[idx] {
			return automation.ErrTimeout
		}
		return nil
	}}
	sc := Scenario{Name: "ignorable", BaseURL: testBase, Steps: steps, Assertions: []Assertion{ExpectVisible("#done")}}
	res, err := NewRunner(d, RunnerConfig{}).Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("ignorable failures aborted the scenario: %v", err)
	}
	if res.StepsRun != n {
		t.Fatalf("steps run = %d, want %d", res.StepsRun, n)
	}
	if len(res.Ignored) != len(failSet) {
		t.Fatalf("ignored = %d, want %d", len(res.Ignored), len(failSet))
	}
}

func TestRun_IgnorableStepsNeverAbort(t *testing.T) {
	rapid.Check(t, testRun_IgnorableStepsNeverAbort)
}

func testRun_FatalStepShortCircuits(t *rapid.T) {
	n := rapid.IntRange(1, 8).Draw(t, "steps")
	steps := drawSteps(t, n)
	failIdx := rapid.IntRange(0, n-1).Draw(t, "fail_idx")

	d := &automationtest.Driver{Fail: func(op, arg string) error {
		if op != automationtest.OpGoto && op != automationtest.OpClick {
			return nil
		}
		if idx, ok := stepOf(automationtest.Event{Op: op, Arg: arg}); ok && idx == failIdx {
			return errInjected
		}
		return nil
	}}
	sc := Scenario{Name: "fatal", BaseURL: testBase, Steps: steps, Assertions: []Assertion{ExpectVisible("#done")}}
	res, err := NewRunner(d, RunnerConfig{}).Run(context.Background(), sc)
	if errs.CodeOf(err) != errs.StepFailed {
		t.Fatalf("code = %q, want step_failed (err=%v)", errs.CodeOf(err), err)
	}
	if !errors.Is(err, errInjected) {
		t.Fatalf("cause lost: %v", err)
	}
	if res.FailedStep != failIdx+1 {
		t.Fatalf("failed step = %d, want %d", res.FailedStep, failIdx+1)
	}
	for _, e := range d.Events() {
		if idx, ok := stepOf(e); ok && idx > failIdx {
			t.Fatalf("step %d ran after fatal step %d: %s", idx, failIdx, e)
		}
		if e.Op == automationtest.OpVisible {
			t.Fatalf("assertion ran after fatal step")
		}
	}
	if d.Count(automationtest.OpCloseSession) != 1 {
		t.Fatal("session not released exactly once")
	}
}

func TestRun_FatalStepShortCircuits(t *testing.T) {
	rapid.Check(t, testRun_FatalStepShortCircuits)
}
