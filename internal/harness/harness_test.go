package harness

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/ui-scenarios/internal/automation"
	"github.com/kuitang/ui-scenarios/internal/automation/automationtest"
	"github.com/kuitang/ui-scenarios/internal/errs"
	"github.com/kuitang/ui-scenarios/internal/scenario"
)

// runnerFunc adapts a function to ScenarioRunner.
type runnerFunc func(ctx context.Context, sc scenario.Scenario) (scenario.Result, error)

func (f runnerFunc) Run(ctx context.Context, sc scenario.Scenario) (scenario.Result, error) {
	return f(ctx, sc)
}

func outcomeRunner(outcomes map[string]scenario.Outcome) runnerFunc {
	return func(ctx context.Context, sc scenario.Scenario) (scenario.Result, error) {
		res := scenario.Result{Scenario: sc.Name, Outcome: outcomes[sc.Name]}
		switch res.Outcome {
		case scenario.OutcomeFailed:
			return res, errs.New(errs.AssertionFailed, "not visible")
		case scenario.OutcomeError:
			return res, errs.New(errs.StepFailed, "click failed")
		}
		res.Outcome = scenario.OutcomePassed
		return res, nil
	}
}

func named(names ...string) []scenario.Scenario {
	out := make([]scenario.Scenario, len(names))
	for i, n := range names {
		out[i] = scenario.Scenario{Name: n}
	}
	return out
}

func TestRun_ExitCodes(t *testing.T) {
	cases := map[string]struct {
		outcomes map[string]scenario.Outcome
		want     int
	}{
		"all passed":      {map[string]scenario.Outcome{}, errs.ExitPassed},
		"assertion":       {map[string]scenario.Outcome{"b": scenario.OutcomeFailed}, errs.ExitAssertionFailed},
		"error":           {map[string]scenario.Outcome{"a": scenario.OutcomeError}, errs.ExitError},
		"error wins":      {map[string]scenario.Outcome{"a": scenario.OutcomeFailed, "c": scenario.OutcomeError}, errs.ExitError},
		"error wins late": {map[string]scenario.Outcome{"a": scenario.OutcomeError, "c": scenario.OutcomeFailed}, errs.ExitError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			sum, err := Run(context.Background(), outcomeRunner(tc.outcomes), named("a", "b", "c"), Options{Parallelism: 2})
			require.NoError(t, err)
			assert.Equal(t, tc.want, sum.ExitCode)
			require.Len(t, sum.Results, 3)
			assert.Equal(t, []string{"a", "b", "c"}, []string{sum.Results[0].Scenario, sum.Results[1].Scenario, sum.Results[2].Scenario})
		})
	}
}

func TestRun_ExitCodeProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		all := []scenario.Outcome{scenario.OutcomePassed, scenario.OutcomeFailed, scenario.OutcomeError}
		picked := rapid.SliceOfN(rapid.SampledFrom(all), 1, 8).Draw(t, "outcomes")
		outcomes := make(map[string]scenario.Outcome, len(picked))
		var names []string
		want := errs.ExitPassed
		for i, o := range picked {
			n := string(rune('a' + i))
			names = append(names, n)
			outcomes[n] = o
			switch {
			case o == scenario.OutcomeError:
				want = errs.ExitError
			case o == scenario.OutcomeFailed && want == errs.ExitPassed:
				want = errs.ExitAssertionFailed
			}
		}
		sum, err := Run(context.Background(), outcomeRunner(outcomes), named(names...), Options{Parallelism: 3})
		if err != nil {
			t.Fatal(err)
		}
		if sum.ExitCode != want {
			t.Fatalf("exit code %d, want %d for %v", sum.ExitCode, want, picked)
		}
	})
}

func TestRun_EmptyBatch(t *testing.T) {
	sum, err := Run(context.Background(), outcomeRunner(nil), nil, Options{})
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
	assert.Equal(t, errs.ExitError, sum.ExitCode)
}

func TestRun_RepeatFlagsNondeterministic(t *testing.T) {
	var calls atomic.Int32
	flaky := runnerFunc(func(ctx context.Context, sc scenario.Scenario) (scenario.Result, error) {
		if sc.Name == "flaky" && calls.Add(1)%2 == 0 {
			return scenario.Result{Scenario: sc.Name, Outcome: scenario.OutcomeFailed}, errs.New(errs.AssertionFailed, "missing")
		}
		return scenario.Result{Scenario: sc.Name, Outcome: scenario.OutcomePassed}, nil
	})

	sum, err := Run(context.Background(), flaky, named("stable", "flaky"), Options{Repeat: 4})
	require.NoError(t, err)
	require.Len(t, sum.Results, 8)
	assert.Equal(t, []string{"flaky"}, sum.Nondeterministic)
	assert.Equal(t, errs.ExitAssertionFailed, sum.ExitCode)
	assert.Equal(t, 6, sum.Counts()[scenario.OutcomePassed])
	assert.Equal(t, 2, sum.Counts()[scenario.OutcomeFailed])
}

func TestRun_BoundsParallelism(t *testing.T) {
	var (
		mu           sync.Mutex
		active, peak int
	)
	slow := runnerFunc(func(ctx context.Context, sc scenario.Scenario) (scenario.Result, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return scenario.Result{Scenario: sc.Name, Outcome: scenario.OutcomePassed}, nil
	})

	sum, err := Run(context.Background(), slow, named("a", "b", "c", "d", "e", "f"), Options{Parallelism: 2})
	require.NoError(t, err)
	assert.Equal(t, errs.ExitPassed, sum.ExitCode)
	assert.LessOrEqual(t, peak, 2)
}

func TestRun_PacesLaunches(t *testing.T) {
	sum, err := Run(context.Background(), outcomeRunner(nil), named("a", "b", "c"), Options{Parallelism: 3, LaunchRPS: 20})
	require.NoError(t, err)
	// Burst 1 at 20/s: the third start waits about 100ms.
	assert.GreaterOrEqual(t, sum.Duration, 80*time.Millisecond)
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := Run(ctx, outcomeRunner(nil), named("a", "b"), Options{})
	require.NoError(t, err)
	assert.Equal(t, errs.ExitError, sum.ExitCode)
	for _, r := range sum.Results {
		assert.Equal(t, scenario.OutcomeError, r.Outcome)
		assert.Equal(t, errs.Timeout, errs.CodeOf(r.Err))
	}
}

func TestRun_WithScenarioRunner(t *testing.T) {
	d := &automationtest.Driver{Fail: automationtest.FailOn(automationtest.OpVisible, "#missing", automation.ErrTimeout)}
	runner := scenario.NewRunner(d, scenario.RunnerConfig{})
	scenarios := []scenario.Scenario{
		{
			Name:       "ok",
			BaseURL:    "http://localhost:3000",
			Steps:      []scenario.Step{scenario.Navigate("/")},
			Assertions: []scenario.Assertion{scenario.ExpectVisible("#present")},
		},
		{
			Name:       "broken",
			BaseURL:    "http://localhost:3000",
			Steps:      []scenario.Step{scenario.Navigate("/")},
			Assertions: []scenario.Assertion{scenario.ExpectVisible("#missing").OrFail("missing element")},
		},
	}

	sum, err := Run(context.Background(), runner, scenarios, Options{Parallelism: 2})
	require.NoError(t, err)
	assert.Equal(t, errs.ExitAssertionFailed, sum.ExitCode)
	assert.Equal(t, scenario.OutcomePassed, sum.Results[0].Outcome)
	assert.Equal(t, scenario.OutcomeFailed, sum.Results[1].Outcome)
	assert.Equal(t, "missing element", errs.MessageOf(sum.Results[1].Err))

	// Every run tore down its own session, browser and controller.
	assert.Equal(t, 2, d.Count(automationtest.OpCloseSession))
	assert.Equal(t, 2, d.Count(automationtest.OpCloseBrowser))
	assert.Equal(t, 2, d.Count(automationtest.OpStop))
}
