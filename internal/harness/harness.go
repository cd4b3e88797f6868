// Package harness runs a batch of scenarios for the command line: bounded
// parallelism, paced browser launches, optional repeats and a process exit code.
package harness

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kuitang/ui-scenarios/internal/errs"
	"github.com/kuitang/ui-scenarios/internal/obs"
	"github.com/kuitang/ui-scenarios/internal/scenario"
)

// ScenarioRunner runs one scenario. *scenario.Runner implements it.
type ScenarioRunner interface {
	Run(ctx context.Context, sc scenario.Scenario) (scenario.Result, error)
}

// Options configures a batch. Zero values take defaults.
type Options struct {
	// Parallelism bounds concurrent scenario runs (default 1).
	Parallelism int
	// Repeat runs every scenario this many times (default 1).
	Repeat int
	// LaunchRPS paces run starts; each run launches its own browser. <= 0 means unpaced.
	LaunchRPS float64
}

func (o Options) withDefaults() Options {
	if o.Parallelism <= 0 {
		o.Parallelism = 1
	}
	if o.Repeat <= 0 {
		o.Repeat = 1
	}
	return o
}

// Summary is the outcome of a batch.
type Summary struct {
	// Results holds every run, grouped by scenario in input order, then by repeat.
	Results []scenario.Result
	// Nondeterministic names scenarios whose outcome differed between repeats.
	Nondeterministic []string
	ExitCode         int
	Duration         time.Duration
}

// Counts returns the number of runs per outcome.
func (s Summary) Counts() map[scenario.Outcome]int {
	out := make(map[scenario.Outcome]int, 3)
	for _, r := range s.Results {
		out[r.Outcome]++
	}
	return out
}

// Run executes every scenario opts.Repeat times. Each run owns its own session;
// one scenario failing never stops the others. The exit code is 0 when every run
// passed, 2 when any run errored and 1 otherwise.
func Run(ctx context.Context, runner ScenarioRunner, scenarios []scenario.Scenario, opts Options) (Summary, error) {
	if len(scenarios) == 0 {
		return Summary{ExitCode: errs.ExitError}, errs.New(errs.InvalidArgument, "no scenarios to run")
	}
	opts = opts.withDefaults()
	log := obs.From(ctx).With("pkg", "harness")
	started := time.Now()

	limit := rate.Inf
	if opts.LaunchRPS > 0 {
		limit = rate.Limit(opts.LaunchRPS)
	}
	pace := rate.NewLimiter(limit, 1)

	log.Info("batch_started", "scenarios", len(scenarios), "repeat", opts.Repeat, "parallelism", opts.Parallelism, "launch_rps", opts.LaunchRPS)

	results := make([]scenario.Result, len(scenarios)*opts.Repeat)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallelism)
	for i, sc := range scenarios {
		for k := 0; k < opts.Repeat; k++ {
			slot := i*opts.Repeat + k
			g.Go(func() error {
				if err := pace.Wait(gctx); err != nil {
					results[slot] = scenario.Result{
						Scenario: sc.Name,
						Device:   sc.Device.Name,
						Outcome:  scenario.OutcomeError,
						Err:      errs.Wrap(errs.Timeout, fmt.Sprintf("scenario %q not started", sc.Name), err),
					}
					return nil
				}
				res, err := runner.Run(gctx, sc)
				res.Err = err
				results[slot] = res
				// Run failures stay in results; returning them would cancel siblings.
				return nil
			})
		}
	}
	_ = g.Wait()

	sum := Summary{
		Results:          results,
		Nondeterministic: nondeterministic(results, opts.Repeat),
		Duration:         time.Since(started),
	}
	for _, r := range results {
		if c := errs.ExitCode(r.Err); c > sum.ExitCode {
			sum.ExitCode = c
		}
	}

	counts := sum.Counts()
	log.Info("batch_finished",
		"passed", counts[scenario.OutcomePassed],
		"failed", counts[scenario.OutcomeFailed],
		"errored", counts[scenario.OutcomeError],
		"nondeterministic", len(sum.Nondeterministic),
		"exit_code", sum.ExitCode,
		"dur_ms", float64(sum.Duration.Microseconds())/1000.0,
	)
	for _, name := range sum.Nondeterministic {
		log.Warn("scenario_nondeterministic", "scenario", name)
	}
	return sum, nil
}

// nondeterministic returns, in input order, the scenarios whose repeats did not
// all share one outcome.
func nondeterministic(results []scenario.Result, repeat int) []string {
	if repeat < 2 {
		return nil
	}
	var out []string
	for start := 0; start+repeat <= len(results); start += repeat {
		group := results[start : start+repeat]
		for _, r := range group[1:] {
			if r.Outcome != group[0].Outcome {
				out = append(out, group[0].Scenario)
				break
			}
		}
	}
	return out
}
