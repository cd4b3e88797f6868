// scenario-runner runs built-in or YAML-defined UI scenarios once against a
// target application and exits 0 when all passed, 1 on an assertion failure and
// 2 on any step, configuration or infrastructure error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/kuitang/ui-scenarios/internal/artifacts"
	"github.com/kuitang/ui-scenarios/internal/automation"
	"github.com/kuitang/ui-scenarios/internal/automation/cdpdriver"
	"github.com/kuitang/ui-scenarios/internal/automation/pwdriver"
	"github.com/kuitang/ui-scenarios/internal/automation/roddriver"
	"github.com/kuitang/ui-scenarios/internal/catalog"
	"github.com/kuitang/ui-scenarios/internal/config"
	"github.com/kuitang/ui-scenarios/internal/errs"
	"github.com/kuitang/ui-scenarios/internal/harness"
	"github.com/kuitang/ui-scenarios/internal/metrics"
	"github.com/kuitang/ui-scenarios/internal/obs"
	"github.com/kuitang/ui-scenarios/internal/scenario"
	"github.com/kuitang/ui-scenarios/internal/scenariofile"
)

func main() {
	obs.Init()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// newLauncher builds the automation driver named by the configuration.
var newLauncher = func(cfg *config.Config) automation.Launcher {
	switch cfg.Driver {
	case config.DriverRod:
		return &roddriver.Launcher{RemoteURL: cfg.CDPRemoteURL}
	case config.DriverChromedp:
		return &cdpdriver.Launcher{RemoteURL: cfg.CDPRemoteURL}
	default:
		return pwdriver.New()
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	log := obs.Pkg("main")

	flags, err := config.ParseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return errs.ExitPassed
	}
	if err != nil {
		fmt.Fprintf(stderr, "scenario-runner: %v\n", err)
		return errs.ExitError
	}
	cfg, err := config.LoadConfig(flags)
	if err != nil {
		fmt.Fprintf(stderr, "scenario-runner: %v\n", err)
		return errs.ExitError
	}

	scenarios, err := selectScenarios(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "scenario-runner: %v\n", err)
		return errs.ExitCode(err)
	}
	if cfg.ListOnly {
		printScenarios(stdout, scenarios)
		return errs.ExitPassed
	}

	cfg.PrintStartupSummary(stderr)

	launchArgs := cfg.BrowserArgs
	if launchArgs == nil {
		launchArgs = pwdriver.DefaultArgs
	}
	rc := scenario.RunnerConfig{
		Launch:         automation.LaunchOptions{Headless: cfg.Headless, Args: launchArgs},
		ContextTimeout: cfg.ContextTimeout,
	}

	if !cfg.NoArtifacts {
		store, err := artifacts.New(ctx, artifacts.Config{
			Endpoint:        cfg.AWSEndpointS3,
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			BucketName:      cfg.AWSBucketName,
			PublicURL:       cfg.AWSPublicURL,
			UsePathStyle:    cfg.AWSUsePathStyle,
		})
		if err != nil {
			fmt.Fprintf(stderr, "scenario-runner: artifact store: %v\n", err)
			return errs.ExitError
		}
		rc.Artifacts = store
	}

	recorder := metrics.New()
	rc.Recorder = recorder

	runner := scenario.NewRunner(newLauncher(cfg), rc)
	sum, err := harness.Run(ctx, runner, scenarios, harness.Options{
		Parallelism: cfg.Parallelism,
		Repeat:      cfg.Repeat,
		LaunchRPS:   cfg.LaunchRPS,
	})
	if err != nil {
		fmt.Fprintf(stderr, "scenario-runner: %v\n", err)
		return errs.ExitCode(err)
	}
	printSummary(stdout, sum)

	if cfg.MetricsTextfile != "" {
		if err := recorder.WriteTextfile(cfg.MetricsTextfile); err != nil {
			log.Warn("metrics_write_failed", "path", cfg.MetricsTextfile, "error", err)
		}
	}
	return sum.ExitCode
}

// selectScenarios loads the YAML file when one is configured, otherwise the
// named built-in scenarios, and applies the configured default timeouts.
func selectScenarios(cfg *config.Config) ([]scenario.Scenario, error) {
	var (
		scenarios []scenario.Scenario
		err       error
	)
	if cfg.ScenarioFile != "" {
		scenarios, err = scenariofile.Load(cfg.ScenarioFile, cfg.BaseURL)
	} else {
		scenarios, err = catalog.Select(cfg.BaseURL, cfg.Scenarios)
	}
	if err != nil {
		return nil, err
	}
	for i := range scenarios {
		scenarios[i] = scenarios[i].WithTimeouts(cfg.Timeouts)
	}
	return scenarios, nil
}

func printScenarios(w io.Writer, scenarios []scenario.Scenario) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCENARIO\tDEVICE\tSTEPS\tASSERTIONS\tBASE URL")
	for _, sc := range scenarios {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", sc.Name, deviceName(sc.Device.Name), len(sc.Steps), len(sc.Assertions), sc.BaseURL)
	}
	_ = tw.Flush()
}

func printSummary(w io.Writer, sum harness.Summary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESULT\tSCENARIO\tDEVICE\tDURATION\tDETAIL")
	for _, r := range sum.Results {
		detail := ""
		if r.Err != nil {
			detail = errs.MessageOf(r.Err)
		}
		if r.ArtifactURL != "" {
			detail += " [" + r.ArtifactURL + "]"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", label(r.Outcome), r.Scenario, deviceName(r.Device), r.Duration.Round(time.Millisecond), detail)
	}
	_ = tw.Flush()

	counts := sum.Counts()
	fmt.Fprintf(w, "\n%d passed, %d failed, %d errored in %s\n",
		counts[scenario.OutcomePassed], counts[scenario.OutcomeFailed], counts[scenario.OutcomeError], sum.Duration.Round(time.Millisecond))
	for _, name := range sum.Nondeterministic {
		fmt.Fprintf(w, "nondeterministic: %s\n", name)
	}
}

func label(o scenario.Outcome) string {
	switch o {
	case scenario.OutcomePassed:
		return "PASS"
	case scenario.OutcomeFailed:
		return "FAIL"
	default:
		return "ERROR"
	}
}

func deviceName(name string) string {
	if name == "" {
		return "-"
	}
	return name
}
