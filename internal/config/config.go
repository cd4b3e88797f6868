// Package config loads scenario-runner configuration from CLI flags and
// environment variables, validates it, and provides defaults.
//
// Environment variables set the baseline; flags given on the command line
// override them. S3 artifact upload is enabled unless --no-artifacts is set.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/ui-scenarios/internal/scenario"
)

const (
	defaultBaseURL  = "http://localhost:3000"
	defaultS3Region = "auto"
)

// Driver names.
const (
	DriverPlaywright = "playwright"
	DriverRod        = "rod"
	DriverChromedp   = "chromedp"
)

// Config holds all scenario-runner configuration.
type Config struct {
	// Target
	BaseURL string

	// Browser
	Driver       string
	Headless     bool
	BrowserArgs  []string // nil means the driver's defaults
	CDPRemoteURL string   // CDP_REMOTE_URL; attach instead of launching (rod, chromedp)

	// Bounds for steps and assertions that set none
	Timeouts       scenario.Timeouts
	ContextTimeout time.Duration

	// Batch
	Parallelism  int
	Repeat       int
	LaunchRPS    float64
	ScenarioFile string   // YAML scenarios; empty means the built-in catalog
	Scenarios    []string // built-in scenario names; empty means all

	MetricsTextfile string
	ListOnly        bool

	// Failure artifacts (controlled by --no-artifacts)
	NoArtifacts        bool
	AWSEndpointS3      string // AWS_ENDPOINT_URL_S3
	AWSRegion          string // AWS_REGION
	AWSAccessKeyID     string // AWS_ACCESS_KEY_ID
	AWSSecretAccessKey string // AWS_SECRET_ACCESS_KEY
	AWSBucketName      string // BUCKET_NAME
	AWSPublicURL       string // S3_PUBLIC_URL
	AWSUsePathStyle    bool   // S3_USE_PATH_STYLE (minio, gofakes3)
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Flags holds command-line values. Zero values leave the environment in charge.
type Flags struct {
	NoArtifacts bool
	Headful     bool
	List        bool
	Driver      string
	BaseURL     string
	File        string
	Scenarios   string
	Repeat      int
	Parallelism int
	Metrics     string
}

// ParseFlags parses args (without the program name). Usage and parse errors go
// to output. Call before LoadConfig.
func ParseFlags(args []string, output io.Writer) (Flags, error) {
	var f Flags
	fs := flag.NewFlagSet("scenario-runner", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.BoolVar(&f.NoArtifacts, "no-artifacts", false, "Do not upload failure screenshots to S3")
	fs.BoolVar(&f.Headful, "headful", false, "Show the browser window (overrides HEADLESS)")
	fs.BoolVar(&f.List, "list", false, "Print the selected scenarios and exit")
	fs.StringVar(&f.Driver, "driver", "", "Automation driver: playwright, rod or chromedp (overrides DRIVER)")
	fs.StringVar(&f.BaseURL, "base-url", "", "Application base address (overrides BASE_URL)")
	fs.StringVar(&f.File, "file", "", "YAML scenario file (overrides SCENARIO_FILE)")
	fs.StringVar(&f.Scenarios, "scenarios", "", "Comma-separated built-in scenario names (overrides SCENARIOS)")
	fs.IntVar(&f.Repeat, "repeat", 0, "Run every scenario this many times (overrides REPEAT)")
	fs.IntVar(&f.Parallelism, "parallel", 0, "Concurrent scenario runs (overrides PARALLELISM)")
	fs.StringVar(&f.Metrics, "metrics-textfile", "", "Write Prometheus metrics to this file (overrides METRICS_TEXTFILE)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	if fs.NArg() > 0 {
		return Flags{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return f, nil
}

// LoadConfig loads configuration from environment variables, applies flag
// overrides, and validates the result.
func LoadConfig(f Flags) (*Config, error) {
	cfg := &Config{}

	cfg.BaseURL = strings.TrimRight(getEnvOrDefault("BASE_URL", defaultBaseURL), "/")

	cfg.Driver = strings.ToLower(getEnvOrDefault("DRIVER", DriverPlaywright))
	cfg.Headless = parseBoolOrDefault("HEADLESS", true)
	if args := getEnvOrDefault("BROWSER_ARGS", ""); args != "" {
		cfg.BrowserArgs = strings.Fields(args)
	}
	cfg.CDPRemoteURL = getEnvOrDefault("CDP_REMOTE_URL", "")

	cfg.Timeouts = scenario.Timeouts{
		Navigation: parseDurationOrDefault("NAV_TIMEOUT", scenario.DefaultNavigationTimeout),
		LoadState:  parseDurationOrDefault("LOAD_STATE_TIMEOUT", scenario.DefaultLoadStateTimeout),
		Click:      parseDurationOrDefault("CLICK_TIMEOUT", scenario.DefaultClickTimeout),
		Scroll:     scenario.DefaultScrollTimeout,
		Assertion:  parseDurationOrDefault("ASSERT_TIMEOUT", scenario.DefaultAssertionTimeout),
		FrameLoad:  parseDurationOrDefault("FRAME_LOAD_TIMEOUT", scenario.DefaultFrameLoadTimeout),
	}
	cfg.ContextTimeout = parseDurationOrDefault("DEFAULT_TIMEOUT", scenario.DefaultContextTimeout)

	cfg.Parallelism = parseIntOrDefault("PARALLELISM", 1)
	cfg.Repeat = parseIntOrDefault("REPEAT", 1)
	cfg.LaunchRPS = parseFloat64OrDefault("LAUNCH_RPS", 2)
	cfg.ScenarioFile = getEnvOrDefault("SCENARIO_FILE", "")
	cfg.Scenarios = splitList(getEnvOrDefault("SCENARIOS", ""))
	cfg.MetricsTextfile = getEnvOrDefault("METRICS_TEXTFILE", "")

	cfg.AWSEndpointS3 = getEnvOrDefault("AWS_ENDPOINT_URL_S3", "")
	cfg.AWSRegion = getEnvOrDefault("AWS_REGION", defaultS3Region)
	cfg.AWSAccessKeyID = getEnvOrDefault("AWS_ACCESS_KEY_ID", "")
	cfg.AWSSecretAccessKey = getEnvOrDefault("AWS_SECRET_ACCESS_KEY", "")
	cfg.AWSBucketName = getEnvOrDefault("BUCKET_NAME", "")
	cfg.AWSPublicURL = getEnvOrDefault("S3_PUBLIC_URL", "")
	if cfg.AWSPublicURL == "" && cfg.AWSEndpointS3 != "" && cfg.AWSBucketName != "" {
		cfg.AWSPublicURL = strings.TrimRight(cfg.AWSEndpointS3, "/") + "/" + cfg.AWSBucketName
	}
	cfg.AWSUsePathStyle = parseBoolOrDefault("S3_USE_PATH_STYLE", false)

	cfg.apply(f)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) apply(f Flags) {
	c.NoArtifacts = f.NoArtifacts
	c.ListOnly = f.List
	if f.Headful {
		c.Headless = false
	}
	if f.Driver != "" {
		c.Driver = strings.ToLower(strings.TrimSpace(f.Driver))
	}
	if f.BaseURL != "" {
		c.BaseURL = strings.TrimRight(strings.TrimSpace(f.BaseURL), "/")
	}
	if f.File != "" {
		c.ScenarioFile = f.File
	}
	if f.Scenarios != "" {
		c.Scenarios = splitList(f.Scenarios)
	}
	if f.Repeat != 0 {
		c.Repeat = f.Repeat
	}
	if f.Parallelism != 0 {
		c.Parallelism = f.Parallelism
	}
	if f.Metrics != "" {
		c.MetricsTextfile = f.Metrics
	}
}

// Validate checks that the configuration is usable. It reports every problem
// at once. S3 settings are required only while artifacts are enabled.
func (c *Config) Validate() error {
	var errs []string

	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("BASE_URL %q must be an absolute URL", c.BaseURL))
	}

	switch c.Driver {
	case DriverPlaywright, DriverRod, DriverChromedp:
	default:
		errs = append(errs, fmt.Sprintf("DRIVER %q must be one of %s, %s, %s", c.Driver, DriverPlaywright, DriverRod, DriverChromedp))
	}
	if c.CDPRemoteURL != "" {
		if c.Driver == DriverPlaywright {
			errs = append(errs, "CDP_REMOTE_URL requires DRIVER=rod or DRIVER=chromedp")
		}
		if u, err := url.Parse(c.CDPRemoteURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, "CDP_REMOTE_URL must be a ws://, wss:// or http:// address")
		}
	}

	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"NAV_TIMEOUT", c.Timeouts.Navigation},
		{"LOAD_STATE_TIMEOUT", c.Timeouts.LoadState},
		{"CLICK_TIMEOUT", c.Timeouts.Click},
		{"ASSERT_TIMEOUT", c.Timeouts.Assertion},
		{"FRAME_LOAD_TIMEOUT", c.Timeouts.FrameLoad},
		{"DEFAULT_TIMEOUT", c.ContextTimeout},
	} {
		if d.val <= 0 || d.val > scenario.MaxWait {
			errs = append(errs, fmt.Sprintf("%s must be in (0, %s], got %s", d.name, scenario.MaxWait, d.val))
		}
	}

	if c.Parallelism <= 0 {
		errs = append(errs, "PARALLELISM must be positive")
	}
	if c.Repeat <= 0 {
		errs = append(errs, "REPEAT must be positive")
	}
	if c.LaunchRPS < 0 {
		errs = append(errs, "LAUNCH_RPS must not be negative")
	}
	if c.ScenarioFile != "" && len(c.Scenarios) > 0 {
		errs = append(errs, "SCENARIOS selects built-in scenarios and cannot be combined with SCENARIO_FILE")
	}

	// Listing never launches a browser, so it needs no artifact store.
	if !c.NoArtifacts && !c.ListOnly {
		if c.AWSEndpointS3 == "" {
			errs = append(errs, "AWS_ENDPOINT_URL_S3 is required (set env var or use --no-artifacts)")
		}
		if c.AWSBucketName == "" {
			errs = append(errs, "BUCKET_NAME is required (set env var or use --no-artifacts)")
		}
		if c.AWSAccessKeyID == "" {
			errs = append(errs, "AWS_ACCESS_KEY_ID is required (set env var or use --no-artifacts)")
		}
		if c.AWSSecretAccessKey == "" {
			errs = append(errs, "AWS_SECRET_ACCESS_KEY is required (set env var or use --no-artifacts)")
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// PrintStartupSummary prints a human-readable summary of the configuration to w.
func (c *Config) PrintStartupSummary(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "scenario-runner starting...")
	fmt.Fprintf(w, "  Target:    %s\n", c.BaseURL)

	mode := "headless"
	if !c.Headless {
		mode = "headful"
	}
	if c.CDPRemoteURL != "" {
		fmt.Fprintf(w, "  Driver:    %s (remote: %s)\n", c.Driver, c.CDPRemoteURL)
	} else {
		fmt.Fprintf(w, "  Driver:    %s (%s)\n", c.Driver, mode)
	}

	switch {
	case c.ScenarioFile != "":
		fmt.Fprintf(w, "  Scenarios: from %s\n", c.ScenarioFile)
	case len(c.Scenarios) > 0:
		fmt.Fprintf(w, "  Scenarios: %s\n", strings.Join(c.Scenarios, ", "))
	default:
		fmt.Fprintln(w, "  Scenarios: all built-in")
	}
	fmt.Fprintf(w, "  Batch:     parallel=%d repeat=%d launch_rps=%g\n", c.Parallelism, c.Repeat, c.LaunchRPS)

	if c.NoArtifacts {
		fmt.Fprintln(w, "  Artifacts: disabled (--no-artifacts)")
	} else {
		fmt.Fprintf(w, "  Artifacts: s3://%s (endpoint: %s)\n", c.AWSBucketName, c.AWSEndpointS3)
	}
	if c.MetricsTextfile != "" {
		fmt.Fprintf(w, "  Metrics:   %s\n", c.MetricsTextfile)
	}
	fmt.Fprintln(w, "")
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := getEnvOrDefault(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := getEnvOrDefault(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := getEnvOrDefault(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	value := getEnvOrDefault(key, "")
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsValidationError reports whether err carries configuration problems.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
