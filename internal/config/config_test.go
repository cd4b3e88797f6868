package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/kuitang/ui-scenarios/internal/scenario"
)

var envKeys = []string{
	"BASE_URL", "DRIVER", "HEADLESS", "BROWSER_ARGS", "CDP_REMOTE_URL",
	"NAV_TIMEOUT", "LOAD_STATE_TIMEOUT", "CLICK_TIMEOUT", "ASSERT_TIMEOUT", "DEFAULT_TIMEOUT", "FRAME_LOAD_TIMEOUT",
	"PARALLELISM", "REPEAT", "LAUNCH_RPS", "SCENARIO_FILE", "SCENARIOS", "METRICS_TEXTFILE",
	"AWS_ENDPOINT_URL_S3", "AWS_REGION", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "BUCKET_NAME", "S3_PUBLIC_URL", "S3_USE_PATH_STYLE",
}

// clearEnv blanks every variable LoadConfig reads; empty counts as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func validTestConfig() Config {
	return Config{
		BaseURL:        "http://localhost:3000",
		Driver:         DriverPlaywright,
		Headless:       true,
		Timeouts:       scenario.DefaultTimeouts(),
		ContextTimeout: scenario.DefaultContextTimeout,
		Parallelism:    1,
		Repeat:         1,
		NoArtifacts:    true,
	}
}

func TestValidate_TestModeMinimalConfigPasses(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_RequiresS3SettingsWhenArtifactsEnabled(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	cfg.NoArtifacts = false

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error when artifacts are enabled without S3 settings")
	}
	if !IsValidationError(err) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	msg := err.Error()
	for _, expected := range []string{"AWS_ENDPOINT_URL_S3", "BUCKET_NAME", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "--no-artifacts"} {
		if !strings.Contains(msg, expected) {
			t.Fatalf("expected validation error to mention %q, got: %v", expected, err)
		}
	}
}

func TestValidate_ListOnlySkipsS3Settings(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	cfg.NoArtifacts = false
	cfg.ListOnly = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected --list to pass without S3 settings, got: %v", err)
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	cfg.BaseURL = "localhost"
	cfg.Driver = "selenium"
	cfg.Parallelism = 0
	cfg.Repeat = -1
	cfg.ScenarioFile = "s.yaml"
	cfg.Scenarios = []string{"UnauthorizedAccess"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	v := err.(*ValidationError)
	if len(v.Errors) != 5 {
		t.Fatalf("expected 5 problems, got %d: %v", len(v.Errors), v.Errors)
	}
}

func TestValidate_RemoteURLNeedsCDPDriver(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	cfg.CDPRemoteURL = "ws://127.0.0.1:9222/devtools/browser/abc"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "DRIVER=rod") {
		t.Fatalf("expected remote URL to require a CDP driver, got: %v", err)
	}
	cfg.Driver = DriverChromedp
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected chromedp with remote URL to pass, got: %v", err)
	}
	cfg.CDPRemoteURL = "ftp://nope"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected scheme check to fail")
	}
}

func testValidate_RejectsOutOfRangeTimeouts(t *rapid.T) {
	cfg := validTestConfig()
	bad := rapid.OneOf(
		rapid.Int64Range(-int64(time.Minute), 0),
		rapid.Int64Range(int64(scenario.MaxWait)+1, int64(time.Hour)),
	).Draw(t, "timeout")
	field := rapid.IntRange(0, 4).Draw(t, "field")
	names := []string{"NAV_TIMEOUT", "LOAD_STATE_TIMEOUT", "CLICK_TIMEOUT", "ASSERT_TIMEOUT", "FRAME_LOAD_TIMEOUT"}
	targets := []*time.Duration{&cfg.Timeouts.Navigation, &cfg.Timeouts.LoadState, &cfg.Timeouts.Click, &cfg.Timeouts.Assertion, &cfg.Timeouts.FrameLoad}
	*targets[field] = time.Duration(bad)

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected %s=%s to be rejected", names[field], time.Duration(bad))
	}
	if !strings.Contains(err.Error(), names[field]) {
		t.Fatalf("expected error mentioning %q, got: %v", names[field], err)
	}
}

func TestValidate_RejectsOutOfRangeTimeouts(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testValidate_RejectsOutOfRangeTimeouts)
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig(Flags{NoArtifacts: true})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BaseURL != "http://localhost:3000" || cfg.Driver != DriverPlaywright || !cfg.Headless {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Timeouts != scenario.DefaultTimeouts() {
		t.Fatalf("timeouts = %+v, want built-in bounds", cfg.Timeouts)
	}
	if cfg.BrowserArgs != nil {
		t.Fatalf("expected driver default args, got %v", cfg.BrowserArgs)
	}
	if cfg.AWSRegion != "auto" {
		t.Fatalf("AWSRegion = %q, want auto", cfg.AWSRegion)
	}
}

func TestLoadConfig_EnvAndFlagOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("BASE_URL", "http://app.internal:8080/")
	t.Setenv("DRIVER", "ROD")
	t.Setenv("BROWSER_ARGS", "--no-sandbox  --disable-gpu")
	t.Setenv("CLICK_TIMEOUT", "7s")
	t.Setenv("SCENARIOS", "UnauthorizedAccess, CrossDeviceRendering/desktop,")
	t.Setenv("REPEAT", "3")
	t.Setenv("AWS_ENDPOINT_URL_S3", "http://s3.local")
	t.Setenv("AWS_ACCESS_KEY_ID", "id")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("BUCKET_NAME", "artifacts")

	cfg, err := LoadConfig(Flags{Headful: true, Driver: "chromedp", Repeat: 5})
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BaseURL != "http://app.internal:8080" {
		t.Fatalf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.Driver != DriverChromedp || cfg.Headless {
		t.Fatalf("flags did not override env: driver=%s headless=%v", cfg.Driver, cfg.Headless)
	}
	if strings.Join(cfg.BrowserArgs, " ") != "--no-sandbox --disable-gpu" {
		t.Fatalf("BrowserArgs = %v", cfg.BrowserArgs)
	}
	if cfg.Timeouts.Click != 7*time.Second {
		t.Fatalf("Click timeout = %s", cfg.Timeouts.Click)
	}
	if strings.Join(cfg.Scenarios, "|") != "UnauthorizedAccess|CrossDeviceRendering/desktop" {
		t.Fatalf("Scenarios = %v", cfg.Scenarios)
	}
	if cfg.Repeat != 5 {
		t.Fatalf("Repeat = %d, want flag value 5", cfg.Repeat)
	}
	if cfg.AWSPublicURL != "http://s3.local/artifacts" {
		t.Fatalf("AWSPublicURL = %q, want endpoint/bucket", cfg.AWSPublicURL)
	}
}

func TestLoadConfig_InvalidEnvFails(t *testing.T) {
	clearEnv(t)
	t.Setenv("DRIVER", "selenium")
	if _, err := LoadConfig(Flags{NoArtifacts: true}); err == nil || !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()
	f, err := ParseFlags([]string{"--no-artifacts", "--driver", "rod", "--repeat=2", "--scenarios", "UnauthorizedAccess"}, io.Discard)
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if !f.NoArtifacts || f.Driver != "rod" || f.Repeat != 2 || f.Scenarios != "UnauthorizedAccess" {
		t.Fatalf("unexpected flags: %+v", f)
	}

	if _, err := ParseFlags([]string{"--bogus"}, io.Discard); err == nil {
		t.Fatal("expected unknown flag to fail")
	}
	if _, err := ParseFlags([]string{"extra"}, io.Discard); err == nil {
		t.Fatal("expected positional arguments to fail")
	}
}

func TestPrintStartupSummary(t *testing.T) {
	t.Parallel()
	cfg := validTestConfig()
	cfg.MetricsTextfile = "/tmp/ui.prom"
	var buf bytes.Buffer
	cfg.PrintStartupSummary(&buf)
	out := buf.String()
	for _, want := range []string{"http://localhost:3000", "playwright (headless)", "all built-in", "disabled (--no-artifacts)", "/tmp/ui.prom"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestHelperParsers_DefaultOnBadInput(t *testing.T) {
	t.Setenv("CFG_TEST_INT", "not-an-int")
	t.Setenv("CFG_TEST_FLOAT", "not-a-float")
	t.Setenv("CFG_TEST_DUR", "not-a-duration")
	t.Setenv("CFG_TEST_BOOL", "maybe")
	if got := parseIntOrDefault("CFG_TEST_INT", 7); got != 7 {
		t.Fatalf("parseIntOrDefault fallback mismatch: got=%d want=7", got)
	}
	if got := parseFloat64OrDefault("CFG_TEST_FLOAT", 3.5); got != 3.5 {
		t.Fatalf("parseFloat64OrDefault fallback mismatch: got=%v want=3.5", got)
	}
	if got := parseDurationOrDefault("CFG_TEST_DUR", 2*time.Minute); got != 2*time.Minute {
		t.Fatalf("parseDurationOrDefault fallback mismatch: got=%v want=%v", got, 2*time.Minute)
	}
	if got := parseBoolOrDefault("CFG_TEST_BOOL", true); !got {
		t.Fatal("parseBoolOrDefault fallback mismatch: got=false want=true")
	}
}

func TestGetEnvOrDefault_TrimsWhitespace(t *testing.T) {
	key := "CFG_TEST_STR_" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.Setenv(key, "   value   "); err != nil {
		t.Fatalf("Setenv failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	if got := getEnvOrDefault(key, "fallback"); got != "value" {
		t.Fatalf("getEnvOrDefault trim mismatch: got=%q want=%q", got, "value")
	}
}
