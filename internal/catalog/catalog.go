// Package catalog holds the built-in scenarios: unauthorized access handling and
// component rendering across device profiles.
package catalog

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/kuitang/ui-scenarios/internal/automation"
	"github.com/kuitang/ui-scenarios/internal/errs"
	"github.com/kuitang/ui-scenarios/internal/scenario"
)

const (
	// SignInButton is the "Sign in with Google" button on every page.
	SignInButton = "xpath=html/body/div[2]/div/button"

	// SQLMetacharacters is submitted to the sign-in page as inert query data.
	SQLMetacharacters = `' OR '1'='1`

	UnauthorizedAccessName   = "UnauthorizedAccess"
	crossDeviceRenderingName = "CrossDeviceRendering"
)

// Device profiles for cross-device runs.
var (
	Desktop = automation.Device{
		Name:              "desktop",
		Viewport:          automation.Viewport{Width: 1280, Height: 720},
		DeviceScaleFactor: 1,
	}
	IPhone = automation.Device{
		Name:              "iphone-13",
		Viewport:          automation.Viewport{Width: 390, Height: 844},
		UserAgent:         "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
		DeviceScaleFactor: 3,
		IsMobile:          true,
		HasTouch:          true,
	}
	Pixel = automation.Device{
		Name:              "pixel-7",
		Viewport:          automation.Viewport{Width: 412, Height: 915},
		UserAgent:         "Mozilla/5.0 (Linux; Android 14; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Mobile Safari/537.36",
		DeviceScaleFactor: 2.625,
		IsMobile:          true,
		HasTouch:          true,
	}
)

// Devices returns the device profiles in run order.
func Devices() []automation.Device {
	return []automation.Device{Desktop, IPhone, Pixel}
}

// DeviceByName returns the named profile.
func DeviceByName(name string) (automation.Device, bool) {
	for _, d := range Devices() {
		if d.Name == name {
			return d, true
		}
	}
	return automation.Device{}, false
}

// settle is the ignorable wait that replaces the fixed pauses of hand-written scripts.
func settle() scenario.Step {
	return scenario.WaitForState(automation.LoadStateDOMContentLoaded).Optional()
}

// open is the first navigation of a scenario: commit only, then settle.
func open(path string) []scenario.Step {
	return []scenario.Step{
		scenario.Navigate(path).Named("open " + path),
		settle().Named("settle " + path),
	}
}

func visit(path string) scenario.Step {
	return scenario.Navigate(path).Until(automation.LoadStateLoad)
}

func signIn(name string) []scenario.Step {
	return []scenario.Step{
		settle(),
		scenario.Click(SignInButton).Named(name),
	}
}

// UnauthorizedAccess visits protected routes without credentials and with
// malformed, revoked and guessed API keys. It passes when the application ends on
// its authentication-required page.
func UnauthorizedAccess(baseURL string) scenario.Scenario {
	steps := open("/")
	steps = append(steps,
		visit("/projects").Named("projects without session"),
		visit("/signin?input="+url.QueryEscape(SQLMetacharacters)).Named("sql metacharacters as input"),
		visit("/api/projects?api_key=REVOKED_API_KEY").Named("revoked api key"),
		visit("/signin").Named("sign-in page"),
	)
	steps = append(steps, signIn("click sign in with google")...)
	for _, key := range []string{"123456", "abcdef", "000000"} {
		steps = append(steps, visit("/api/projects?api_key="+key).Named("guessed api key "+key))
	}

	return scenario.Scenario{
		Name:        UnauthorizedAccessName,
		Description: "Protected routes reject missing, malformed, revoked and guessed credentials.",
		BaseURL:     baseURL,
		Device:      Desktop,
		Steps:       steps,
		Assertions: []scenario.Assertion{
			scenario.ExpectVisible("text=Authentication required").
				OrFail("Authentication required message was not shown for unauthorized access"),
			scenario.ExpectVisible("text=Please sign in to continue.").
				OrFail("Sign-in prompt was not shown for unauthorized access"),
		},
	}
}

// CrossDeviceRendering walks the landing and sign-in pages on one device profile
// and checks the component render marker.
func CrossDeviceRendering(baseURL string, device automation.Device) scenario.Scenario {
	steps := open("/")
	steps = append(steps, signIn("click sign in with google")...)
	steps = append(steps,
		visit("/").Named("revisit home"),
		settle(),
		visit("/signin").Named("sign-in page"),
		settle(),
		visit("/signin").Named("sign-in page again"),
		settle(),
		scenario.ScrollViewport().Named("scroll one viewport"),
	)
	steps = append(steps, signIn("click sign in with google again")...)

	return scenario.Scenario{
		Name:        crossDeviceRenderingName + "/" + device.Name,
		Description: "UI components render on the " + device.Name + " profile.",
		BaseURL:     baseURL,
		Device:      device,
		Steps:       steps,
		Assertions: []scenario.Assertion{
			scenario.ExpectVisible("text=UI Components Rendered Successfully").
				Within(time.Second).
				OrFail("UI components did not render correctly on " + device.Name),
		},
	}
}

// All returns every built-in scenario: unauthorized access, then one rendering
// run per device profile.
func All(baseURL string) []scenario.Scenario {
	out := []scenario.Scenario{UnauthorizedAccess(baseURL)}
	for _, d := range Devices() {
		out = append(out, CrossDeviceRendering(baseURL, d))
	}
	return out
}

// Names lists the built-in scenario names.
func Names() []string {
	var names []string
	for _, sc := range All("") {
		names = append(names, sc.Name)
	}
	return names
}

// Select returns the built-in scenarios with the given names, in catalog order.
// "CrossDeviceRendering" alone selects every device run.
func Select(baseURL string, names []string) ([]scenario.Scenario, error) {
	if len(names) == 0 {
		return All(baseURL), nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.TrimSpace(n)] = true
	}
	var out []scenario.Scenario
	for _, sc := range All(baseURL) {
		family, _, _ := strings.Cut(sc.Name, "/")
		if want[sc.Name] || want[family] {
			out = append(out, sc)
			delete(want, sc.Name)
		}
	}
	for _, sc := range out {
		family, _, _ := strings.Cut(sc.Name, "/")
		delete(want, family)
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for n := range want {
			unknown = append(unknown, n)
		}
		sort.Strings(unknown)
		return nil, errs.New(errs.InvalidArgument, "unknown scenarios: "+strings.Join(unknown, ", ")+" (known: "+strings.Join(Names(), ", ")+")")
	}
	return out, nil
}
