// Package scenariofile loads scenarios from YAML documents.
//
//	base_url: http://localhost:3000
//	devices:
//	  - name: tablet
//	    viewport: {width: 820, height: 1180}
//	    is_mobile: true
//	scenarios:
//	  - name: SignInRenders
//	    device: tablet
//	    steps:
//	      - navigate: /signin
//	      - wait_for: domcontentloaded
//	        optional: true
//	      - click: xpath=html/body/div[2]/div/button
//	        timeout: 5s
//	      - scroll: viewport
//	    assertions:
//	      - visible: text=UI Components Rendered Successfully
//	        within: 1s
//	        message: components did not render
//
// Unknown fields are rejected. Devices are looked up in the file first, then in
// the built-in catalog.
package scenariofile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kuitang/ui-scenarios/internal/automation"
	"github.com/kuitang/ui-scenarios/internal/catalog"
	"github.com/kuitang/ui-scenarios/internal/errs"
	"github.com/kuitang/ui-scenarios/internal/scenario"
	"github.com/kuitang/ui-scenarios/internal/selector"
)

// Duration is a time.Duration written as a Go duration string ("1.5s", "300ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, raw)
	}
	*d = Duration(v)
	return nil
}

// File is the document root.
type File struct {
	BaseURL   string              `yaml:"base_url"`
	Devices   []automation.Device `yaml:"devices"`
	Scenarios []ScenarioDoc       `yaml:"scenarios"`
}

// ScenarioDoc is one scenario as written.
type ScenarioDoc struct {
	Name             string         `yaml:"name"`
	Description      string         `yaml:"description"`
	BaseURL          string         `yaml:"base_url"`
	Device           string         `yaml:"device"`
	FrameLoadTimeout Duration       `yaml:"frame_load_timeout"`
	Steps            []yaml.Node    `yaml:"steps"`
	Assertions       []AssertionDoc `yaml:"assertions"`
}

// StepDoc is one step as written. Exactly one action key is set.
type StepDoc struct {
	Navigate string   `yaml:"navigate"`
	Click    string   `yaml:"click"`
	WaitFor  string   `yaml:"wait_for"`
	Scroll   string   `yaml:"scroll"`
	ScrollBy *Offset  `yaml:"scroll_by"`
	Sleep    Duration `yaml:"sleep"`

	Name      string   `yaml:"name"`
	Timeout   Duration `yaml:"timeout"`
	Optional  bool     `yaml:"optional"`
	WaitUntil string   `yaml:"wait_until"`
	OpensPage bool     `yaml:"opens_page"`
}

// Offset is a scroll delta in CSS pixels.
type Offset struct {
	DX float64 `yaml:"dx"`
	DY float64 `yaml:"dy"`
}

// AssertionDoc is one assertion as written.
type AssertionDoc struct {
	Name    string   `yaml:"name"`
	Visible string   `yaml:"visible"`
	Within  Duration `yaml:"within"`
	Message string   `yaml:"message"`
}

// Load reads and converts a scenario file. defaultBaseURL applies to scenarios
// that name no base address of their own or in the file.
func Load(path, defaultBaseURL string) ([]scenario.Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "open scenario file", err)
	}
	defer f.Close()
	out, err := Parse(f, defaultBaseURL)
	if err != nil {
		return nil, errs.Wrap(errs.CodeOf(err), path, err)
	}
	return out, nil
}

// Parse decodes a scenario document and validates every scenario in it.
func Parse(r io.Reader, defaultBaseURL string) ([]scenario.Scenario, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "read scenario file", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc File
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errs.New(errs.InvalidArgument, "scenario file is empty")
		}
		return nil, errs.Wrap(errs.InvalidArgument, "decode scenario file", err)
	}
	if len(doc.Scenarios) == 0 {
		return nil, errs.New(errs.InvalidArgument, "scenario file defines no scenarios")
	}

	devices := make(map[string]automation.Device, len(doc.Devices))
	for _, d := range doc.Devices {
		if d.Name == "" {
			return nil, errs.New(errs.InvalidArgument, "device without a name")
		}
		devices[d.Name] = d
	}

	seen := make(map[string]bool, len(doc.Scenarios))
	out := make([]scenario.Scenario, 0, len(doc.Scenarios))
	var problems []string
	for i, sd := range doc.Scenarios {
		sc, err := sd.convert(devices)
		if err != nil {
			problems = append(problems, fmt.Sprintf("scenario %d (%s): %v", i+1, sd.Name, err))
			continue
		}
		sc.BaseURL = firstNonEmpty(sc.BaseURL, doc.BaseURL, defaultBaseURL)
		if err := sc.WithDefaults().Validate(); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if seen[sc.Name] {
			problems = append(problems, fmt.Sprintf("scenario %d: duplicate name %q", i+1, sc.Name))
			continue
		}
		seen[sc.Name] = true
		out = append(out, sc)
	}
	if len(problems) > 0 {
		return nil, errs.New(errs.InvalidArgument, strings.Join(problems, "; "))
	}
	return out, nil
}

func (sd ScenarioDoc) convert(devices map[string]automation.Device) (scenario.Scenario, error) {
	sc := scenario.Scenario{
		Name:             sd.Name,
		Description:      sd.Description,
		BaseURL:          sd.BaseURL,
		FrameLoadTimeout: time.Duration(sd.FrameLoadTimeout),
	}
	if sd.Device != "" {
		d, ok := devices[sd.Device]
		if !ok {
			d, ok = catalog.DeviceByName(sd.Device)
		}
		if !ok {
			return sc, fmt.Errorf("unknown device %q", sd.Device)
		}
		sc.Device = d
	}

	for i := range sd.Steps {
		node := &sd.Steps[i]
		var doc StepDoc
		if err := decodeStrict(node, &doc); err != nil {
			return sc, fmt.Errorf("step %d (line %d): %w", i+1, node.Line, err)
		}
		st, err := doc.convert()
		if err != nil {
			return sc, fmt.Errorf("step %d (line %d): %w", i+1, node.Line, err)
		}
		sc.Steps = append(sc.Steps, st)
	}

	for i, ad := range sd.Assertions {
		sel, err := selector.Parse(ad.Visible)
		if err != nil {
			return sc, fmt.Errorf("assertion %d: %w", i+1, err)
		}
		sc.Assertions = append(sc.Assertions, scenario.Assertion{
			Name:     ad.Name,
			Selector: sel,
			Timeout:  time.Duration(ad.Within),
			Message:  ad.Message,
		})
	}
	return sc, nil
}

// decodeStrict decodes a sub-node with unknown fields rejected; node.Decode does
// not inherit KnownFields from the outer decoder.
func decodeStrict(node *yaml.Node, v any) error {
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(v)
}

func (d StepDoc) convert() (scenario.Step, error) {
	var (
		st      scenario.Step
		actions []string
	)
	if d.Navigate != "" {
		actions = append(actions, "navigate")
		st = scenario.Navigate(d.Navigate)
		if d.WaitUntil != "" {
			st.WaitUntil = automation.LoadState(d.WaitUntil)
			if !st.WaitUntil.Valid() {
				return st, fmt.Errorf("unknown wait_until %q", d.WaitUntil)
			}
		}
	}
	if d.Click != "" {
		actions = append(actions, "click")
		sel, err := selector.Parse(d.Click)
		if err != nil {
			return st, err
		}
		st = scenario.Step{Kind: scenario.KindClick, Selector: sel, OpensPage: d.OpensPage}
	}
	if d.WaitFor != "" {
		actions = append(actions, "wait_for")
		st = scenario.WaitForState(automation.LoadState(d.WaitFor))
	}
	if d.Scroll != "" {
		actions = append(actions, "scroll")
		if d.Scroll != "viewport" {
			return st, fmt.Errorf("scroll must be %q (use scroll_by for fixed offsets)", "viewport")
		}
		st = scenario.ScrollViewport()
	}
	if d.ScrollBy != nil {
		actions = append(actions, "scroll_by")
		st = scenario.ScrollBy(d.ScrollBy.DX, d.ScrollBy.DY)
	}
	if d.Sleep != 0 {
		actions = append(actions, "sleep")
		st = scenario.Sleep(time.Duration(d.Sleep))
	}

	switch len(actions) {
	case 0:
		return st, errors.New("no action (navigate, click, wait_for, scroll, scroll_by or sleep)")
	case 1:
	default:
		return st, fmt.Errorf("more than one action: %s", strings.Join(actions, ", "))
	}
	if d.OpensPage && st.Kind != scenario.KindClick {
		return st, errors.New("opens_page applies to click steps only")
	}
	if d.WaitUntil != "" && st.Kind != scenario.KindNavigate {
		return st, errors.New("wait_until applies to navigate steps only")
	}
	if d.Timeout != 0 && st.Kind == scenario.KindSleep {
		return st, errors.New("timeout does not apply to sleep steps (the sleep duration is its bound)")
	}

	st.Name = d.Name
	st.Timeout = time.Duration(d.Timeout)
	st.Ignorable = d.Optional
	return st, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
