// Package selector parses Playwright-style element selectors and renders them for
// each automation driver.
package selector

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind is the selector engine.
type Kind string

const (
	CSS   Kind = "css"
	XPath Kind = "xpath"
	Text  Kind = "text"
)

// Selector locates the Nth element matched by Value.
type Selector struct {
	Kind  Kind
	Value string
	Nth   int
	// Exact is set for quoted text selectors (text="...").
	Exact bool
}

const nthSuffix = ">> nth="

// Parse accepts "css=…", "xpath=…", "text=…", bare CSS, bare XPath ("//…", "..")
// and an optional trailing ">> nth=N".
func Parse(raw string) (Selector, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Selector{}, fmt.Errorf("selector: empty selector")
	}

	var sel Selector
	if i := strings.LastIndex(s, nthSuffix); i >= 0 {
		n, err := strconv.Atoi(strings.TrimSpace(s[i+len(nthSuffix):]))
		if err != nil || n < 0 {
			return Selector{}, fmt.Errorf("selector: invalid nth in %q", raw)
		}
		sel.Nth = n
		s = strings.TrimSpace(s[:i])
	}

	switch {
	case strings.HasPrefix(s, "xpath="):
		sel.Kind, sel.Value = XPath, s[len("xpath="):]
	case strings.HasPrefix(s, "text="):
		sel.Kind, sel.Value = Text, s[len("text="):]
	case strings.HasPrefix(s, "css="):
		sel.Kind, sel.Value = CSS, s[len("css="):]
	case strings.HasPrefix(s, "//"), strings.HasPrefix(s, ".."):
		sel.Kind, sel.Value = XPath, s
	default:
		sel.Kind, sel.Value = CSS, s
	}

	if sel.Kind == Text && len(sel.Value) >= 2 && sel.Value[0] == '"' && sel.Value[len(sel.Value)-1] == '"' {
		unquoted, err := strconv.Unquote(sel.Value)
		if err != nil {
			return Selector{}, fmt.Errorf("selector: bad quoted text in %q: %w", raw, err)
		}
		sel.Value = unquoted
		sel.Exact = true
	}
	if strings.TrimSpace(sel.Value) == "" {
		return Selector{}, fmt.Errorf("selector: empty %s selector", sel.Kind)
	}
	return sel, nil
}

// MustParse is Parse for selectors known at compile time.
func MustParse(raw string) Selector {
	sel, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return sel
}

// Playwright renders the selector without the nth suffix; callers apply Nth
// through Locator.Nth.
func (s Selector) Playwright() string {
	if s.Kind == Text && s.Exact {
		return "text=" + strconv.Quote(s.Value)
	}
	kind := s.Kind
	if kind == "" {
		kind = CSS
	}
	return string(kind) + "=" + s.Value
}

// String renders the selector in its parseable form.
func (s Selector) String() string {
	out := s.Playwright()
	if s.Nth > 0 {
		out += " " + nthSuffix + strconv.Itoa(s.Nth)
	}
	return out
}

// JSExpression renders a JavaScript expression that evaluates to the selected
// element or null. Text matching follows Playwright: whitespace-normalized,
// case-insensitive substring unless Exact, innermost matching element wins.
func (s Selector) JSExpression() string {
	value := jsString(s.Value)
	switch s.Kind {
	case XPath:
		return fmt.Sprintf(
			"document.evaluate(%s, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null).snapshotItem(%d)",
			value, s.Nth)
	case Text:
		return fmt.Sprintf(textJS, value, s.Exact, s.Nth)
	default:
		return fmt.Sprintf("document.querySelectorAll(%s)[%d] || null", value, s.Nth)
	}
}

const textJS = `(() => {
  const needle = %s.replace(/\s+/g, " ").trim();
  const exact = %t;
  const norm = (el) => (el.innerText || el.textContent || "").replace(/\s+/g, " ").trim();
  const hit = (el) => exact ? norm(el) === needle : norm(el).toLowerCase().includes(needle.toLowerCase());
  const root = document.body || document.documentElement;
  if (!root) return null;
  const out = [];
  const walker = document.createTreeWalker(root, NodeFilter.SHOW_ELEMENT);
  for (let el = root; el; el = walker.nextNode()) {
    if (["SCRIPT", "STYLE", "TEMPLATE"].includes(el.tagName) || !hit(el)) continue;
    if (Array.from(el.children).some(hit)) continue;
    out.push(el);
  }
  return out[%d] || null;
})()`

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}
