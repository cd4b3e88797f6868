package automationtest

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/ui-scenarios/internal/automation"
	"github.com/kuitang/ui-scenarios/internal/selector"
	"github.com/kuitang/ui-scenarios/internal/testapp"
)

const conformanceTimeout = 10 * time.Second

// headerLog records the traceparent of every request the fixture receives.
type headerLog struct {
	mu     sync.Mutex
	values []string
}

func (h *headerLog) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.values = append(h.values, r.Header.Get("traceparent"))
		h.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (h *headerLog) contains(v string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, got := range h.values {
		if got == v {
			return true
		}
	}
	return false
}

// Conformance drives a real driver through every Page operation against the
// fixture application. It skips in -short mode and when the driver cannot start
// a browser in this environment.
func Conformance(t *testing.T, launcher automation.Launcher, launch automation.LaunchOptions) {
	t.Helper()
	if testing.Short() {
		t.Skip("browser conformance skipped in -short mode")
	}

	app := testapp.New(testapp.DefaultConfig(), nil)
	t.Cleanup(app.Close)
	headers := &headerLog{}
	ts := httptest.NewServer(headers.wrap(app.Handler()))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	ctrl, err := launcher.Start(ctx)
	if err != nil {
		t.Skipf("%s not available: %v", launcher.Name(), err)
	}
	t.Cleanup(func() { _ = ctrl.Stop() })

	b, err := ctrl.Launch(ctx, launch)
	if err != nil {
		t.Skipf("could not launch browser with %s: %v", launcher.Name(), err)
	}
	t.Cleanup(func() { _ = b.Close() })

	const traceparent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	sess, err := b.NewSession(ctx, automation.SessionOptions{
		Device: automation.Device{
			Name:     "conformance-phone",
			Viewport: automation.Viewport{Width: 390, Height: 844},
			IsMobile: true,
			HasTouch: true,
		},
		DefaultTimeout: 5 * time.Second,
		ExtraHeaders:   map[string]string{"traceparent": traceparent},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	page, err := sess.NewPage(ctx)
	require.NoError(t, err)

	visible := func(p automation.Page, raw string) {
		t.Helper()
		require.NoError(t, p.WaitVisible(ctx, selector.MustParse(raw), conformanceTimeout), raw)
	}

	t.Run("navigate and wait", func(t *testing.T) {
		require.NoError(t, page.Goto(ctx, ts.URL+"/", automation.GotoOptions{WaitUntil: automation.LoadStateCommit, Timeout: conformanceTimeout}))
		require.NoError(t, page.WaitForLoadState(ctx, automation.LoadStateDOMContentLoaded, conformanceTimeout))
		visible(page, "text="+testapp.RenderedMarker)
		assert.True(t, strings.HasPrefix(page.URL(), ts.URL), page.URL())
		assert.True(t, headers.contains(traceparent), "extra headers reach the server")

		frames, err := page.Frames(ctx)
		require.NoError(t, err)
		assert.Empty(t, frames)
	})

	t.Run("evaluate and scroll", func(t *testing.T) {
		v, err := page.Evaluate(ctx, "() => window.innerHeight")
		require.NoError(t, err)
		h, ok := automation.AsFloat(v)
		require.True(t, ok, "innerHeight %T", v)
		assert.InDelta(t, 844, h, 1)
		assert.NoError(t, page.Scroll(ctx, 0, h))
	})

	t.Run("click follows navigation", func(t *testing.T) {
		require.NoError(t, page.Click(ctx, selector.MustParse("xpath=html/body/div[2]/div/button"), conformanceTimeout))
		visible(page, "text=Google sign-in is not available")
	})

	t.Run("popup", func(t *testing.T) {
		popup, err := page.ExpectPopup(ctx, conformanceTimeout, func() error {
			return page.Click(ctx, selector.MustParse("#help"), conformanceTimeout)
		})
		require.NoError(t, err)
		visible(popup, "text=You searched for")
		assert.Contains(t, popup.URL(), "/signin")
	})

	t.Run("auth failure page", func(t *testing.T) {
		require.NoError(t, page.Goto(ctx, ts.URL+"/api/projects?api_key=123456", automation.GotoOptions{WaitUntil: automation.LoadStateCommit, Timeout: conformanceTimeout}))
		visible(page, "text=Authentication required")
		visible(page, "text=Please sign in to continue.")
		title, err := page.Title(ctx)
		require.NoError(t, err)
		assert.Equal(t, "Authentication required", title)
		html, err := page.Content(ctx)
		require.NoError(t, err)
		assert.Contains(t, html, "google-signin")
	})

	t.Run("bounded wait times out", func(t *testing.T) {
		err := page.WaitVisible(ctx, selector.MustParse("#does-not-exist"), 300*time.Millisecond)
		require.Error(t, err)
		assert.ErrorIs(t, err, automation.ErrTimeout)
	})

	t.Run("screenshot", func(t *testing.T) {
		png, err := page.Screenshot(ctx)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")), "png magic")
	})

	t.Run("handles close once", func(t *testing.T) {
		require.NoError(t, sess.Close())
		assert.ErrorIs(t, sess.Close(), automation.ErrClosed)
	})
}
