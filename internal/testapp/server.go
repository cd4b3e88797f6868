// Package testapp is a small target application for exercising UI scenarios: a
// landing page, a sign-in page, a session-protected projects page and an API-key
// protected projects API. Every page carries the same layout, so the sign-in
// button sits at html/body/div[2]/div/button.
package testapp

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kuitang/ui-scenarios/internal/errs"
	"github.com/kuitang/ui-scenarios/internal/logutil"
	"github.com/kuitang/ui-scenarios/internal/obs"
	"github.com/kuitang/ui-scenarios/internal/ratelimit"
)

const (
	sessionCookieName = "uis_session"

	msgAuthRequired = "Authentication required"
	msgSignIn       = "Please sign in to continue."
)

// Project is a row of the projects list.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Config configures the fixture.
type Config struct {
	// RenderMarker emits the component check marker on every page. Turn it off
	// to provoke rendering assertion failures.
	RenderMarker bool
	// KeyAttempts limits API key attempts per client IP.
	KeyAttempts ratelimit.Config
	Projects    []Project
}

// DefaultConfig renders the marker and allows enough key attempts per client for
// a few parallel scenario runs.
func DefaultConfig() Config {
	return Config{
		RenderMarker: true,
		KeyAttempts:  ratelimit.Config{RPS: 5, Burst: 50, CleanupInterval: time.Hour},
		Projects: []Project{
			{ID: "p-1", Name: "Onboarding revamp"},
			{ID: "p-2", Name: "Billing migration"},
		},
	}
}

// Server serves the fixture application.
type Server struct {
	cfg      Config
	keys     *KeyStore
	limiter  *ratelimit.RateLimiter
	log      *slog.Logger
	mu       sync.Mutex
	sessions map[string]string // session id -> key owner
}

// New creates a server. Call Close to stop background work.
func New(cfg Config, keys *KeyStore) *Server {
	if keys == nil {
		keys = NewKeyStore()
	}
	return &Server{
		cfg:      cfg,
		keys:     keys,
		limiter:  ratelimit.NewRateLimiter(cfg.KeyAttempts),
		log:      obs.Pkg("testapp"),
		sessions: make(map[string]string),
	}
}

// Keys returns the server's key store.
func (s *Server) Keys() *KeyStore { return s.keys }

// Close stops the attempt limiter.
func (s *Server) Close() {
	s.limiter.Stop()
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHome)
	mux.HandleFunc("GET /signin", s.handleSignInPage)
	mux.HandleFunc("POST /signin", s.handleSignIn)
	mux.HandleFunc("GET /auth/google", s.handleGoogle)
	mux.HandleFunc("GET /projects", s.handleProjects)
	mux.HandleFunc("GET /api/projects", s.handleAPIProjects)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.fail(w, r, errs.New(errs.NotFound, "Page not found"))
	})

	keyAttempt := func(r *http.Request) bool {
		return r.URL.Query().Has("api_key") || r.Method == http.MethodPost
	}
	var h http.Handler = mux
	h = ratelimit.Middleware(s.limiter, ratelimit.ClientIP, keyAttempt)(h)
	h = obs.AccessLogMiddleware("testapp", h)
	h = obs.RequestContextMiddleware(h)
	return h
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, pageData{
		Title:    "UI Scenarios Fixture",
		Heading:  "Welcome",
		Messages: []string{"Sign in to manage your projects."},
	})
}

func (s *Server) handleSignInPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.render(w, http.StatusOK, pageData{
		Title:    "Sign in",
		Heading:  "Sign in",
		Messages: []string{msgSignIn},
		Echo:     q.Get("input"),
		Error:    q.Get("error"),
	})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.fail(w, r, errs.Wrap(errs.InvalidArgument, "Invalid form", err))
		return
	}
	key, err := s.keys.Verify(r.PostForm.Get("api_key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sid, err := newSessionID()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.mu.Lock()
	s.sessions[sid] = key.Owner
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	obs.From(r.Context()).Info("signed_in", "key_id", key.ID)
	http.Redirect(w, r, "/projects", http.StatusSeeOther)
}

// handleGoogle stands in for an external identity provider that is never
// configured in the fixture.
func (s *Server) handleGoogle(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/signin?error="+url.QueryEscape("Google sign-in is not available"), http.StatusFound)
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.sessionOwner(r); !ok {
		s.fail(w, r, errs.New(errs.PermissionDenied, msgAuthRequired))
		return
	}
	s.render(w, http.StatusOK, pageData{Title: "Projects", Heading: "Projects", Projects: s.cfg.Projects})
}

func (s *Server) handleAPIProjects(w http.ResponseWriter, r *http.Request) {
	if _, err := s.keys.Verify(r.URL.Query().Get("api_key")); err != nil {
		s.fail(w, r, err)
		return
	}
	if wantsHTML(r) {
		s.render(w, http.StatusOK, pageData{Title: "Projects", Heading: "Projects", Projects: s.cfg.Projects})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": s.cfg.Projects})
}

func (s *Server) sessionOwner(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.sessions[c.Value]
	return owner, ok
}

// fail renders err with the status of its code: an HTML page for browsers,
// JSON for everything else. Authentication failures always carry both
// user-facing messages.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	status := errs.HTTPStatus(code)
	msg := errs.MessageOf(err)
	if status >= 500 {
		obs.From(r.Context()).Error("request_failed", "error", err)
	}

	if code == errs.PermissionDenied {
		w.Header().Set("WWW-Authenticate", `Bearer realm="ui-scenarios"`)
		obs.From(r.Context()).Debug("auth_rejected",
			"url", logutil.RedactURLForLog(r.URL.String()),
			"headers", logutil.FormatHeadersForLog(r.Header),
		)
	}
	if !wantsHTML(r) {
		body := map[string]string{"error": msg, "code": string(code)}
		if code == errs.PermissionDenied {
			body["hint"] = msgSignIn
		}
		writeJSON(w, status, body)
		return
	}
	data := pageData{Title: msg, Heading: msg}
	if code == errs.PermissionDenied {
		data.Heading = msgAuthRequired
		data.Messages = []string{msgSignIn}
	}
	s.render(w, status, data)
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func newSessionID() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", errs.Wrap(errs.Internal, "generate session id", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
