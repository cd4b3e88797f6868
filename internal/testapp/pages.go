package testapp

import (
	"html/template"
	"net/http"
)

// RenderedMarker is the text the component check script reveals once the page's
// components have mounted.
const RenderedMarker = "UI Components Rendered Successfully"

// pageData feeds the base layout. The sign-in button is always the first
// element inside body > div[2] > div.
type pageData struct {
	Title    string
	Heading  string
	Messages []string
	Echo     string
	Error    string
	Projects []Project
	Marker   bool
}

var pageTemplate = template.Must(template.New("base").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 0; }
.nav, main, .auth { padding: 1rem; }
.auth button { min-width: 12rem; padding: .75rem; }
@media (max-width: 600px) { .auth button { width: 100%; } }
</style>
</head>
<body>
<div class="nav"><a href="/">UI Scenarios Fixture</a> <a href="/projects">Projects</a> <a href="/signin">Sign in</a> <a id="help" href="/signin?input=help" target="_blank" rel="opener">Help</a></div>
<div class="auth"><div><button id="google-signin" type="button" onclick="window.location.href='/auth/google'">Sign in with Google</button></div></div>
<main>
<h1>{{.Heading}}</h1>
{{range .Messages}}<p class="message">{{.}}</p>
{{end}}{{if .Error}}<p class="error" role="alert">{{.Error}}</p>
{{end}}{{if .Echo}}<p class="echo">You searched for: <code>{{.Echo}}</code></p>
{{end}}{{if .Projects}}<ul class="projects">{{range .Projects}}<li data-id="{{.ID}}">{{.Name}}</li>{{end}}</ul>
{{end}}<form method="post" action="/signin"><label>API key <input name="api_key" type="password" autocomplete="off"></label> <button type="submit">Continue</button></form>
</main>
{{if .Marker}}<p id="render-check" hidden>` + RenderedMarker + `</p>
<script>
document.addEventListener("DOMContentLoaded", function () {
  var ok = document.querySelector(".nav") && document.querySelector("#google-signin") && document.querySelector("main h1");
  if (ok) { document.getElementById("render-check").hidden = false; }
});
</script>
{{end}}</body>
</html>
`))

func (s *Server) render(w http.ResponseWriter, status int, data pageData) {
	data.Marker = s.cfg.RenderMarker
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := pageTemplate.Execute(w, data); err != nil {
		s.log.Error("render_failed", "error", err)
	}
}
