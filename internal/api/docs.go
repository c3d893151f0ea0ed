package api

import (
	"bytes"
	"html/template"
)

const elementsVersion = "9.0.0"

var docsTemplate = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>{{.Title}}</title>
  <link href="https://unpkg.com/@stoplight/elements@{{.Version}}/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@{{.Version}}/web-components.min.js" crossorigin="anonymous"></script>
</head>
<body style="height: 100vh; margin: 0; display: flex; flex-direction: column;">
  <nav style="padding: 6px 12px; font: 13px sans-serif; background: #111; color: #aaa;">
    {{.Title}} · <a style="color: #8cf;" href="{{.EventsPath}}">event stream</a>{{if .MetricsPath}} · <a style="color: #8cf;" href="{{.MetricsPath}}">metrics</a>{{end}}
  </nav>
  <elements-api style="flex: 1;" apiDescriptionUrl="{{.OpenAPIPath}}" router="hash" layout="sidebar" tryItCredentialsPolicy="same-origin" darkMode />
</body>
</html>`))

type docsPage struct {
	Title       string
	Version     string
	OpenAPIPath string
	EventsPath  string
	MetricsPath string
}

// renderDocs builds the docs page once at server construction.
func renderDocs(p docsPage) []byte {
	if p.Version == "" {
		p.Version = elementsVersion
	}
	var buf bytes.Buffer
	if err := docsTemplate.Execute(&buf, p); err != nil {
		return []byte(err.Error())
	}
	return buf.Bytes()
}
