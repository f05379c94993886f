package web

import (
	"embed"
	"html/template"
	"sync"
)

//go:embed dashboard.html
var content embed.FS

var (
	tmpl *template.Template
	once sync.Once
)

// Templates returns the parsed HTML templates for report rendering,
// embedded at build time.
func Templates() *template.Template {
	once.Do(func() {
		tmpl = template.Must(template.ParseFS(content, "*.html"))
	})
	return tmpl
}
