package web

import (
	"embed"
	"html/template"
	"io/fs"
)

//go:embed templates static
var ContentFS embed.FS

func GetHTMLTemplate(name string) (*template.Template, error) {

	funcMap := template.FuncMap{
		"toggleOrder": toggleOrderFunc,
		"rssiClass":   rssiClassFunc,
		"snrClass":    snrClassFunc,
	}
	templateFS, _ := fs.Sub(ContentFS, "templates")

	return template.New(name).Funcs(funcMap).ParseFS(templateFS, "common/*.tmpl.*", name+".tmpl.html")
}

// toggleOrderFunc flips the direction for a column header link: clicking the
// active column reverses the order, any other column starts descending.
func toggleOrderFunc(active, column, order string) string {
	if active == column && order == "desc" {
		return "asc"
	}
	return "desc"
}

func rssiClassFunc(v *int64) string {
	switch {
	case v == nil:
		return "poor-signal"
	case *v > -80:
		return "good-signal"
	case *v > -100:
		return "fair-signal"
	default:
		return "poor-signal"
	}
}

func snrClassFunc(v *float64) string {
	switch {
	case v == nil:
		return "poor-signal"
	case *v > 5:
		return "good-signal"
	case *v > 0:
		return "fair-signal"
	default:
		return "poor-signal"
	}
}
