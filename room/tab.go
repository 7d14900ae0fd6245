package room

import "strconv"

// Language constants for tab sources
const (
	LanguagePython     = "python"
	LanguageJavaScript = "javascript"
	LanguageHTML       = "html"
)

// Default tab templates
const (
	TemplatePython     = "# Python 3 environment\nprint('Hello from Code Station!')\n"
	TemplateJavaScript = "console.log('Hello from Code Station (Node)!');\n"
	TemplateHTML       = "<!doctype html>\n" +
		"<html><head><meta charset=\"utf-8\"><title>Preview</title></head>\n" +
		"<body style=\"font-family:sans-serif;\"><h1>Hello from Code Station!</h1></body></html>"
)

// Tab is one editable source file in a room
type Tab struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Lang   string `json:"lang"`
	Code   string `json:"code"`
	Output string `json:"output"`
}

// Template describes the default file for a language
type Template struct {
	Name string
	Code string
}

// IsKnownLanguage reports whether a tab may carry the given language
func IsKnownLanguage(language string) bool {
	switch language {
	case LanguagePython, LanguageJavaScript, LanguageHTML:
		return true
	default:
		return false
	}
}

// TemplateFor returns the default file name and code for a language.
// Unknown languages fall back to the Python template.
func TemplateFor(language string) Template {
	switch language {
	case LanguageJavaScript:
		return Template{Name: "app.js", Code: TemplateJavaScript}
	case LanguageHTML:
		return Template{Name: "index.html", Code: TemplateHTML}
	default:
		return Template{Name: "main.py", Code: TemplatePython}
	}
}

func tabID(n int) string {
	return "tab-" + strconv.Itoa(n)
}
