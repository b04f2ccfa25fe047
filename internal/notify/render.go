// ABOUTME: Template rendering for transactional emails (order confirmation, shipping update).
// ABOUTME: Templates parsed once at init from embedded FS; rendered per mail.send job.
package notify

import (
	"bytes"
	"embed"
	"fmt"
	htmltpl "html/template"
	"sort"
	"strings"
	texttpl "text/template"

	"github.com/dustin/go-humanize"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Template function maps shared by both HTML and text templates.
var funcMap = map[string]any{
	// money formats minor units (paise) as a rupee amount with separators.
	"money": func(minor any) string {
		var v float64
		switch n := minor.(type) {
		case float64:
			v = n
		case int:
			v = float64(n)
		case int64:
			v = float64(n)
		}
		return "₹" + humanize.CommafWithDigits(v/100, 2)
	},
	"upper": strings.ToUpper,
}

// emailTemplate is one parsed template pair. Each file is parsed into its own
// set to avoid {{define}} namespace collisions.
type emailTemplate struct {
	html *htmltpl.Template
	text *texttpl.Template
}

var templates = map[string]emailTemplate{}

func init() {
	for _, name := range []string{"order_confirmation", "shipping_update"} {
		templates[name] = emailTemplate{
			html: htmltpl.Must(htmltpl.New("").Funcs(htmltpl.FuncMap(funcMap)).Option("missingkey=error").
				ParseFS(templateFS, "templates/"+name+".html.tmpl")),
			text: texttpl.Must(texttpl.New("").Funcs(texttpl.FuncMap(funcMap)).Option("missingkey=error").
				ParseFS(templateFS, "templates/"+name+".txt.tmpl")),
		}
	}
}

// TemplateNames lists the registered email templates.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render renders the named email template. Returns subject, HTML body, and
// plaintext body. Data keys referenced by the template must be present.
func Render(name string, data map[string]any) (string, string, string, error) {
	t, ok := templates[name]
	if !ok {
		return "", "", "", fmt.Errorf("unknown email template %q", name)
	}
	return renderPair(t.html, t.text, data)
}

func renderPair(html *htmltpl.Template, text *texttpl.Template, data any) (string, string, string, error) {
	// Render subject from the text template's "subject" block.
	var subjectBuf bytes.Buffer
	if err := text.ExecuteTemplate(&subjectBuf, "subject", data); err != nil {
		return "", "", "", fmt.Errorf("render subject: %w", err)
	}
	subject := sanitizeSubject(subjectBuf.String())

	var htmlBuf bytes.Buffer
	if err := html.ExecuteTemplate(&htmlBuf, "body", data); err != nil {
		return "", "", "", fmt.Errorf("render html: %w", err)
	}

	var textBuf bytes.Buffer
	if err := text.ExecuteTemplate(&textBuf, "body", data); err != nil {
		return "", "", "", fmt.Errorf("render text: %w", err)
	}

	return subject, htmlBuf.String(), textBuf.String(), nil
}

// sanitizeSubject strips CR/LF to prevent email header injection.
func sanitizeSubject(s string) string {
	s = strings.TrimSpace(s)
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
