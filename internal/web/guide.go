package web

import (
	"bytes"
	_ "embed"
	"html/template"
	"net/http"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

//go:embed guide.md
var guideSource []byte

// renderGuide converts the operator guide from Markdown to HTML.
func renderGuide(src []byte) (template.HTML, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := md.Convert(src, &buf); err != nil {
		return "", err
	}
	// Raw HTML passthrough is off; the output holds only generated markup.
	return template.HTML(buf.String()), nil
}

func mustRenderGuide() template.HTML {
	html, err := renderGuide(guideSource)
	if err != nil {
		panic(err)
	}
	return html
}

// GuideData is the template context for the guide page.
type GuideData struct {
	ActiveNav string
	Body      template.HTML
}

func (s *WebServer) handleGuide(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, "guide.html", GuideData{ActiveNav: "guide", Body: s.guide})
}
