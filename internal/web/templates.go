package web

import (
	"embed"
	"fmt"
	"html/template"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/incubator-dashboard/internal/telemetry"
)

//go:embed templates/*.html
var templateFiles embed.FS

// templateFuncs provides helper functions available in all templates.
var templateFuncs = template.FuncMap{
	"formatFloat":  formatFloat,
	"formatUptime": formatUptime,
	"formatHeap":   formatHeap,
	"formatRSSI":   formatRSSI,
	"formatSwitch": formatSwitch,
	"formatTime":   formatTime,
	"internalFan":  internalFan,
	"tempBand":     telemetry.TemperatureBand,
	"humidityBand": telemetry.HumidityBand,
}

// loadTemplates parses the layout and each page template. Each page
// template is a clone of the layout with the page-specific blocks
// overridden. Panics on syntax errors so that startup fails fast.
func loadTemplates() map[string]*template.Template {
	layout := template.Must(
		template.New("layout.html").Funcs(templateFuncs).ParseFS(templateFiles, "templates/layout.html"),
	)

	pages := []string{"dashboard.html", "guide.html"}
	result := make(map[string]*template.Template, len(pages))

	for _, page := range pages {
		t := template.Must(layout.Clone())
		template.Must(t.ParseFS(templateFiles, "templates/"+page))
		result[page] = t
	}

	return result
}

// render executes a named template. If the request has the HX-Request
// header (htmx partial), only the block named by HX-Target is rendered,
// or the "content" block when the page has no such block. Otherwise the
// full layout is rendered.
func (s *WebServer) render(w http.ResponseWriter, r *http.Request, name string, data any) {
	t, ok := s.templates[name]
	if !ok {
		http.Error(w, "template not found", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	block := "layout.html"
	if r.Header.Get("HX-Request") == "true" {
		block = partialBlock(t, r.Header.Get("HX-Target"))
	}

	if err := t.ExecuteTemplate(w, block, data); err != nil {
		s.logger.Error("template render failed", "template", name, "block", block, "error", err)
	}
}

// partialBlock picks the block to render for a partial request. Only
// defined blocks are targetable, never whole files.
func partialBlock(t *template.Template, target string) string {
	if target == "" || strings.HasSuffix(target, ".html") || t.Lookup(target) == nil {
		return "content"
	}
	return target
}

// formatFloat renders an optional measurement with one decimal, or
// "--" when the controller did not report it.
func formatFloat(v *float64) string {
	if v == nil {
		return "--"
	}
	return fmt.Sprintf("%.1f", *v)
}

// formatUptime renders controller uptime, reported in seconds.
// Fractions of a second are dropped.
func formatUptime(v *float64) string {
	if v == nil {
		return "--"
	}
	d := time.Duration(*v * float64(time.Second)).Truncate(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
}

// formatHeap renders free heap bytes as whole kilobytes.
func formatHeap(v *float64) string {
	if v == nil {
		return "--"
	}
	return fmt.Sprintf("%d KB", int64(*v)/1024)
}

func formatRSSI(v *float64) string {
	if v == nil {
		return "--"
	}
	return fmt.Sprintf("%d dBm", int64(math.Round(*v)))
}

func formatSwitch(v *bool) string {
	switch {
	case v == nil:
		return "--"
	case *v:
		return "ON"
	}
	return "OFF"
}

// internalFan is the table's internal fan column, which older boards
// report as "fan".
func internalFan(r telemetry.Reading) *bool {
	return r.InternalFanState()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "--"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
