package web

import (
	"net/http"

	qrcode "github.com/skip2/go-qrcode"
)

const qrSize = 256

// dashboardURL is the address encoded in the QR code: the configured
// public URL, or the one this request arrived on.
func (s *WebServer) dashboardURL(r *http.Request) string {
	if s.publicURL != "" {
		return s.publicURL
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/"
}

// handleQRCode serves a PNG QR code so a phone next to the incubator
// can open the dashboard.
func (s *WebServer) handleQRCode(w http.ResponseWriter, r *http.Request) {
	png, err := qrcode.Encode(s.dashboardURL(r), qrcode.Medium, qrSize)
	if err != nil {
		s.logger.Error("qr code generation failed", "error", err)
		http.Error(w, "qr code generation failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("failed to write qr code", "error", err)
	}
}
