// Package web serves the incubator dashboard: the HTML page, a JSON
// API for sensors, commands and stored readings, a WebSocket live feed,
// a QR code of the dashboard address and the operator guide.
package web

import (
	"bufio"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/incubator-dashboard/internal/mqtt"
	"github.com/nugget/incubator-dashboard/internal/readings"
	"github.com/nugget/incubator-dashboard/internal/telemetry"
)

//go:embed static/*
var staticFiles embed.FS

// Bridge is the part of [mqtt.Bridge] the dashboard uses.
type Bridge interface {
	Snapshot() mqtt.Snapshot
	Connected() bool
	PublishCommand(ctx context.Context, cmd telemetry.Command) error
	OnMessage(fn mqtt.Observer) func()
}

// ReadingStore is the part of [readings.Store] the dashboard uses.
type ReadingStore interface {
	Append(ctx context.Context, r telemetry.Reading) (readings.Record, error)
	Recent(ctx context.Context, n int) ([]readings.Record, error)
	Count(ctx context.Context) (int, error)
	Watch(n int) (<-chan []readings.Record, func())
}

// Config holds the dependencies for the web server.
type Config struct {
	Address string
	Port    int

	Bridge  Bridge
	Store   ReadingStore
	History *telemetry.History

	// PublicURL is encoded in the dashboard QR code. When empty the
	// address the browser used is encoded instead.
	PublicURL string

	// Username and PasswordHash (bcrypt) protect the routes that
	// change state. Both empty disables auth.
	Username     string
	PasswordHash string

	Logger *slog.Logger
}

// WebServer serves the dashboard. Create one with [NewWebServer].
type WebServer struct {
	address   string
	port      int
	bridge    Bridge
	store     ReadingStore
	history   *telemetry.History
	publicURL string
	auth      *basicAuth
	templates map[string]*template.Template
	guide     template.HTML
	hub       *liveHub
	logger    *slog.Logger

	mu          sync.Mutex
	server      *http.Server
	stopped     bool
	unsubscribe func()
}

// NewWebServer creates the server and registers it as a bridge
// observer so the chart history and live feed follow every message.
// Panics if the embedded templates or guide fail to parse.
func NewWebServer(cfg Config) *WebServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	history := cfg.History
	if history == nil {
		history = telemetry.NewHistory(telemetry.DefaultHistorySize)
	}

	s := &WebServer{
		address:   cfg.Address,
		port:      cfg.Port,
		bridge:    cfg.Bridge,
		store:     cfg.Store,
		history:   history,
		publicURL: cfg.PublicURL,
		templates: loadTemplates(),
		guide:     mustRenderGuide(),
		hub:       newLiveHub(logger),
		logger:    logger,
	}
	if cfg.Username != "" && cfg.PasswordHash != "" {
		s.auth = &basicAuth{username: cfg.Username, hash: []byte(cfg.PasswordHash)}
	}
	if s.bridge != nil {
		s.unsubscribe = s.bridge.OnMessage(s.observe)
	}
	return s
}

// observe feeds one bridge message to the chart and the live feed.
func (s *WebServer) observe(msg telemetry.Message) {
	s.history.Observe(msg)
	s.hub.broadcastMessage(msg)
}

// RegisterRoutes adds the dashboard routes to mux.
func (s *WebServer) RegisterRoutes(mux *http.ServeMux) {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}

	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(subFS))))
	mux.HandleFunc("GET /guide", s.handleGuide)
	mux.HandleFunc("GET /qr.png", s.handleQRCode)
	mux.HandleFunc("GET /ws", s.handleLive)

	mux.HandleFunc("GET /api/sensors", s.handleSensors)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/readings", s.handleReadings)
	mux.HandleFunc("GET /api/readings.csv", s.handleReadingsCSV)
	mux.Handle("POST /api/control", s.requireAuth(http.HandlerFunc(s.handleControl)))
	mux.Handle("POST /api/data", s.requireAuth(http.HandlerFunc(s.handleSaveReading)))
}

// Handler returns the complete dashboard handler with request logging.
func (s *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.withLogging(mux)
}

// Start serves HTTP until [WebServer.Shutdown] is called. It also
// forwards stored-reading updates to live clients until ctx is
// cancelled. Returns nil after a clean shutdown.
func (s *WebServer) Start(ctx context.Context) error {
	if s.store != nil {
		go s.forwardReadings(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting dashboard server", "address", addr, "port", s.port)

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, closes live connections and
// detaches from the bridge.
func (s *WebServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	srv := s.server
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.hub.closeAll()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// forwardReadings pushes every change to the recent-readings table to
// live clients.
func (s *WebServer) forwardReadings(ctx context.Context) {
	updates, cancel := s.store.Watch(readings.TableLimits[len(readings.TableLimits)-1])
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case recs, ok := <-updates:
			if !ok {
				return
			}
			s.hub.broadcastReadings(recs)
		}
	}
}

// statusRecorder captures the response code for request logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the WebSocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *WebServer) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
