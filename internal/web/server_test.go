package web

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/nugget/incubator-dashboard/internal/mqtt"
	"github.com/nugget/incubator-dashboard/internal/readings"
	"github.com/nugget/incubator-dashboard/internal/telemetry"
)

// fakeBridge stands in for the MQTT bridge.
type fakeBridge struct {
	mu        sync.Mutex
	snap      mqtt.Snapshot
	connected bool
	sent      []telemetry.Command
	err       error
	observers []mqtt.Observer
}

func (f *fakeBridge) Snapshot() mqtt.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return mqtt.Snapshot{Status: f.snap.Status, Data: f.snap.Data.Clone()}
}

func (f *fakeBridge) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeBridge) PublishCommand(_ context.Context, cmd telemetry.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeBridge) OnMessage(fn mqtt.Observer) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, fn)
	return func() {}
}

func (f *fakeBridge) emit(t *testing.T, topic, payload string) {
	t.Helper()
	msg, err := telemetry.DecodeMessage(topic, []byte(payload))
	if err != nil {
		t.Fatalf("decode %s: %v", topic, err)
	}
	f.mu.Lock()
	observers := append([]mqtt.Observer(nil), f.observers...)
	f.mu.Unlock()
	for _, o := range observers {
		o(msg)
	}
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		connected: true,
		snap: mqtt.Snapshot{
			Status: telemetry.StatusOnline,
			Data: &telemetry.Reading{
				Temperature: telemetry.Ptr(37.6),
				Humidity:    telemetry.Ptr(61.2),
				Heater:      telemetry.Ptr(true),
				Uptime:      telemetry.Ptr(3725.0),
			},
		},
	}
}

func newTestStore(t *testing.T) *readings.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := readings.NewStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// newTestServer creates a WebServer over a fake bridge and an in-memory
// store.
func newTestServer(t *testing.T, mutate ...func(*Config)) (*WebServer, *fakeBridge, *readings.Store) {
	t.Helper()
	bridge := newFakeBridge()
	store := newTestStore(t)
	cfg := Config{
		Bridge:    bridge,
		Store:     store,
		History:   telemetry.NewHistory(5),
		PublicURL: "http://incubator.local:8080/",
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewWebServer(cfg), bridge, store
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDashboard_FullPage(t *testing.T) {
	ws, _, _ := newTestServer(t)

	w := do(t, ws.Handler(), "GET", "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET / status = %d, want %d", w.Code, http.StatusOK)
	}

	body := w.Body.String()
	for _, want := range []string{
		"<!DOCTYPE html>", "<nav", "Egg Incubator", "37.6", "61.2", "1h 2m", "Heater", "Top Vent", "band-ok",
		`id="waiting" class="hint" hidden`,
		`"temperature":{"ok_min":37.2,"ok_max":37.8,"danger_min":36.5,"danger_max":38.5}`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("GET / response missing %q", want)
		}
	}
}

func TestDashboard_HtmxPartial(t *testing.T) {
	ws, _, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("HX-Request", "true")
	w := httptest.NewRecorder()
	ws.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if strings.Contains(body, "<!DOCTYPE html>") {
		t.Error("htmx partial should not include the layout")
	}
	if !strings.Contains(body, "Manual control") {
		t.Error("htmx partial missing dashboard content")
	}
}

func TestDashboard_NoSensorData(t *testing.T) {
	ws, bridge, _ := newTestServer(t)
	bridge.snap = mqtt.Snapshot{Status: telemetry.StatusOffline}

	w := do(t, ws.Handler(), "GET", "/", "")
	body := w.Body.String()
	if !strings.Contains(body, `id="waiting" class="hint">Waiting for sensor data`) {
		t.Error("dashboard without data should show the waiting hint")
	}
	// Live updates fill these in, so they exist before the first reading.
	for _, field := range []string{"temperature", "humidity", "uptime", "rssi", "free_heap"} {
		want := `<span data-field="` + field + `">--</span>`
		if !strings.Contains(body, want) {
			t.Errorf("dashboard without data missing %s", want)
		}
	}
	for _, band := range []string{"temperature", "humidity"} {
		want := `class="card band-unknown" data-band="` + band + `"`
		if !strings.Contains(body, want) {
			t.Errorf("dashboard without data missing %s", want)
		}
	}
}

func TestDashboard_ReadingsPartial(t *testing.T) {
	ws, _, store := newTestServer(t)
	legacy := telemetry.Reading{Temperature: telemetry.Ptr(37.4), Humidity: telemetry.Ptr(58.0), Fan: telemetry.Ptr(true)}
	if _, err := store.Append(t.Context(), legacy); err != nil {
		t.Fatal(err)
	}

	partial := func(target string) string {
		req := httptest.NewRequest("GET", "/?limit=50", nil)
		req.Header.Set("HX-Request", "true")
		req.Header.Set("HX-Target", target)
		w := httptest.NewRecorder()
		ws.Handler().ServeHTTP(w, req)
		return w.Body.String()
	}

	body := partial("readings")
	if !strings.HasPrefix(strings.TrimSpace(body), `<section id="readings"`) {
		t.Errorf("readings partial starts with %.40q, want the readings section", strings.TrimSpace(body))
	}
	for _, want := range []string{"Showing 50", `href="/?limit=100"`, "<td>37.4</td>", "<td>ON</td>"} {
		if !strings.Contains(body, want) {
			t.Errorf("readings partial missing %q", want)
		}
	}
	for _, unwanted := range []string{"<!DOCTYPE html>", "Manual control"} {
		if strings.Contains(body, unwanted) {
			t.Errorf("readings partial contains %q", unwanted)
		}
	}

	for _, target := range []string{"nope", "layout.html", "dashboard.html"} {
		if body := partial(target); !strings.Contains(body, "Manual control") || strings.Contains(body, "<!DOCTYPE html>") {
			t.Errorf("HX-Target %q should fall back to the content block", target)
		}
	}
}

func TestDashboard_UnknownPath(t *testing.T) {
	ws, _, _ := newTestServer(t)
	if w := do(t, ws.Handler(), "GET", "/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("GET /nope status = %d, want 404", w.Code)
	}
}

func TestSensorsAPI(t *testing.T) {
	ws, _, _ := newTestServer(t)

	w := do(t, ws.Handler(), "GET", "/api/sensors", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["status"] != "online" {
		t.Errorf("status = %v, want online", got["status"])
	}
	data, _ := got["data"].(map[string]any)
	if data["temperature"] != 37.6 || data["heater"] != true {
		t.Errorf("data = %v, want temperature 37.6 and heater true", data)
	}
	if _, ok := data["humidity"]; !ok {
		t.Error("data missing humidity")
	}
	if _, ok := data["rssi"]; ok {
		t.Error("absent rssi should not appear in data")
	}
}

func TestControl(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantSent   telemetry.Command
	}{
		{"heater on", `{"heater":true}`, http.StatusOK, telemetry.SetActuator{Actuator: telemetry.ActuatorHeater, On: true}},
		{"servo", `{"solar_inlet":45}`, http.StatusOK, telemetry.SetServoAngle{Servo: telemetry.ServoSolarInlet, Degrees: 45}},
		{"interval", `{"interval":10000}`, http.StatusOK, telemetry.SetInterval{Interval: 10 * time.Second}},
		{"turn eggs", `{"turn_eggs":true}`, http.StatusOK, telemetry.TurnEggs{}},
		{"servo out of range", `{"top_vent":200}`, http.StatusBadRequest, nil},
		{"interval too short", `{"interval":500}`, http.StatusBadRequest, nil},
		{"two keys", `{"heater":true,"solenoid":true}`, http.StatusBadRequest, nil},
		{"unknown key", `{"lights":true}`, http.StatusBadRequest, nil},
		{"not json", `heater=on`, http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, bridge, _ := newTestServer(t)
			w := do(t, ws.Handler(), "POST", "/api/control", tt.body)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			var res apiResult
			if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if res.Success != (tt.wantStatus == http.StatusOK) {
				t.Errorf("success = %v, want %v", res.Success, tt.wantStatus == http.StatusOK)
			}

			if tt.wantSent == nil {
				if len(bridge.sent) != 0 {
					t.Errorf("sent = %v, want nothing", bridge.sent)
				}
				return
			}
			if len(bridge.sent) != 1 || bridge.sent[0] != tt.wantSent {
				t.Errorf("sent = %v, want [%v]", bridge.sent, tt.wantSent)
			}
		})
	}
}

func TestControl_BridgeErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{mqtt.ErrNotConnected, http.StatusServiceUnavailable},
		{errors.New("publish incubator/esp32/control: timeout"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		ws, bridge, _ := newTestServer(t)
		bridge.err = tt.err
		w := do(t, ws.Handler(), "POST", "/api/control", `{"heater":false}`)
		if w.Code != tt.want {
			t.Errorf("error %v: status = %d, want %d", tt.err, w.Code, tt.want)
		}
		if !strings.Contains(w.Body.String(), `"success":false`) {
			t.Errorf("error %v: body = %s, want success false", tt.err, w.Body.String())
		}
	}
}

func TestControl_BasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hatch"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	ws, bridge, _ := newTestServer(t, func(c *Config) {
		c.Username = "farmer"
		c.PasswordHash = string(hash)
	})
	h := ws.Handler()

	if w := do(t, h, "POST", "/api/control", `{"heater":true}`); w.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("POST", "/api/control", strings.NewReader(`{"heater":true}`))
	req.SetBasicAuth("farmer", "wrong")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status = %d, want 401", w.Code)
	}

	req = httptest.NewRequest("POST", "/api/control", strings.NewReader(`{"heater":true}`))
	req.SetBasicAuth("farmer", "hatch")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("valid credentials: status = %d, want 200", w.Code)
	}
	if len(bridge.sent) != 1 {
		t.Errorf("sent = %d commands, want 1", len(bridge.sent))
	}

	// Read-only routes stay open.
	if w := do(t, h, "GET", "/api/sensors", ""); w.Code != http.StatusOK {
		t.Errorf("GET /api/sensors with auth enabled: status = %d, want 200", w.Code)
	}
}

func TestSaveReading(t *testing.T) {
	ws, bridge, store := newTestServer(t)
	h := ws.Handler()

	w := do(t, h, "POST", "/api/data", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("save snapshot: status = %d, want 201 (body %s)", w.Code, w.Body.String())
	}
	var res apiResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.ID == "" || res.SavedAt == "" {
		t.Errorf("result = %+v, want success with id and saved_at", res)
	}

	w = do(t, h, "POST", "/api/data", `{"temperature":36.9,"humidity":58}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("save body: status = %d, want 201", w.Code)
	}

	recs, err := store.Recent(t.Context(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("stored = %d, want 2", len(recs))
	}
	if *recs[1].Reading.Temperature != 37.6 || *recs[0].Reading.Temperature != 36.9 {
		t.Errorf("stored temperatures = %v, %v, want 36.9 then 37.6",
			*recs[0].Reading.Temperature, *recs[1].Reading.Temperature)
	}

	bridge.snap.Data = nil
	if w := do(t, h, "POST", "/api/data", ""); w.Code != http.StatusConflict {
		t.Errorf("save without data: status = %d, want 409", w.Code)
	}
	if w := do(t, h, "POST", "/api/data", `[1,2]`); w.Code != http.StatusBadRequest {
		t.Errorf("save array: status = %d, want 400", w.Code)
	}
}

func TestReadingsAPI(t *testing.T) {
	ws, _, store := newTestServer(t)
	for i := range 3 {
		r := telemetry.Reading{Temperature: telemetry.Ptr(37 + float64(i)/10), Humidity: telemetry.Ptr(60.0)}
		if _, err := store.Append(t.Context(), r); err != nil {
			t.Fatal(err)
		}
	}
	h := ws.Handler()

	w := do(t, h, "GET", "/api/readings?limit=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var recs []readings.Record
	if err := json.Unmarshal(w.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("len = %d, want 2", len(recs))
	}

	if w := do(t, h, "GET", "/api/readings?limit=abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d, want 400", w.Code)
	}

	w = do(t, h, "GET", "/api/readings.csv?limit=20", "")
	if w.Code != http.StatusOK {
		t.Fatalf("csv status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("csv Content-Type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("csv lines = %d, want header + 3", len(lines))
	}
	if !strings.HasPrefix(lines[0], "Date,Temperature") {
		t.Errorf("csv header = %q", lines[0])
	}
	if !strings.Contains(lines[1], ",37.2,60,") {
		t.Errorf("csv first row = %q, want newest reading 37.2", lines[1])
	}
}

func TestHistoryAPI(t *testing.T) {
	ws, bridge, _ := newTestServer(t)

	bridge.emit(t, telemetry.TopicSensors, `{"temperature":37.55,"humidity":61.24}`)
	bridge.emit(t, telemetry.TopicStatus, `{"status":"online"}`)

	w := do(t, ws.Handler(), "GET", "/api/history", "")
	var points []telemetry.ChartPoint
	if err := json.Unmarshal(w.Body.Bytes(), &points); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("points = %d, want 1", len(points))
	}
	if points[0].Temperature != 37.6 || points[0].Humidity != 61.2 {
		t.Errorf("point = %+v, want 37.6 / 61.2", points[0])
	}
}

func TestHealthAPI(t *testing.T) {
	ws, bridge, _ := newTestServer(t)
	bridge.connected = false

	w := do(t, ws.Handler(), "GET", "/api/health", "")
	var got healthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Broker != "disconnected" {
		t.Errorf("broker = %q, want disconnected", got.Broker)
	}
	if got.DeviceStatus != "online" {
		t.Errorf("device_status = %q, want online", got.DeviceStatus)
	}
	if got.StoredReadings == nil || *got.StoredReadings != 0 {
		t.Errorf("stored_readings = %v, want 0", got.StoredReadings)
	}
	if got.Build.Version == "" {
		t.Error("build.version is empty")
	}
	if got.ChartPoints != 0 {
		t.Errorf("chart_points = %d, want 0", got.ChartPoints)
	}

	bridge.emit(t, telemetry.TopicSensors, `{"temperature":37.5,"humidity":60}`)
	w = do(t, ws.Handler(), "GET", "/api/health", "")
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ChartPoints != 1 {
		t.Errorf("chart_points after a reading = %d, want 1", got.ChartPoints)
	}
}

func TestQRCode(t *testing.T) {
	ws, _, _ := newTestServer(t)

	w := do(t, ws.Handler(), "GET", "/qr.png", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}
}

func TestDashboardURL(t *testing.T) {
	ws, _, _ := newTestServer(t, func(c *Config) { c.PublicURL = "" })
	req := httptest.NewRequest("GET", "/qr.png", nil)
	req.Host = "10.0.0.7:8080"
	if got := ws.dashboardURL(req); got != "http://10.0.0.7:8080/" {
		t.Errorf("dashboardURL() = %q, want request address", got)
	}
}

func TestGuide(t *testing.T) {
	ws, _, _ := newTestServer(t)

	w := do(t, ws.Handler(), "GET", "/guide", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"<h1>Operator Guide</h1>", "<table>", "incubator send heater=on"} {
		if !strings.Contains(body, want) {
			t.Errorf("guide missing %q", want)
		}
	}
}

func TestStaticAssets(t *testing.T) {
	ws, _, _ := newTestServer(t)
	for _, path := range []string{"/static/app.css", "/static/app.js"} {
		if w := do(t, ws.Handler(), "GET", path, ""); w.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, w.Code)
		}
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) liveEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev liveEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read live event: %v", err)
	}
	return ev
}

func TestLiveFeed(t *testing.T) {
	ws, bridge, _ := newTestServer(t)
	srv := httptest.NewServer(ws.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ev := readEvent(t, conn)
	if ev.Type != eventSnapshot {
		t.Fatalf("first event type = %q, want %q", ev.Type, eventSnapshot)
	}
	var snap map[string]any
	if err := json.Unmarshal(ev.Payload, &snap); err != nil {
		t.Fatal(err)
	}
	if snap["status"] != "online" {
		t.Errorf("snapshot status = %v, want online", snap["status"])
	}

	bridge.emit(t, telemetry.TopicResponse, `{"message":"Heater ON"}`)
	ev = readEvent(t, conn)
	if ev.Type != eventMessage || ev.Topic != telemetry.TopicResponse {
		t.Errorf("event = %s %s, want message on %s", ev.Type, ev.Topic, telemetry.TopicResponse)
	}
	if string(ev.Payload) != `{"message":"Heater ON"}` {
		t.Errorf("payload = %s", ev.Payload)
	}

	ws.hub.broadcastReadings([]readings.Record{{ID: "r1"}})
	ev = readEvent(t, conn)
	if ev.Type != eventReadings || len(ev.Records) != 1 || ev.Records[0].ID != "r1" {
		t.Errorf("event = %+v, want readings with r1", ev)
	}
}

func TestShutdown_ClosesLiveClients(t *testing.T) {
	ws, _, _ := newTestServer(t)
	c := newLiveClient()
	ws.hub.register(c)

	if err := ws.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if _, ok := <-c.send; ok {
		t.Error("client channel still open after Shutdown")
	}
	if n := ws.hub.count(); n != 0 {
		t.Errorf("clients = %d, want 0", n)
	}
}

func TestStart_AfterShutdown(t *testing.T) {
	ws, _, _ := newTestServer(t)
	if err := ws.Shutdown(t.Context()); err != nil {
		t.Fatal(err)
	}
	if err := ws.Start(t.Context()); err != nil {
		t.Errorf("Start() after Shutdown error = %v, want nil", err)
	}
}
