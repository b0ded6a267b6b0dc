package web

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"

	"github.com/nugget/incubator-dashboard/internal/buildinfo"
	"github.com/nugget/incubator-dashboard/internal/mqtt"
	"github.com/nugget/incubator-dashboard/internal/readings"
	"github.com/nugget/incubator-dashboard/internal/telemetry"
)

// ActuatorView is one switch on the control panel.
type ActuatorView struct {
	Key   telemetry.Actuator
	Label string
	On    bool
	Known bool
}

// ServoView is one angle slider on the control panel.
type ServoView struct {
	Key     telemetry.Servo
	Label   string
	Degrees int
	Known   bool
}

// DashboardData is the template context for the dashboard page.
type DashboardData struct {
	ActiveNav string
	Snapshot  mqtt.Snapshot
	Connected bool
	Sensors   telemetry.Reading // zero when nothing has arrived yet
	HasData   bool
	Bands     template.JS
	Actuators []ActuatorView
	Servos    []ServoView
	ChartJSON template.JS
	Records   []readings.Record
	Limit     int
	NextLimit int
	Stored    int
	Auth      bool
	Build     buildinfo.Info
}

// bandLimits is handed to the page script, which grades live readings
// against the same thresholds as the server.
var bandLimits = func() template.JS {
	b, err := json.Marshal(map[string]telemetry.Limits{
		"temperature": telemetry.TemperatureLimits,
		"humidity":    telemetry.HumidityLimits,
	})
	if err != nil {
		panic(err)
	}
	return template.JS(b)
}()

// handleDashboard renders the dashboard at "/".
func (s *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := DashboardData{
		ActiveNav: "dashboard",
		Limit:     parseLimit(r.URL.Query().Get("limit")),
		Auth:      s.auth != nil,
		Build:     buildinfo.Current(),
	}
	data.NextLimit = readings.NextTableLimit(data.Limit)

	if s.bridge != nil {
		data.Snapshot = s.bridge.Snapshot()
		data.Connected = s.bridge.Connected()
	} else {
		data.Snapshot.Status = telemetry.StatusOffline
	}
	if data.Snapshot.Data != nil {
		data.Sensors = *data.Snapshot.Data
		data.HasData = true
	}
	data.Actuators = actuatorViews(data.Snapshot.Data)
	data.Servos = servoViews(data.Snapshot.Data)

	points, err := json.Marshal(s.history.Points())
	if err != nil {
		s.logger.Error("encode chart points", "error", err)
		points = []byte("[]")
	}
	data.ChartJSON = template.JS(points)
	data.Bands = bandLimits

	if s.store != nil {
		recs, err := s.store.Recent(r.Context(), data.Limit)
		if err != nil {
			s.logger.Warn("dashboard readings query failed", "error", err)
		}
		data.Records = recs
		if n, err := s.store.Count(r.Context()); err == nil {
			data.Stored = n
		}
	}

	s.render(w, r, "dashboard.html", data)
}

func actuatorViews(r *telemetry.Reading) []ActuatorView {
	views := make([]ActuatorView, 0, len(telemetry.Actuators()))
	for _, a := range telemetry.Actuators() {
		on, ok := r.ActuatorOn(a)
		// First-generation boards report a single fan as "fan".
		if !ok && a == telemetry.ActuatorInternalFan {
			on, ok = r.ActuatorOn(telemetry.ActuatorFan)
		}
		views = append(views, ActuatorView{Key: a, Label: a.Label(), On: on, Known: ok})
	}
	return views
}

func servoViews(r *telemetry.Reading) []ServoView {
	views := make([]ServoView, 0, len(telemetry.Servos()))
	for _, sv := range telemetry.Servos() {
		deg, ok := r.ServoAngle(sv)
		views = append(views, ServoView{Key: sv, Label: sv.Label(), Degrees: deg, Known: ok})
	}
	return views
}

// parseLimit reads a table limit, falling back to the first allowed
// value for anything the table does not offer.
func parseLimit(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return readings.TableLimits[0]
	}
	for _, l := range readings.TableLimits {
		if l == n {
			return n
		}
	}
	return readings.TableLimits[0]
}
