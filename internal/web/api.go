package web

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/incubator-dashboard/internal/buildinfo"
	"github.com/nugget/incubator-dashboard/internal/mqtt"
	"github.com/nugget/incubator-dashboard/internal/readings"
	"github.com/nugget/incubator-dashboard/internal/telemetry"
)

// maxBodyBytes bounds request bodies on the JSON API.
const maxBodyBytes = 64 << 10

// writeJSON encodes v as the response body. Encoding errors are only
// logged since the status line has already been sent.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// apiResult is the envelope for state-changing endpoints.
type apiResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Command string `json:"command,omitempty"`
	ID      string `json:"id,omitempty"`
	SavedAt string `json:"saved_at,omitempty"`
}

func (s *WebServer) fail(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, apiResult{Success: false, Error: err.Error()}, s.logger)
}

// handleSensors returns the bridge snapshot as {status, data}.
func (s *WebServer) handleSensors(w http.ResponseWriter, r *http.Request) {
	snap := mqtt.Snapshot{Status: telemetry.StatusOffline}
	if s.bridge != nil {
		snap = s.bridge.Snapshot()
	}
	writeJSON(w, http.StatusOK, snap, s.logger)
}

// healthResponse is the body of GET /api/health.
type healthResponse struct {
	Broker         string         `json:"broker"`
	DeviceStatus   string         `json:"device_status"`
	StoredReadings *int           `json:"stored_readings,omitempty"`
	ChartPoints    int            `json:"chart_points"`
	Build          buildinfo.Info `json:"build"`
}

func (s *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Broker:       "disconnected",
		DeviceStatus: string(telemetry.StatusOffline),
		ChartPoints:  s.history.Len(),
		Build:        buildinfo.Current(),
	}
	if s.bridge != nil {
		if s.bridge.Connected() {
			resp.Broker = "connected"
		}
		resp.DeviceStatus = string(s.bridge.Snapshot().Status)
	}
	if s.store != nil {
		if n, err := s.store.Count(r.Context()); err == nil {
			resp.StoredReadings = &n
		}
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

func (s *WebServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.history.Points(), s.logger)
}

// handleControl publishes a single-key command object such as
// {"heater":true} or {"interval":5000}.
func (s *WebServer) handleControl(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	cmd, err := telemetry.ParseCommand(body)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}

	if s.bridge == nil {
		s.fail(w, http.StatusServiceUnavailable, mqtt.ErrNotConnected)
		return
	}

	if err := s.bridge.PublishCommand(r.Context(), cmd); err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, mqtt.ErrNotConnected):
			status = http.StatusServiceUnavailable
		case errors.Is(err, telemetry.ErrInvalidCommand):
			status = http.StatusBadRequest
		}
		s.fail(w, status, err)
		return
	}

	writeJSON(w, http.StatusOK, apiResult{Success: true, Command: telemetry.DescribeCommand(cmd)}, s.logger)
}

// handleSaveReading stores the posted reading, or the current snapshot
// when the body is empty.
func (s *WebServer) handleSaveReading(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.fail(w, http.StatusServiceUnavailable, errors.New("reading store not configured"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	var reading telemetry.Reading
	if len(body) > 0 {
		if err := json.Unmarshal(body, &reading); err != nil {
			s.fail(w, http.StatusBadRequest, fmt.Errorf("decode reading: %w", err))
			return
		}
	} else {
		var current *telemetry.Reading
		if s.bridge != nil {
			current = s.bridge.Snapshot().Data
		}
		if current == nil {
			s.fail(w, http.StatusConflict, errors.New("no sensor data received yet"))
			return
		}
		reading = *current
	}

	rec, err := s.store.Append(r.Context(), reading)
	if err != nil {
		s.logger.Error("save reading failed", "error", err)
		s.fail(w, http.StatusInternalServerError, errors.New("failed to save reading"))
		return
	}

	writeJSON(w, http.StatusCreated, apiResult{
		Success: true,
		ID:      rec.ID,
		SavedAt: rec.SavedAt.Format(time.RFC3339),
	}, s.logger)
}

// handleReadings returns the most recent stored readings, newest first.
func (s *WebServer) handleReadings(w http.ResponseWriter, r *http.Request) {
	recs, ok := s.recentReadings(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, recs, s.logger)
}

// handleReadingsCSV exports the most recent stored readings as CSV.
func (s *WebServer) handleReadingsCSV(w http.ResponseWriter, r *http.Request) {
	recs, ok := s.recentReadings(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="incubator_data_%d.csv"`, time.Now().UnixMilli()))

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"Date", "Temperature (°C)", "Humidity (%)", "Heater", "Internal Fan", "Solar Fans", "Uptime (s)"})
	for _, rec := range recs {
		rd := rec.Reading
		_ = cw.Write([]string{
			rec.SavedAt.Format(time.RFC3339),
			csvFloat(rd.Temperature),
			csvFloat(rd.Humidity),
			formatSwitch(rd.Heater),
			formatSwitch(rd.InternalFanState()),
			formatSwitch(rd.SolarFans),
			csvFloat(rd.Uptime),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Debug("failed to write CSV response", "error", err)
	}
}

func (s *WebServer) recentReadings(w http.ResponseWriter, r *http.Request) ([]readings.Record, bool) {
	if s.store == nil {
		s.fail(w, http.StatusServiceUnavailable, errors.New("reading store not configured"))
		return nil, false
	}

	limit := readings.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return nil, false
		}
		limit = n
	}

	recs, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("query readings failed", "error", err)
		s.fail(w, http.StatusInternalServerError, errors.New("failed to load readings"))
		return nil, false
	}
	return recs, true
}

func csvFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
