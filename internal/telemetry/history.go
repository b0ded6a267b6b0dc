package telemetry

import (
	"math"
	"sync"
	"time"
)

// DefaultHistorySize is how many chart points the live view keeps.
const DefaultHistorySize = 50

// ChartPoint is one temperature/humidity sample on the live chart.
type ChartPoint struct {
	Label       string    `json:"timestamp"`
	At          time.Time `json:"at"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
}

// History is a bounded, oldest-first series of chart points. It is
// safe for concurrent use. Points are held in memory only.
type History struct {
	mu     sync.Mutex
	points []ChartPoint
	size   int
	now    func() time.Time
}

// NewHistory creates a history holding at most size points. A size of
// zero or less uses [DefaultHistorySize].
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{
		points: make([]ChartPoint, 0, size),
		size:   size,
		now:    time.Now,
	}
}

// Add appends a point for r. Readings without both temperature and
// humidity are ignored. Returns whether a point was added.
func (h *History) Add(r *Reading) bool {
	if r == nil || r.Temperature == nil || r.Humidity == nil {
		return false
	}
	at := h.now()
	p := ChartPoint{
		Label:       at.Format("15:04:05"),
		At:          at,
		Temperature: round1(*r.Temperature),
		Humidity:    round1(*r.Humidity),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.points) == h.size {
		copy(h.points, h.points[1:])
		h.points = h.points[:h.size-1]
	}
	h.points = append(h.points, p)
	return true
}

// Observe adapts Add to the bridge observer signature.
func (h *History) Observe(m Message) {
	if m.Topic == TopicSensors {
		h.Add(m.Reading)
	}
}

// Points returns a copy of the current series, oldest first.
func (h *History) Points() []ChartPoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ChartPoint, len(h.points))
	copy(out, h.points)
	return out
}

// Len reports the number of points held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.points)
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
