package readings

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/incubator-dashboard/internal/telemetry"
)

// sink is the part of [Store] the recorder writes to.
type sink interface {
	Append(ctx context.Context, r telemetry.Reading) (Record, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// pruneEvery is how often the recorder applies the retention window.
const pruneEvery = time.Hour

// Recorder auto-saves sensor readings seen by the bridge, at most once
// per interval, and prunes readings older than the retention window.
// Register [Recorder.Observe] with the bridge and run [Recorder.Run].
type Recorder struct {
	store     sink
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	lastSave time.Time
	pending  chan telemetry.Reading
}

// NewRecorder creates a recorder. An interval of zero disables
// auto-save; a retention of zero keeps readings forever.
func NewRecorder(store sink, interval, retention time.Duration, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:     store,
		interval:  interval,
		retention: retention,
		logger:    logger,
		now:       time.Now,
		pending:   make(chan telemetry.Reading, 1),
	}
}

// Observe is a bridge observer. Sensor readings that arrive at least
// one interval after the previous save are queued for [Recorder.Run];
// everything else is ignored. It never blocks.
func (r *Recorder) Observe(msg telemetry.Message) {
	if msg.Reading == nil || r.interval <= 0 {
		return
	}

	r.mu.Lock()
	now := r.now()
	if !r.lastSave.IsZero() && now.Sub(r.lastSave) < r.interval {
		r.mu.Unlock()
		return
	}
	r.lastSave = now
	r.mu.Unlock()

	r.enqueue(*msg.Reading.Clone())
}

// enqueue hands reading to Run. A save that has not started yet is
// replaced so the newest reading is the one stored.
func (r *Recorder) enqueue(reading telemetry.Reading) {
	select {
	case r.pending <- reading:
		return
	default:
	}
	select {
	case <-r.pending:
		r.logger.Debug("pending auto-save replaced by newer reading")
	default:
	}
	select {
	case r.pending <- reading:
	default:
	}
}

// Run performs queued saves and periodic pruning until ctx is
// cancelled.
func (r *Recorder) Run(ctx context.Context) {
	var pruneC <-chan time.Time
	if r.retention > 0 {
		r.prune(ctx)
		ticker := time.NewTicker(pruneEvery)
		defer ticker.Stop()
		pruneC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case reading := <-r.pending:
			r.save(ctx, reading)
		case <-pruneC:
			r.prune(ctx)
		}
	}
}

func (r *Recorder) save(ctx context.Context, reading telemetry.Reading) {
	rec, err := r.store.Append(ctx, reading)
	if err != nil {
		r.logger.Error("auto-save reading failed", "error", err)
		return
	}
	r.logger.Debug("reading auto-saved", "id", rec.ID)
}

func (r *Recorder) prune(ctx context.Context) {
	cutoff := r.now().Add(-r.retention)
	n, err := r.store.Prune(ctx, cutoff)
	if err != nil {
		r.logger.Error("prune readings failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("old readings pruned", "removed", n, "before", cutoff.Format(time.RFC3339))
	}
}
