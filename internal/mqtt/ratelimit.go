package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// messageRateLimiter caps inbound messages per interval. A runaway
// controller publishing in a tight loop would otherwise flood every
// observer and the reading store.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	total    atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the window every interval until ctx is cancelled,
// warning once per window in which messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt messages dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"dropped_total", r.total.Load(),
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

// allow counts one message and reports whether it fits in the current
// window.
func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit {
		r.dropped.Add(1)
		r.total.Add(1)
		return false
	}
	return true
}
