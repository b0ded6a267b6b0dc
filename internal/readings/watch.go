package readings

import (
	"context"
	"sync"
)

// watcher is one live query registered with [Store.Watch].
type watcher struct {
	n  int
	ch chan []Record

	mu     sync.Mutex
	closed bool
}

// offer delivers recs, replacing any result the reader has not taken
// yet. It never blocks.
func (w *watcher) offer(recs []Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- recs:
		return
	default:
	}
	select {
	case <-w.ch:
	default:
	}
	select {
	case w.ch <- recs:
	default:
	}
}

func (w *watcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
}

// Watch streams the result of Recent(n): the current result right away,
// then a fresh one after every change to the table. A reader that falls
// behind only sees the latest result. The channel is closed by cancel
// or by [Store.Close].
func (s *Store) Watch(n int) (<-chan []Record, func()) {
	w := &watcher{
		n:  clampLimit(n),
		ch: make(chan []Record, 1),
	}

	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	s.refresh(w)

	cancel := func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
		w.close()
	}
	return w.ch, cancel
}

func (s *Store) notifyWatchers() {
	s.mu.Lock()
	watchers := make([]*watcher, 0, len(s.watchers))
	for w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		s.refresh(w)
	}
}

func (s *Store) refresh(w *watcher) {
	recs, err := s.Recent(context.Background(), w.n)
	if err != nil {
		s.logger.Warn("readings watch refresh failed", "limit", w.n, "error", err)
		return
	}
	w.offer(recs)
}
