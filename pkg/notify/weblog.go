package notify

import (
	"sync"

	"github.com/osmogr/meshtastic-pingbot/pkg/models"
)

// WebLog keeps the most recent entries in memory for the dashboard and
// wakes SSE subscribers when a new one arrives.
type WebLog struct {
	mu      sync.RWMutex
	entries []models.LogEntry
	max     int

	subscribers map[chan struct{}]struct{}
	subMu       sync.RWMutex
}

func NewWebLog(maxLines int) *WebLog {
	if maxLines <= 0 {
		maxLines = 100
	}
	return &WebLog{
		max:         maxLines,
		subscribers: make(map[chan struct{}]struct{}),
	}
}

func (w *WebLog) Notify(entry models.LogEntry) {
	w.mu.Lock()
	w.entries = append(w.entries, entry)
	if len(w.entries) > w.max {
		w.entries = w.entries[len(w.entries)-w.max:]
	}
	w.mu.Unlock()

	w.wake()
}

// Snapshot returns the retained entries, oldest first.
func (w *WebLog) Snapshot() []models.LogEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]models.LogEntry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Subscribe adds a subscriber that is woken whenever an entry arrives.
func (w *WebLog) Subscribe() chan struct{} {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	ch := make(chan struct{}, 1)
	w.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber.
func (w *WebLog) Unsubscribe(ch chan struct{}) {
	w.subMu.Lock()
	defer w.subMu.Unlock()
	delete(w.subscribers, ch)
	close(ch)
}

func (w *WebLog) wake() {
	w.subMu.RLock()
	defer w.subMu.RUnlock()
	for ch := range w.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// Channel already has a pending notification, skip
		}
	}
}
