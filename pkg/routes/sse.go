package routes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SSE endpoint streaming the event log to the dashboard. Every wake resends
// the whole ring so a client can never miss entries, the browser just
// replaces its log pane.
func (wr *WebRouter) logsSSE(w http.ResponseWriter, r *http.Request) {
	if !wr.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// Check if SSE is supported
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	notifyCh := wr.weblog.Subscribe()
	defer wr.weblog.Unsubscribe(notifyCh)

	ctx := r.Context()

	// Heartbeat to keep connection alive
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	sendLogs := func() error {
		payload, err := json.Marshal(wr.weblog.Snapshot())
		if err != nil {
			return err
		}
		// JSON never contains raw newlines, so the payload is one data line
		if _, err := fmt.Fprintf(w, "event: logs\ndata: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// Send initial data
	if err := sendLogs(); err != nil {
		slog.Error("error sending initial SSE data", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-notifyCh:
			if err := sendLogs(); err != nil {
				slog.Error("error sending SSE update", "error", err)
				return
			}
		case <-ticker.C:
			// Send heartbeat comment to keep connection alive
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
