package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pavelanni/qbank/internal/session"
)

// stream writes snapshots as server-sent events until the session reaches a
// terminal phase, disappears or the client goes away. Every change is sent
// as it happens; the current state is also re-sent every interval.
func stream[S any](w http.ResponseWriter, r *http.Request, interval time.Duration, first session.Snapshot[S], updates <-chan session.Snapshot[S], current func() (session.Snapshot[S], bool)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(s session.Snapshot[S]) bool {
		data, err := json.Marshal(s)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return !s.Done()
	}

	if !send(first) {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case s, open := <-updates:
			if !open {
				// Deleted or swept; send the last known state if any.
				if s, ok := current(); ok {
					send(s)
				}
				return
			}
			if !send(s) {
				return
			}
		case <-ticker.C:
			s, ok := current()
			if !ok || !send(s) {
				return
			}
		}
	}
}
