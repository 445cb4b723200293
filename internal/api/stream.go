package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/camctl/cam/internal/events"
)

// handleEventStream serves the SSE feed. Each event goes out as
// `event: <type>` with a JSON data line. Delivery is best-effort; the
// audit log at /api/events is the replay source.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	sub := s.bus.Subscribe(events.Filter{
		TypePrefix: q.Get("type"),
		TaskID:     q.Get("taskId"),
		GroupID:    q.Get("groupId"),
	})
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// An initial comment line commits the headers so clients see the
	// stream as established immediately.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn("marshal sse event", "type", event.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
