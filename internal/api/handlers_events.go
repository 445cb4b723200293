package api

import (
	"net/http"
	"time"

	"github.com/camctl/cam/internal/db"
	camerrors "github.com/camctl/cam/internal/errors"
)

// eventRecord is the wire shape of one audit record.
type eventRecord struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Actor     string `json:"actor,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	GroupID   string `json:"groupId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// handleQueryEvents serves the audit log: the replay source for stream
// consumers that dropped events.
func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.EventFilter{
		TypePrefix: q.Get("type"),
		TaskID:     q.Get("taskId"),
		GroupID:    q.Get("groupId"),
		Limit:      intParam(q.Get("limit"), 100),
		Offset:     intParam(q.Get("offset"), 0),
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, camerrors.InvalidInput("invalid since timestamp, expected RFC3339"))
			return
		}
		filter.Since = &t
	}
	if raw := q.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, camerrors.InvalidInput("invalid until timestamp, expected RFC3339"))
			return
		}
		filter.Until = &t
	}

	records, total, err := s.store.QueryEvents(r.Context(), filter)
	if err != nil {
		writeError(w, camerrors.Internal(err))
		return
	}

	out := make([]eventRecord, 0, len(records))
	for _, e := range records {
		out = append(out, eventRecord{
			ID:        e.ID,
			Type:      e.Type,
			Actor:     e.Actor,
			TaskID:    e.TaskID,
			GroupID:   e.GroupID,
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt.UTC().Format(db.TimeFormat),
		})
	}
	writeData(w, map[string]any{
		"events": out,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}
