package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camctl/cam/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleEventWS mirrors the SSE stream over a websocket: same filters,
// same best-effort delivery, one JSON event per message.
func (s *Server) handleEventWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	q := r.URL.Query()
	sub := s.bus.Subscribe(events.Filter{
		TypePrefix: q.Get("type"),
		TaskID:     q.Get("taskId"),
		GroupID:    q.Get("groupId"),
	})

	go s.wsWriteLoop(conn, sub)
	s.wsReadLoop(conn)

	s.bus.Unsubscribe(sub)
	_ = conn.Close()
}

// wsReadLoop drains the peer so pings and close frames are processed.
// Incoming payloads are ignored; the stream is one-way.
func (s *Server) wsReadLoop(conn *websocket.Conn) {
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWriteLoop(conn *websocket.Conn, sub *events.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, open := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
