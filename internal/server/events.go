package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The control surface is bound locally; origin checks are left to the
	// operator's reverse proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams the event bus to a WebSocket client as JSON. Each
// client gets its own bus subscription; slow clients lose old events
// rather than stalling the publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.events.Subscribe()
	defer cancel()

	// Drain client frames so close and pong handling work; incoming
	// payloads are ignored.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout)) //nolint:errcheck
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug("Event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
