package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cloud-shuttle/taskwatch/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// streamFilter builds an event filter from ?types=a,b&taskId=x
func streamFilter(r *http.Request) events.Filter {
	q := r.URL.Query()
	var filter events.Filter
	if raw := q.Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types = append(filter.Types, events.EventType(t))
			}
		}
	}
	filter.TaskID = q.Get("taskId")
	return filter
}

// handleEvents upgrades to a websocket and streams bus events as JSON
// text frames until either side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondJSON(w, http.StatusServiceUnavailable, errorBody{Error: "event stream is not enabled"})
		return
	}

	sub, err := s.bus.Subscribe(fmt.Sprintf("ws-%s", uuid.NewString()[:8]), streamFilter(r))
	if err != nil {
		respondJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		s.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	s.logger.Debug("event stream opened", "subscriber", sub.Name, "remote", r.RemoteAddr)

	// Reader: handles pongs and notices when the client disconnects
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "event bus closed"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "subscriber", sub.Name, "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
