package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// Envelope types pushed over /ws.
const (
	EventStatus       = "sync.status"
	EventNotification = "sync.notification"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Envelope wraps every websocket message.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// handleWS streams status changes and notifications until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	statuses, cancelStatus := s.coord.Subscribe()
	defer cancelStatus()
	notes, cancelNotes := s.bus.Subscribe()
	defer cancelNotes()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		var env Envelope
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case st, ok := <-statuses:
			if !ok {
				return
			}
			env = Envelope{Type: EventStatus, Data: st}
		case n, ok := <-notes:
			if !ok {
				return
			}
			env = Envelope{Type: EventNotification, Data: n}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		env.Timestamp = time.Now().Unix()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(env); err != nil {
			s.log.Debug().Err(err).Msg("websocket write")
			return
		}
	}
}
