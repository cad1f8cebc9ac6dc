package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"

	"axon/src/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEventStream bridges the user's log and metrics channels onto one
// websocket. The bridge is read-only for the client; its only job on the
// read side is noticing the close.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Warn("[server] websocket upgrade failed")
		return
	}
	defer ws.Close()

	ctx := r.Context()
	logs := s.conn.Subscribe(ctx, bus.LogsChannel(uid))
	defer logs.Close()
	events := s.conn.Subscribe(ctx, bus.MetricsChannel(uid))
	defer events.Close()

	log := logger.WithField("uid", uid)
	log.Info("[server] event stream opened")

	// Reader goroutine: the client never sends data, but reading is how
	// websocket close frames are observed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.config.WSPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			log.Info("[server] event stream closed by client")
			return

		case msg, ok := <-logs.Messages():
			if !ok || !s.writeFrame(ws, msg.Payload) {
				return
			}
		case msg, ok := <-events.Messages():
			if !ok || !s.writeFrame(ws, msg.Payload) {
				return
			}

		case <-ping.C:
			deadline := time.Now().Add(s.config.WSWriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.WithError(err).Debug("[server] ping failed, dropping stream")
				return
			}
		}
	}
}

func (s *Server) writeFrame(ws *websocket.Conn, payload string) bool {
	_ = ws.SetWriteDeadline(time.Now().Add(s.config.WSWriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		logger.WithError(err).Debug("[server] websocket write failed")
		return false
	}
	return true
}
