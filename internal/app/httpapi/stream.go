package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/pledgevault/internal/app/events"
)

const (
	// streamBuffer bounds undelivered events per client; slow clients drop.
	streamBuffer = 64
	// streamWriteWait caps a single frame write.
	streamWriteWait = 10 * time.Second
	// streamPingEvery keeps intermediaries from reaping idle connections.
	streamPingEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleEventStream upgrades the connection and forwards funding events as
// they are published. The client receives JSON frames, one event each.
func (h *handler) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	feed := make(chan events.Event, streamBuffer)
	unsubscribe := h.app.Events.Subscribe(func(e events.Event) {
		select {
		case feed <- e:
		default:
			// Client is not keeping up; drop rather than block publishers.
		}
	})
	defer unsubscribe()

	// Reader loop: we never expect client frames, but reading surfaces
	// close and protocol errors.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case event := <-feed:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
