package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Callers are authenticated via JWT; the dashboard runs on a
	// different origin than the API.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleLive streams call events to an operator dashboard over a
// websocket. Slow consumers miss events rather than slowing calls down.
func (r *Router) handleLive(w http.ResponseWriter, req *http.Request) {
	conn, err := liveUpgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("live: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events := r.eventLog.Subscribe()
	defer r.eventLog.Unsubscribe(events)

	// Reader loop exists only to notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
