package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/sync"
)

const (
	eventBuffer  = 64
	writeTimeout = 10 * time.Second
)

// EventMessage is the JSON form of a sync event on the wire.
type EventMessage struct {
	Type sync.EventType `json:"type"`
	Data any            `json:"data,omitempty"`
	At   time.Time      `json:"at"`
}

func newEventMessage(ev sync.Event) EventMessage {
	msg := EventMessage{Type: ev.Type(), At: time.Now().UTC()}
	switch e := ev.(type) {
	case sync.Online, sync.Offline:
	case sync.SyncError:
		msg.Data = map[string]string{"error": e.Error()}
	default:
		msg.Data = e
	}
	return msg
}

// Events streams sync events to a WebSocket client until it disconnects.
// A client that falls behind loses events rather than stalling the bus. The
// handshake is held to the same origin allow-list as CORS.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	out := make(chan []byte, eventBuffer)
	unsubscribe := h.syncManager.Subscribe(func(ev sync.Event) {
		b, err := json.Marshal(newEventMessage(ev))
		if err != nil {
			return
		}
		select {
		case out <- b:
		default:
			logger.Log.Debug("Dropping event for slow client", zap.String("event", string(ev.Type())))
		}
	})
	defer unsubscribe()

	// The read loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	state, _ := json.Marshal(EventMessage{Type: "state", Data: h.syncManager.State(), At: time.Now().UTC()})
	if err := h.write(conn, state); err != nil {
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case b := <-out:
			if err := h.write(conn, b); err != nil {
				return
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, b []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
