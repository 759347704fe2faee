package livestream

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Viewers connect from storefront pages on other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamEvents handles GET /streams/{stream_id}/events. It upgrades to a
// websocket, sends the current status as a statusChanged event and then
// every event of the stream. The stream's reconcile loop runs while the
// connection is open.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id := streamIDFrom(r)
	st, sub, release, err := h.svc.Subscribe(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer release()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed",
			slog.String("stream_id", string(id)),
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	h.log.Debug("event subscriber connected", slog.String("stream_id", string(id)))
	done := make(chan struct{})
	go readPump(conn, done)
	h.writePump(conn, sub, done, Event{
		Type:   EventStatusChanged,
		Status: st,
		At:     st.UpdatedAt,
	})
	h.log.Debug("event subscriber disconnected", slog.String("stream_id", string(id)))
}

// readPump discards client messages and closes done when the peer goes away
// or stops answering pings.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
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

func (h *Handler) writePump(conn *websocket.Conn, sub *Subscription, done <-chan struct{}, initial Event) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	send := func(ev Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(ev) == nil
	}
	if !send(initial) {
		return
	}
	// The subscription opens before the initial read, so it may replay
	// versions the client already has.
	last := initial.Status.Version

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Type == EventStatusChanged {
				if ev.Status.Version <= last {
					continue
				}
				last = ev.Status.Version
			}
			if !send(ev) {
				return
			}
			if ev.Type == EventStreamDeleted {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream deleted"),
					time.Now().Add(writeWait))
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
