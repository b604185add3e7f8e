package events

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultStreamBuffer = 32
	streamWriteTimeout  = 5 * time.Second
	streamPingInterval  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // display clients run on the operator station
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// StreamHandler serves bus events to websocket clients as JSON, one event
// per text message. Each connection is a bus subscriber with its own
// buffer, so a slow client only loses its own events.
type StreamHandler struct {
	bus    Bus
	buffer int
	seq    atomic.Uint64
}

// NewStreamHandler returns a websocket handler backed by bus
func NewStreamHandler(bus Bus) *StreamHandler {
	return &StreamHandler{bus: bus, buffer: defaultStreamBuffer}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("events: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	id := fmt.Sprintf("ws-%d", h.seq.Add(1))
	ch := make(chan Event, h.buffer)
	if err := h.bus.Subscribe(id, ch); err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		return
	}
	defer h.bus.Unsubscribe(id)

	slog.Info("events: stream client connected", "subscriber", id, "remote", r.RemoteAddr)

	// Clients never send anything; reading only detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			slog.Info("events: stream client disconnected", "subscriber", id)
			return

		case ev := <-ch:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("events: stream write failed", "subscriber", id, "error", err)
				return
			}

		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
