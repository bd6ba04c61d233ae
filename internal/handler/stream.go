package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/matthewbaird/leasesync/internal/event"
)

const streamWriteTimeout = 5 * time.Second

// Listener hands out event subscriptions.
type Listener interface {
	Listen() (<-chan event.DomainEvent, func())
}

// StreamHandler pushes domain events to websocket clients as JSON.
// ?categories=device,ticket restricts the stream.
type StreamHandler struct {
	hub Listener
	log *slog.Logger
}

func NewStreamHandler(hub Listener, log *slog.Logger) *StreamHandler {
	if log == nil {
		log = slog.Default()
	}
	return &StreamHandler{hub: hub, log: log}
}

// ServeHTTP upgrades to WebSocket and forwards events until the client
// goes away.
// GET /v1/events
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var categories map[string]bool
	if cats := r.URL.Query().Get("categories"); cats != "" {
		categories = map[string]bool{}
		for _, c := range strings.Split(cats, ",") {
			categories[strings.TrimSpace(c)] = true
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("events: websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()

	events, stop := h.hub.Listen()
	defer stop()

	// Clients never send; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if categories != nil && !categories[evt.Category] {
				continue
			}
			if err := h.write(ctx, conn, evt); err != nil {
				if websocket.CloseStatus(err) == -1 {
					h.log.Debug("events: write failed", "error", err)
				}
				return
			}
		}
	}
}

func (h *StreamHandler) write(ctx context.Context, conn *websocket.Conn, evt event.DomainEvent) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, evt)
}
