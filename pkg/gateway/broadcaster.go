package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// EventBroadcaster fans events out to authenticated clients
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     atomic.Int64
}

// NewEventBroadcaster creates a broadcaster over clients
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{clients: clients, logger: logger}
}

// Broadcast sends event with data
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastTyped(EventMessage{Event: event, Data: data})
}

// BroadcastTyped sends msg, filling in type, sequence and timestamp
func (b *EventBroadcaster) BroadcastTyped(msg EventMessage) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.seq.Add(1)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", msg.Event).Int64("seq", msg.Seq).Msg("Failed to marshal event")
		return
	}

	clients := b.clients.GetAuthenticatedClients()
	if len(clients) == 0 {
		b.logger.Debug().Str("event", msg.Event).Int64("seq", msg.Seq).Msg("No clients to broadcast to")
		return
	}

	sent, failed := 0, 0
	for _, c := range clients {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.logger.Warn().Err(err).Str("client_id", c.ID).Str("event", msg.Event).Msg("Failed to broadcast to client")
			failed++
			continue
		}
		sent++
	}

	b.logger.Debug().
		Str("event", msg.Event).
		Str("store", msg.Store).
		Int64("seq", msg.Seq).
		Int("sent", sent).
		Int("failed", failed).
		Msg("Event broadcast complete")
}
