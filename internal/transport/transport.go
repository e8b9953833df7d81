// Package transport feeds the console's delivery queue from the relay. Two
// adapters exist: a wall-clock poller and a websocket push subscriber. Both
// only enqueue; normalization, caching, and detection happen downstream so a
// slow consumer never stalls a read loop.
package transport

import (
	"time"

	"github.com/bslsalud/opchat/internal/chat"
)

// Origin tells the consumer which adapter produced a delivery.
type Origin string

const (
	OriginPoll Origin = "poll"
	OriginPush Origin = "push"
)

// Delivery is one unit of work for the delivery queue: a batch of raw
// messages for a single conversation.
type Delivery struct {
	Origin          Origin
	ConversationKey string
	DisplayName     string
	Messages        []chat.Raw
	ReceivedAt      time.Time
}

// Sink receives deliveries. Enqueue must not block.
type Sink interface {
	Enqueue(Delivery)
}
