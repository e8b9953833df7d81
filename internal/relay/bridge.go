package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/bslsalud/opchat/internal/bus"
	"github.com/bslsalud/opchat/internal/store"
	"github.com/bslsalud/opchat/internal/transport"
)

// Bridge forwards bus events to the websocket hub so consoles hear about new
// messages without waiting for their next poll.
type Bridge struct {
	db     *store.DB
	bus    *bus.Bus
	hub    *Hub
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewBridge creates a bus-to-hub bridge.
func NewBridge(db *store.DB, b *bus.Bus, hub *Hub, logger *zap.Logger) *Bridge {
	return &Bridge{
		db:     db,
		bus:    b,
		hub:    hub,
		logger: logger,
	}
}

// Start subscribes to message and conversation events.
func (br *Bridge) Start(ctx context.Context) {
	ctx, br.cancel = context.WithCancel(ctx)
	msgCh, unsubMsg := br.bus.Subscribe("message.", 256)
	convCh, unsubConv := br.bus.Subscribe("conversation.", 64)

	go func() {
		defer unsubMsg()
		defer unsubConv()
		for {
			select {
			case evt := <-msgCh:
				br.handleMessageEvent(evt)
			case evt := <-convCh:
				br.handleConversationEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the bridge.
func (br *Bridge) Stop() {
	if br.cancel != nil {
		br.cancel()
	}
}

func (br *Bridge) handleMessageEvent(evt bus.Event) {
	payload, ok := evt.Payload.(map[string]string)
	if !ok {
		return
	}
	key := payload["conversation"]
	if key == "" {
		return
	}

	switch evt.Kind {
	case bus.KindMessageUpserted:
		msgID := payload["msg_id"]
		env := transport.Envelope{Type: transport.EnvelopeMessage, Conversation: key}

		conv, err := br.db.GetConversation(key)
		if err == nil && conv != nil {
			env.DisplayName = conv.DisplayName
		}
		if msg := br.lookupMessage(key, msgID); msg != nil {
			raw := storedRaw(*msg)
			env.Message = &raw
		}
		br.broadcast(key, env)
	case bus.KindMessageStatus, bus.KindMessageSendAck, bus.KindMessageSendFailed:
		br.broadcast(key, transport.Envelope{Type: transport.EnvelopeStatus, Conversation: key})
	}
}

func (br *Bridge) handleConversationEvent(evt bus.Event) {
	payload, ok := evt.Payload.(map[string]string)
	if !ok {
		return
	}
	if key := payload["conversation"]; key != "" {
		br.broadcast(key, transport.Envelope{Type: transport.EnvelopeStatus, Conversation: key})
	}
}

// broadcast routes an envelope to the agent assigned to the conversation.
// Unassigned conversations go to everyone so nothing is silently lost.
func (br *Bridge) broadcast(conversationKey string, env transport.Envelope) {
	a, err := br.db.GetAssignment(conversationKey)
	if err != nil {
		br.logger.Warn("assignment lookup failed", zap.Error(err), zap.String("conversation", conversationKey))
		return
	}
	if a == nil {
		br.hub.BroadcastAll(env)
		return
	}
	br.hub.BroadcastToAgent(a.Agent, env)
}

func (br *Bridge) lookupMessage(key, msgID string) *store.Message {
	if msgID == "" {
		return nil
	}
	msgs, err := br.db.ListMessages(key, 0, 200)
	if err != nil {
		return nil
	}
	for i := range msgs {
		if msgs[i].MsgID == msgID {
			return &msgs[i]
		}
	}
	return nil
}
