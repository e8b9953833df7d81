// Package outbox drains queued outgoing messages through the gateway.
package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/bslsalud/opchat/internal/bus"
	"github.com/bslsalud/opchat/internal/provider"
	"github.com/bslsalud/opchat/internal/store"
)

// GatewaySender sends messages through the WhatsApp gateway.
type GatewaySender interface {
	SendText(ctx context.Context, to, body string) (providerMsgID string, err error)
	SendMedia(ctx context.Context, to, mediaURL, caption string) (providerMsgID string, err error)
}

// TemplateSender is implemented by gateways that accept pre-approved template
// messages, the only kind deliverable once a conversation's 24h service
// window has closed.
type TemplateSender interface {
	SendTemplate(ctx context.Context, to, templateSID, body string) (providerMsgID string, err error)
}

// Sender drains the outbox and sends messages via the gateway client.
type Sender struct {
	db          *store.DB
	sender      GatewaySender
	bus         *bus.Bus
	logger      *zap.Logger
	templateSID string
	cancel      context.CancelFunc
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithTemplateFallback retries rejected text sends as template messages.
func WithTemplateFallback(templateSID string) SenderOption {
	return func(s *Sender) { s.templateSID = templateSID }
}

// NewSender creates an outbox sender.
func NewSender(db *store.DB, sender GatewaySender, b *bus.Bus, logger *zap.Logger, opts ...SenderOption) *Sender {
	s := &Sender{
		db:     db,
		sender: sender,
		bus:    b,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins polling the outbox for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		// Optimistic insert: show the message in the console immediately.
		now := time.Now().UnixMilli()
		_ = s.db.UpsertMessage(s.optimisticMessage(entry, "sending", now))
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageUpserted,
			Timestamp: time.Now(),
			Payload:   map[string]string{"conversation": entry.ConversationKey, "msg_id": entry.ClientMsgID},
		})

		providerMsgID, err := s.send(ctx, entry)
		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			_ = s.db.UpsertMessage(s.optimisticMessage(entry, "failed", now))
			s.bus.Publish(bus.Event{
				Kind:      bus.KindMessageSendFailed,
				Timestamp: time.Now(),
				Payload: map[string]string{
					"conversation":  entry.ConversationKey,
					"client_msg_id": entry.ClientMsgID,
					"error":         err.Error(),
				},
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, providerMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
		}
		_ = s.db.UpsertMessage(s.optimisticMessage(entry, "sent", now))

		s.logger.Info("message sent",
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("provider_msg_id", providerMsgID))
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendAck,
			Timestamp: time.Now(),
			Payload: map[string]string{
				"conversation":    entry.ConversationKey,
				"client_msg_id":   entry.ClientMsgID,
				"provider_msg_id": providerMsgID,
			},
		})
	}
}

func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) (string, error) {
	if entry.MediaURL != "" {
		return s.sender.SendMedia(ctx, entry.ConversationKey, entry.MediaURL, entry.Body)
	}

	id, err := s.sender.SendText(ctx, entry.ConversationKey, entry.Body)
	if err == nil || s.templateSID == "" {
		return id, err
	}

	// A rejected text usually means the 24h service window has closed; the
	// gateway only accepts pre-approved templates then.
	var apiErr *provider.APIError
	ts, ok := s.sender.(TemplateSender)
	if !ok || !errors.As(err, &apiErr) || apiErr.StatusCode < 400 || apiErr.StatusCode >= 500 {
		return "", err
	}
	s.logger.Info("text rejected, retrying as template",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.Int("status", apiErr.StatusCode))
	return ts.SendTemplate(ctx, entry.ConversationKey, s.templateSID, entry.Body)
}

func (s *Sender) optimisticMessage(entry store.OutboxEntry, status string, ts int64) *store.Message {
	return &store.Message{
		ConversationKey: entry.ConversationKey,
		MsgID:           entry.ClientMsgID,
		Direction:       "outbound",
		SenderRole:      "agente",
		Body:            entry.Body,
		MediaURL:        entry.MediaURL,
		MediaType:       entry.MediaType,
		Status:          status,
		Timestamp:       ts,
	}
}
