// Package ingest persists gateway-originated messages. It subscribes to
// "provider." events on the bus and writes them to the store idempotently,
// so webhook redeliveries and poll overlaps collapse into single rows.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bslsalud/opchat/internal/assign"
	"github.com/bslsalud/opchat/internal/bus"
	"github.com/bslsalud/opchat/internal/chat"
	"github.com/bslsalud/opchat/internal/store"
)

const previewRunes = 50

// StatusReceipt is the payload of a provider.status event.
type StatusReceipt struct {
	ConversationKey string
	MsgID           string
	Status          string
}

// Engine handles idempotent ingestion of messages into the store.
type Engine struct {
	db       *store.DB
	bus      *bus.Bus
	assigner *assign.Assigner
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewEngine creates an ingestion engine.
func NewEngine(db *store.DB, b *bus.Bus, assigner *assign.Assigner, logger *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		bus:      b,
		assigner: assigner,
		logger:   logger,
	}
}

// Start subscribes to gateway events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("provider.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindProviderMessage:
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		if err := e.IngestMessage(msg); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.MsgID))
		}
	case bus.KindProviderBatch:
		msgs, ok := evt.Payload.([]*store.Message)
		if !ok {
			return
		}
		if err := e.IngestBatch(msgs); err != nil {
			e.logger.Error("failed to ingest batch", zap.Error(err), zap.Int("count", len(msgs)))
		} else {
			e.logger.Info("history batch ingested", zap.Int("messages", len(msgs)))
		}
	case bus.KindProviderStatus:
		receipt, ok := evt.Payload.(*StatusReceipt)
		if !ok {
			return
		}
		if err := e.ApplyStatus(receipt); err != nil {
			e.logger.Error("failed to apply status", zap.Error(err), zap.String("msg_id", receipt.MsgID))
		}
	}
}

// IngestMessage processes a single message into the store (idempotent).
// Messages from excluded numbers are dropped before any write.
func (e *Engine) IngestMessage(msg *store.Message) error {
	if e.assigner.IsExcluded(msg.ConversationKey) {
		e.logger.Debug("message from excluded number dropped", zap.String("conversation", msg.ConversationKey))
		return nil
	}

	if _, err := e.assigner.Resolve(msg.ConversationKey); err != nil {
		// Assignment failure must not lose the message.
		e.logger.Warn("could not assign conversation", zap.Error(err), zap.String("conversation", msg.ConversationKey))
	}

	if err := e.db.UpsertConversation(&store.Conversation{
		Key:                msg.ConversationKey,
		LastMessageAt:      msg.Timestamp,
		LastMessagePreview: chat.Truncate(previewOf(msg), previewRunes),
	}); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if err := e.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	if msg.Direction == string(chat.Inbound) {
		if err := e.db.IncrementUnread(msg.ConversationKey); err != nil {
			return fmt.Errorf("increment unread: %w", err)
		}
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation": msg.ConversationKey,
			"msg_id":       msg.MsgID,
		},
	})
	return nil
}

// IngestBatch processes a poll backfill in a single transaction.
func (e *Engine) IngestBatch(msgs []*store.Message) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	count := 0
	for _, m := range msgs {
		if e.assigner.IsExcluded(m.ConversationKey) {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO conversations (key, last_message_at, last_message_preview, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
				last_message_preview = CASE WHEN excluded.last_message_at >= conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
				updated_at = excluded.updated_at`,
			m.ConversationKey, m.Timestamp, chat.Truncate(previewOf(m), previewRunes), now); err != nil {
			return fmt.Errorf("upsert conversation in batch: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_key, msg_id, direction, sender_role, body, media_url, media_type, status, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_key, msg_id) DO UPDATE SET
				body = excluded.body,
				media_url = excluded.media_url,
				media_type = excluded.media_type,
				status = excluded.status`,
			m.ConversationKey, m.MsgID, m.Direction, m.SenderRole, m.Body, m.MediaURL, m.MediaType, m.Status, m.Timestamp, now); err != nil {
			return fmt.Errorf("upsert message in batch: %w", err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.KindIngestBatchDone,
		Timestamp: time.Now(),
		Payload:   map[string]int{"messages_count": count},
	})
	return nil
}

// ApplyStatus records a delivery receipt and republishes it for the relay's
// websocket clients.
func (e *Engine) ApplyStatus(r *StatusReceipt) error {
	if err := e.db.UpdateMessageStatus(r.ConversationKey, r.MsgID, r.Status); err != nil {
		return err
	}
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageStatus,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation": r.ConversationKey,
			"msg_id":       r.MsgID,
			"status":       r.Status,
		},
	})
	return nil
}

func previewOf(m *store.Message) string {
	if m.Body != "" {
		return m.Body
	}
	if m.MediaType != "" {
		return "(" + m.MediaType + ")"
	}
	return "(media)"
}
