package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bslsalud/opchat/internal/assign"
	"github.com/bslsalud/opchat/internal/bus"
	"github.com/bslsalud/opchat/internal/provider"
	"github.com/bslsalud/opchat/internal/store"
)

// DefaultBackfillInterval is the spacing between gateway sweeps.
const DefaultBackfillInterval = time.Minute

const backfillMessagesPerChat = 100

// GatewayLister is the slice of the gateway client the backfiller needs.
type GatewayLister interface {
	ListChats(ctx context.Context) ([]provider.Chat, error)
	ListMessages(ctx context.Context, chatID string, count int) ([]provider.WireMessage, error)
}

// Backfiller periodically pulls the gateway's chat list so the store stays
// complete even when webhooks were down. Contact names and profile pictures
// only exist on this path; webhooks carry neither.
type Backfiller struct {
	client   GatewayLister
	db       *store.DB
	bus      *bus.Bus
	assigner *assign.Assigner
	logger   *zap.Logger
	interval time.Duration
	cancel   context.CancelFunc
}

// BackfillOption configures a Backfiller.
type BackfillOption func(*Backfiller)

// WithBackfillInterval overrides the sweep cadence.
func WithBackfillInterval(d time.Duration) BackfillOption {
	return func(b *Backfiller) { b.interval = d }
}

// NewBackfiller creates a stopped backfiller.
func NewBackfiller(client GatewayLister, db *store.DB, b *bus.Bus, assigner *assign.Assigner, logger *zap.Logger, opts ...BackfillOption) *Backfiller {
	bf := &Backfiller{
		client:   client,
		db:       db,
		bus:      b,
		assigner: assigner,
		logger:   logger,
		interval: DefaultBackfillInterval,
	}
	for _, opt := range opts {
		opt(bf)
	}
	return bf
}

// Start runs one sweep immediately, then on every tick.
func (bf *Backfiller) Start(ctx context.Context) {
	ctx, bf.cancel = context.WithCancel(ctx)

	go func() {
		bf.Sweep(ctx)

		ticker := time.NewTicker(bf.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				bf.Sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop.
func (bf *Backfiller) Stop() {
	if bf.cancel != nil {
		bf.cancel()
	}
}

// Sweep pulls every non-excluded chat, refreshes its display name and
// avatar, and publishes its recent messages as a batch for the engine.
func (bf *Backfiller) Sweep(ctx context.Context) {
	chats, err := bf.client.ListChats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			bf.logger.Warn("backfill chat list failed", zap.Error(err))
		}
		return
	}

	var batch []*store.Message
	for _, ch := range chats {
		number := ch.Number()
		if bf.assigner.IsExcluded(number) {
			continue
		}

		if err := bf.db.UpsertConversation(&store.Conversation{
			Key:         number,
			DisplayName: ch.Name,
			AvatarURL:   ch.ProfilePicture(),
		}); err != nil {
			bf.logger.Warn("backfill conversation upsert failed", zap.Error(err), zap.String("conversation", number))
			continue
		}

		msgs, err := bf.client.ListMessages(ctx, ch.ID, backfillMessagesPerChat)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			bf.logger.Warn("backfill messages failed", zap.Error(err), zap.String("conversation", number))
			continue
		}
		for _, wm := range msgs {
			raw := wm.Raw()
			batch = append(batch, &store.Message{
				ConversationKey: number,
				MsgID:           raw.ID,
				Direction:       raw.Direction,
				Body:            raw.Body,
				MediaURL:        raw.MediaURL,
				MediaType:       raw.MediaType,
				Status:          raw.Status,
				Timestamp:       wm.Timestamp * 1000,
			})
		}
	}

	if len(batch) == 0 {
		return
	}
	bf.bus.Publish(bus.Event{
		Kind:      bus.KindProviderBatch,
		Timestamp: time.Now(),
		Payload:   batch,
	})
	bf.logger.Info("backfill sweep complete", zap.Int("chats", len(chats)), zap.Int("messages", len(batch)))
}
