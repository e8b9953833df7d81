package console

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bslsalud/opchat/internal/cache"
	"github.com/bslsalud/opchat/internal/chat"
	"github.com/bslsalud/opchat/internal/config"
	"github.com/bslsalud/opchat/internal/convcache"
	"github.com/bslsalud/opchat/internal/detect"
	"github.com/bslsalud/opchat/internal/notify"
	"github.com/bslsalud/opchat/internal/queue"
	"github.com/bslsalud/opchat/internal/transport"
)

const (
	conversationPageSize = 30
	messagesPerFetch     = 100
	avatarTTL            = 6 * time.Hour
)

// ErrNotLoggedIn is returned by Start before a successful Login.
var ErrNotLoggedIn = errors.New("console: not logged in")

// Session owns every piece of console state: the relay client, the delivery
// queue, the conversation cache, the detector, and the presenter. Nothing
// lives in package globals; tests and multi-account setups create as many
// sessions as they need.
type Session struct {
	cfg       config.Console
	client    *Client
	logger    *zap.Logger
	cache     *convcache.Cache
	detector  *detect.Detector
	presenter *notify.Presenter
	avatars   *cache.TTL[string, string]
	queue     *queue.Queue[transport.Delivery]
	poller    *transport.Poller
	push      *transport.PushSubscriber

	mu       sync.Mutex
	messages map[string][]chat.Message
	counts   map[string]int
	active   string
	onUpdate func(conversationKey string)

	cancel context.CancelFunc
}

// NewSession wires the pipeline around an unauthenticated client. The
// presenter is built by the caller because only the UI knows how to beep and
// retitle its terminal.
func NewSession(cfg config.Console, client *Client, presenter *notify.Presenter, logger *zap.Logger) *Session {
	s := &Session{
		cfg:       cfg,
		client:    client,
		logger:    logger,
		cache:     convcache.New(),
		detector:  detect.New(),
		presenter: presenter,
		avatars:   cache.New[string, string](avatarTTL),
		messages:  make(map[string][]chat.Message),
		counts:    make(map[string]int),
	}
	s.queue = queue.New(s.handleDelivery,
		queue.WithDelay[transport.Delivery](cfg.QueueDelay()),
		queue.WithLogger[transport.Delivery](logger),
	)
	return s
}

// Client returns the underlying relay client.
func (s *Session) Client() *Client { return s.client }

// Cache returns the conversation cache for list rendering.
func (s *Session) Cache() *convcache.Cache { return s.cache }

// Presenter returns the notification presenter.
func (s *Session) Presenter() *notify.Presenter { return s.presenter }

// OnUpdate registers the redraw callback, invoked from the queue goroutine
// after a delivery lands. Must be set before Start.
func (s *Session) OnUpdate(fn func(conversationKey string)) {
	s.onUpdate = fn
}

// SetActive records which conversation the operator has open, or "" for
// none. The poll sweep always refreshes the open conversation; closed ones
// are only fetched when their message count moved.
func (s *Session) SetActive(key string) {
	s.mu.Lock()
	s.active = key
	s.mu.Unlock()
}

// Login authenticates against the relay.
func (s *Session) Login(ctx context.Context, username, password string) error {
	return s.client.Login(ctx, username, password)
}

// Start launches the poller and the push subscriber. Both feed the same
// delivery queue; the queue serializes them with the configured spacing.
func (s *Session) Start(ctx context.Context) error {
	if s.client.Token() == "" {
		return ErrNotLoggedIn
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.poller = transport.NewPoller(s.fetch, s.queue,
		transport.WithPollInterval(s.cfg.PollIntervalDuration()),
		transport.WithPollLogger(s.logger),
	)
	s.poller.Start()

	s.push = transport.NewPushSubscriber(s.client.BaseURL(), s.client.Token(), s.queue,
		transport.WithPushLogger(s.logger),
	)
	go func() {
		if err := s.push.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("push stream ended", zap.Error(err))
		}
	}()

	return nil
}

// Stop tears the transports down. Queued deliveries still drain.
func (s *Session) Stop() {
	if s.poller != nil {
		s.poller.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// Messages returns a copy of the merged message list for a conversation.
func (s *Session) Messages(key string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[key]
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out
}

// AvatarURL returns the cached avatar for a conversation, if any.
func (s *Session) AvatarURL(key string) string {
	u, _ := s.avatars.Get(key)
	return u
}

// SendText queues an outgoing message on the relay. The echo comes back over
// the push stream as an optimistic insert, so nothing is appended here.
func (s *Session) SendText(ctx context.Context, key, body string) (string, error) {
	return s.client.Send(ctx, key, body)
}

// MarkRead clears the unread state for a conversation, locally and on the
// relay.
func (s *Session) MarkRead(ctx context.Context, key string) error {
	return s.client.MarkRead(ctx, key)
}

// Reload fetches a conversation from scratch and resynchronizes the detector
// baseline so the reload itself never fires a notification.
func (s *Session) Reload(ctx context.Context, key string) error {
	detail, err := s.client.GetConversation(ctx, key, messagesPerFetch)
	if err != nil {
		return err
	}
	merged := s.mergeRaws(detail.Messages)

	s.mu.Lock()
	s.messages[key] = merged
	s.mu.Unlock()

	s.cache.ApplyMessages(key, merged)
	s.detector.Resync(key, len(merged))
	s.notifyUpdate(key)
	return nil
}

// fetch is the poller's sweep: one list call, then message details only for
// the open conversation and for conversations whose server-side message count
// moved since the last sweep. A quiet tick costs a single HTTP request.
func (s *Session) fetch(ctx context.Context) ([]transport.Delivery, error) {
	summaries, err := s.client.ListConversations(ctx, conversationPageSize, 0)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	deliveries := make([]transport.Delivery, 0, len(summaries))
	for _, sum := range summaries {
		if sum.ProfilePicture != "" {
			s.avatars.Set(sum.Number, sum.ProfilePicture)
		}

		if sum.Number != active && !s.countMoved(sum.Number, sum.MessageCount) {
			continue
		}

		detail, err := s.client.GetConversation(ctx, sum.Number, messagesPerFetch)
		if err != nil {
			if ctx.Err() != nil {
				return deliveries, ctx.Err()
			}
			s.logger.Warn("conversation fetch failed",
				zap.String("conversation", sum.Number), zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.counts[sum.Number] = sum.MessageCount
		s.mu.Unlock()

		deliveries = append(deliveries, transport.Delivery{
			ConversationKey: sum.Number,
			DisplayName:     detail.Name,
			Messages:        detail.Messages,
		})
	}
	return deliveries, nil
}

// countMoved reports whether a conversation's server-side message count
// differs from the last sweep. Unknown conversations always count as moved.
func (s *Session) countMoved(key string, count int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.counts[key]
	return !ok || last != count
}

// handleDelivery is the queue handler. Poll deliveries replace the
// conversation snapshot; push deliveries append, after the seen-ID check
// drops gateway redeliveries.
func (s *Session) handleDelivery(d transport.Delivery) error {
	key := d.ConversationKey
	if key == "" {
		return nil
	}

	var merged []chat.Message
	if d.Origin == transport.OriginPush {
		fresh := make([]chat.Message, 0, len(d.Messages))
		for _, raw := range d.Messages {
			if !s.detector.ObservePush(key, raw.ID) {
				continue
			}
			fresh = append(fresh, chat.Normalize(raw, chat.SourceProvider))
		}
		if len(fresh) == 0 {
			return nil
		}
		s.mu.Lock()
		merged = append(s.messages[key], fresh...)
		chat.SortMessages(merged)
		s.messages[key] = merged
		s.mu.Unlock()
	} else {
		merged = s.mergeRaws(d.Messages)
		s.mu.Lock()
		s.messages[key] = merged
		s.mu.Unlock()
	}

	if d.DisplayName != "" {
		s.cache.Upsert(key, func(conv *convcache.Conversation) {
			conv.DisplayName = d.DisplayName
		})
	}
	s.cache.ApplyMessages(key, merged)

	res := s.detector.Detect(key, merged)
	if res.ShouldNotify() {
		name := d.DisplayName
		if name == "" {
			if conv, ok := s.cache.Get(key); ok {
				name = conv.DisplayName
			}
		}
		s.presenter.Inbound(key, name, *res.Last)
	}

	s.notifyUpdate(key)
	return nil
}

// mergeRaws splits a relay message list into gateway records and legacy
// portal imports. Imports predate the gateway and carry a sender role
// instead of a direction; they are dropped unless include_stored is set.
func (s *Session) mergeRaws(raws []chat.Raw) []chat.Message {
	var providerRaws, storedRaws []chat.Raw
	for _, raw := range raws {
		if raw.Direction == "" && raw.SenderRole != "" {
			storedRaws = append(storedRaws, raw)
		} else {
			providerRaws = append(providerRaws, raw)
		}
	}
	return chat.Merge(providerRaws, storedRaws, chat.MergeOptions{
		IncludeStored: s.cfg.IncludeStored,
	})
}

func (s *Session) notifyUpdate(key string) {
	if s.onUpdate != nil {
		s.onUpdate(key)
	}
}
