package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/bslsalud/opchat/internal/chat"
)

// Envelope is the relay's websocket frame. Type "message" carries a raw
// message for a conversation; other types are informational.
type Envelope struct {
	Type         string    `json:"type"`
	Conversation string    `json:"conversation,omitempty"`
	DisplayName  string    `json:"display_name,omitempty"`
	Message      *chat.Raw `json:"message,omitempty"`
}

const (
	EnvelopeMessage = "message"
	EnvelopeStatus  = "status"
	EnvelopePing    = "ping"
)

const (
	initialReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
)

// PushSubscriber keeps a websocket open to the relay and enqueues every
// message frame. The read loop never touches the cache or the presenter
// directly; the delivery queue serializes and paces everything downstream.
type PushSubscriber struct {
	relayURL string
	token    string
	sink     Sink
	logger   *zap.Logger
	dial     func(ctx context.Context, u string) (*websocket.Conn, error)
}

// PushOption configures a PushSubscriber.
type PushOption func(*PushSubscriber)

// WithPushLogger sets the logger for connection lifecycle events.
func WithPushLogger(logger *zap.Logger) PushOption {
	return func(s *PushSubscriber) { s.logger = logger }
}

// NewPushSubscriber creates a subscriber for the relay at relayURL
// (http or https base), authenticating with token.
func NewPushSubscriber(relayURL, token string, sink Sink, opts ...PushOption) *PushSubscriber {
	s := &PushSubscriber{
		relayURL: relayURL,
		token:    token,
		sink:     sink,
		logger:   zap.NewNop(),
		dial: func(ctx context.Context, u string) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, u, nil)
			return conn, err
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run connects and reads frames until ctx is cancelled, reconnecting with
// exponential backoff on any connection failure.
func (s *PushSubscriber) Run(ctx context.Context) error {
	wsURL, err := s.endpoint()
	if err != nil {
		return err
	}

	delay := initialReconnectDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := s.dial(ctx, wsURL)
		if err != nil {
			s.logger.Warn("push connect failed", zap.Error(err), zap.Duration("retry_in", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			if delay *= 2; delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}

		delay = initialReconnectDelay
		s.logger.Info("push stream connected")

		err = s.readLoop(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "")
		if errors.Is(err, context.Canceled) {
			return err
		}
		s.logger.Warn("push stream dropped", zap.Error(err))
	}
}

func (s *PushSubscriber) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if env.Type != EnvelopeMessage || env.Message == nil {
			continue
		}
		s.sink.Enqueue(Delivery{
			Origin:          OriginPush,
			ConversationKey: env.Conversation,
			DisplayName:     env.DisplayName,
			Messages:        []chat.Raw{*env.Message},
			ReceivedAt:      time.Now(),
		})
	}
}

// endpoint turns the relay base URL into the websocket endpoint with the
// auth token as a query parameter.
func (s *PushSubscriber) endpoint() (string, error) {
	u, err := url.Parse(s.relayURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("token", s.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
