// Package broker consumes gateway events from RabbitMQ as an alternative to
// direct webhooks: sites that cannot expose the relay publicly point the
// gateway at a queue instead. Consumed events land on the same bus the
// webhook handlers publish to.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/bslsalud/opchat/internal/bus"
	"github.com/bslsalud/opchat/internal/ingest"
	"github.com/bslsalud/opchat/internal/provider"
	"github.com/bslsalud/opchat/internal/store"
)

// Routing keys the gateway publishes under.
const (
	KeyMessages = "gateway.messages"
	KeyStatuses = "gateway.statuses"
)

const maxDialDelay = 60 * time.Second

// DialOptions configures the retrying AMQP dial.
type DialOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *zap.Logger
}

// DialWithRetry connects to RabbitMQ with exponential backoff, honoring
// context cancellation for graceful shutdown.
func DialWithRetry(ctx context.Context, opts DialOptions) (*amqp091.Connection, error) {
	var lastErr error

	for i := 1; i <= opts.RetryAttempts; i++ {
		conn, err := amqp091.Dial(opts.URL)
		if err == nil {
			if i > 1 {
				opts.Logger.Info("broker connected", zap.Int("attempt", i))
			}
			return conn, nil
		}
		lastErr = err

		sleep := opts.Delay * time.Duration(math.Pow(2, float64(i-1)))
		if sleep > maxDialDelay {
			sleep = maxDialDelay
		}
		opts.Logger.Warn("broker dial failed",
			zap.Int("attempt", i),
			zap.Duration("sleep", sleep),
			zap.Error(err))

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.New("dial cancelled: " + ctx.Err().Error())
		case <-timer.C:
		}
	}

	return nil, fmt.Errorf("failed to connect to broker after %d attempts: %w",
		opts.RetryAttempts, lastErr)
}

// Consumer reads gateway events off a topic exchange and republishes them on
// the in-process bus.
type Consumer struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
	bus      *bus.Bus
	logger   *zap.Logger
	msgChan  chan amqp091.Delivery
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewConsumer opens a channel on an established connection and declares the
// topic exchange.
func NewConsumer(conn *amqp091.Connection, exchange string, b *bus.Bus, logger *zap.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &Consumer{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		bus:      b,
		logger:   logger,
		msgChan:  make(chan amqp091.Delivery, 256),
		done:     make(chan struct{}),
	}, nil
}

// Start binds the queue to both routing keys and launches the worker pool.
func (c *Consumer) Start(queueName string) error {
	var startErr error
	c.once.Do(func() {
		if err := c.setupQueue(queueName); err != nil {
			startErr = err
			return
		}
		for i := 0; i < 4; i++ {
			c.wg.Add(1)
			go c.workerLoop()
		}
		c.logger.Info("broker consumer started", zap.String("queue", queueName))
	})
	return startErr
}

func (c *Consumer) setupQueue(queueName string) error {
	if err := c.ch.Qos(10, 0, false); err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for _, key := range []string{KeyMessages, KeyStatuses} {
		if err := c.ch.QueueBind(q.Name, key, c.exchange, false, nil); err != nil {
			return err
		}
	}
	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-c.done:
				close(c.msgChan)
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				c.msgChan <- msg
			}
		}
	}()
	return nil
}

func (c *Consumer) workerLoop() {
	defer c.wg.Done()
	for msg := range c.msgChan {
		var err error
		switch msg.RoutingKey {
		case KeyMessages:
			err = c.handleMessages(msg.Body)
		case KeyStatuses:
			err = c.handleStatuses(msg.Body)
		default:
			c.logger.Warn("no handler for routing key", zap.String("key", msg.RoutingKey))
			_ = msg.Nack(false, false)
			continue
		}
		if err != nil {
			c.logger.Error("broker handler error", zap.String("key", msg.RoutingKey), zap.Error(err))
			_ = msg.Nack(false, true)
		} else {
			_ = msg.Ack(false)
		}
	}
}

// handleMessages decodes a messages payload and publishes each one on the bus.
func (c *Consumer) handleMessages(body []byte) error {
	var wh provider.MessagesWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return fmt.Errorf("decode messages payload: %w", err)
	}

	for _, wm := range wh.Messages {
		raw := wm.Raw()
		key := provider.NumberFromChatID(wm.ChatID)
		if key == "" {
			key = provider.NumberFromChatID(wm.From)
		}
		c.bus.Publish(bus.Event{
			Kind:      bus.KindProviderMessage,
			Timestamp: time.Now(),
			Payload: &store.Message{
				ConversationKey: key,
				MsgID:           raw.ID,
				Direction:       raw.Direction,
				Body:            raw.Body,
				MediaURL:        raw.MediaURL,
				MediaType:       raw.MediaType,
				Status:          raw.Status,
				Timestamp:       wm.Timestamp * 1000,
			},
		})
	}
	return nil
}

// handleStatuses decodes a statuses payload into delivery receipts.
func (c *Consumer) handleStatuses(body []byte) error {
	var wh provider.StatusesWebhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return fmt.Errorf("decode statuses payload: %w", err)
	}

	for _, st := range wh.Statuses {
		c.bus.Publish(bus.Event{
			Kind:      bus.KindProviderStatus,
			Timestamp: time.Now(),
			Payload: &ingest.StatusReceipt{
				ConversationKey: provider.NumberFromChatID(st.RecipientID),
				MsgID:           st.ID,
				Status:          st.Status,
			},
		})
	}
	return nil
}

// Close drains the workers and closes the channel and connection.
func (c *Consumer) Close() error {
	close(c.done)
	c.wg.Wait()
	_ = c.ch.Close()
	return c.conn.Close()
}
