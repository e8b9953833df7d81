package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bslsalud/opchat/internal/broker"
	"github.com/bslsalud/opchat/internal/bus"
	"github.com/bslsalud/opchat/internal/config"
)

// Broker runs the optional AMQP consumer. When no broker URL is configured
// the relay relies on HTTP webhooks alone and Start is a no-op.
type Broker struct {
	cfg    config.Broker
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	consumer *broker.Consumer
	cancel   context.CancelFunc
}

func provideBroker(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *Broker {
	return &Broker{cfg: cfg.Broker, bus: b, logger: logger}
}

// Start dials the broker in the background so a slow or absent RabbitMQ
// never delays daemon startup. The retrying dial gives up after a while and
// the daemon keeps serving webhooks.
func (r *Broker) Start(ctx context.Context) {
	if r.cfg.URL == "" {
		r.logger.Info("no broker configured, webhook delivery only")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	go func() {
		conn, err := broker.DialWithRetry(ctx, broker.DialOptions{
			URL:           r.cfg.URL,
			RetryAttempts: 10,
			Delay:         time.Second,
			Logger:        r.logger,
		})
		if err != nil {
			r.logger.Error("broker unavailable, continuing without it", zap.Error(err))
			return
		}

		c, err := broker.NewConsumer(conn, r.cfg.Exchange, r.bus, r.logger)
		if err != nil {
			r.logger.Error("broker channel setup failed", zap.Error(err))
			_ = conn.Close()
			return
		}
		if err := c.Start(r.cfg.Queue); err != nil {
			r.logger.Error("broker consume failed", zap.Error(err))
			_ = c.Close()
			return
		}

		r.mu.Lock()
		r.consumer = c
		r.mu.Unlock()
	}()
}

// Stop closes the consumer if one came up.
func (r *Broker) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
	if r.consumer != nil {
		if err := r.consumer.Close(); err != nil {
			r.logger.Warn("broker close error", zap.Error(err))
		}
		r.consumer = nil
	}
}
