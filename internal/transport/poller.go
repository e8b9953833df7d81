package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is the spacing between poll sweeps.
const DefaultPollInterval = 5 * time.Second

// FetchFunc produces the deliveries for one sweep. It is given a context that
// is cancelled when the poller stops.
type FetchFunc func(ctx context.Context) ([]Delivery, error)

// Poller runs FetchFunc on a fixed wall-clock cadence and enqueues whatever
// it returns. Ticks come from a ticker, not from chaining after completion,
// so a slow fetch does not drift the schedule; a sweep still in flight when
// the next tick fires is simply skipped.
type Poller struct {
	fetch    FetchFunc
	sink     Sink
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	inFlight bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollInterval overrides the sweep cadence.
func WithPollInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithPollLogger sets the logger for sweep failures.
func WithPollLogger(logger *zap.Logger) PollerOption {
	return func(p *Poller) { p.logger = logger }
}

// NewPoller creates a stopped poller.
func NewPoller(fetch FetchFunc, sink Sink, opts ...PollerOption) *Poller {
	p := &Poller{
		fetch:    fetch,
		sink:     sink,
		interval: DefaultPollInterval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling. The first sweep runs immediately so the console has
// data before the first tick. Calling Start on a running poller is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.loop(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	p.sweep(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	p.mu.Lock()
	if p.inFlight {
		p.mu.Unlock()
		p.logger.Debug("poll sweep skipped, previous still running")
		return
	}
	p.inFlight = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight = false
		p.mu.Unlock()
	}()

	deliveries, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("poll sweep failed", zap.Error(err))
		}
		return
	}
	for _, d := range deliveries {
		d.Origin = OriginPoll
		if d.ReceivedAt.IsZero() {
			d.ReceivedAt = time.Now()
		}
		p.sink.Enqueue(d)
	}
}
