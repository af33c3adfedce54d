package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/climateaction/airstream/internal/location"
)

// DefaultSendTimeout bounds a single transport write.
const DefaultSendTimeout = 5 * time.Second

// DispatcherConfig holds configuration for the broadcast dispatcher.
type DispatcherConfig struct {
	// Registry provides subscriber snapshots and removal (required).
	Registry *Registry

	// SendTimeout bounds each transport write (default: 5s).
	SendTimeout time.Duration

	// Logger for dispatcher operations.
	Logger zerolog.Logger

	// Metrics records delivery failures (optional).
	Metrics *Metrics
}

// Dispatcher delivers messages to subscribers. Each subscriber has a bounded
// outbox drained by its own writer goroutine, so a slow or broken transport
// never delays delivery to anyone else. A subscriber whose outbox overflows
// or whose transport fails is removed from the registry and closed.
type Dispatcher struct {
	registry    *Registry
	sendTimeout time.Duration
	logger      zerolog.Logger
	metrics     *Metrics

	wg sync.WaitGroup
}

// NewDispatcher creates a new broadcast dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	timeout := cfg.SendTimeout
	if timeout == 0 {
		timeout = DefaultSendTimeout
	}

	return &Dispatcher{
		registry:    cfg.Registry,
		sendTimeout: timeout,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// Attach starts the writer goroutine for sub.
func (d *Dispatcher) Attach(sub *Subscriber) {
	d.wg.Add(1)
	go d.write(sub)
}

// Broadcast queues msg for every subscriber of key and returns how many
// subscribers accepted it.
func (d *Dispatcher) Broadcast(key location.Key, msg Message) int {
	delivered := 0
	for _, sub := range d.registry.Subscribers(key) {
		if d.enqueue(sub, msg) {
			delivered++
		}
	}
	return delivered
}

// Send queues msg for a single client.
func (d *Dispatcher) Send(clientID string, msg Message) error {
	sub, ok := d.registry.Lookup(clientID)
	if !ok {
		return ErrUnknownClient
	}
	if !d.enqueue(sub, msg) {
		return ErrOutboxFull
	}
	return nil
}

// Wait blocks until every writer goroutine has exited or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) enqueue(sub *Subscriber, msg Message) bool {
	select {
	case <-sub.quit:
		return false
	default:
	}

	select {
	case sub.outbox <- msg:
		return true
	default:
		d.fail(sub, ErrOutboxFull)
		return false
	}
}

func (d *Dispatcher) write(sub *Subscriber) {
	defer d.wg.Done()

	for {
		select {
		case <-sub.quit:
			return
		case msg := <-sub.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
			err := sub.transport.Send(ctx, msg)
			cancel()
			if err != nil {
				d.fail(sub, err)
				return
			}
		}
	}
}

// fail removes sub after a delivery failure. The client is not notified.
func (d *Dispatcher) fail(sub *Subscriber, err error) {
	if !d.registry.remove(sub) {
		return
	}

	reason := "send_error"
	switch {
	case errors.Is(err, ErrOutboxFull):
		reason = "outbox_full"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "send_timeout"
	}

	d.metrics.deliveryFailed(reason)
	d.metrics.clientDisconnected()
	d.logger.Info().
		Err(err).
		Str("client_id", sub.clientID).
		Str("reason", reason).
		Msg("removing subscriber after delivery failure")

	if err := sub.transport.Close(); err != nil {
		d.logger.Debug().Err(err).Str("client_id", sub.clientID).Msg("closing transport")
	}
}
