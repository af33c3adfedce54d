package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/location"
)

// ReadingSource is a Fetcher that can also answer from its cache alone.
type ReadingSource interface {
	Fetcher
	Cached(ctx context.Context, key location.Key) (*airquality.Reading, bool)
}

// EngineConfig holds configuration for the subscription engine.
type EngineConfig struct {
	// Fetcher provides cache-or-upstream readings (required).
	Fetcher ReadingSource

	// RefreshInterval, RetryInterval and RateLimitDelay configure poll cycles.
	RefreshInterval time.Duration
	RetryInterval   time.Duration
	RateLimitDelay  time.Duration

	// SendTimeout bounds each transport write (default: 5s).
	SendTimeout time.Duration

	// OutboxSize bounds queued messages per subscriber (default: 16).
	OutboxSize int

	// Logger for engine operations.
	Logger zerolog.Logger

	// Metrics records engine metrics (optional).
	Metrics *Metrics
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Clients   int            `json:"clients"`
	Locations int            `json:"locations"`
	Cycles    []CycleStats   `json:"cycles"`
	PerKey    map[string]int `json:"subscribers"`
}

// Engine wires the registry, supervisor and dispatcher into one process-wide
// subscription engine.
type Engine struct {
	fetcher    ReadingSource
	registry   *Registry
	supervisor *Supervisor
	dispatcher *Dispatcher
	logger     zerolog.Logger
	metrics    *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a new subscription engine.
func NewEngine(cfg EngineConfig) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		fetcher: cfg.Fetcher,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}

	e.supervisor = NewSupervisor(SupervisorConfig{
		Fetcher:         cfg.Fetcher,
		Broadcaster:     e,
		RefreshInterval: cfg.RefreshInterval,
		RetryInterval:   cfg.RetryInterval,
		RateLimitDelay:  cfg.RateLimitDelay,
		Logger:          cfg.Logger,
		Metrics:         cfg.Metrics,
	})
	e.registry = NewRegistry(e.supervisor, cfg.OutboxSize)
	e.dispatcher = NewDispatcher(DispatcherConfig{
		Registry:    e.registry,
		SendTimeout: cfg.SendTimeout,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
	})

	return e
}

// Connect registers a client and starts delivering messages to transport.
func (e *Engine) Connect(clientID string, transport Transport) error {
	sub, err := e.registry.Subscribe(clientID, transport)
	if err != nil {
		return err
	}
	e.dispatcher.Attach(sub)
	e.metrics.clientConnected()

	e.logger.Debug().Str("client_id", clientID).Msg("client connected")
	return nil
}

// Disconnect removes a client. It is safe to call more than once.
func (e *Engine) Disconnect(clientID string) {
	if e.registry.Unsubscribe(clientID) {
		e.metrics.clientDisconnected()
		e.logger.Debug().Str("client_id", clientID).Msg("client disconnected")
	}
}

// SetLocation subscribes the client to the key for lat/lon. A client joining
// a key that already has subscribers is sent the cached reading, or the key's
// latest poll error, without contacting the upstream. A new key's poll cycle
// delivers the first reading. Resending the current key does nothing.
func (e *Engine) SetLocation(clientID string, lat, lon float64) (location.Key, error) {
	key, membership, err := e.registry.SetLocation(clientID, lat, lon)
	if err != nil {
		return location.Key{}, err
	}

	if membership == MembershipJoined {
		e.wg.Add(1)
		go e.pushCached(clientID, key)
	}

	e.logger.Debug().
		Str("client_id", clientID).
		Str("location_key", key.String()).
		Stringer("membership", membership).
		Msg("client location set")
	return key, nil
}

// HandleMessage processes an inbound client message. Malformed payloads and
// invalid coordinates are reported to that client only and leave its
// subscription unchanged.
func (e *Engine) HandleMessage(clientID string, data []byte) error {
	lat, lon, err := ParseLocationRequest(data)
	if err != nil {
		e.notify(clientID, NewError(KindInvalidMessage, "expected {\"latitude\": number, \"longitude\": number}"))
		return err
	}

	if _, err := e.SetLocation(clientID, lat, lon); err != nil {
		if errors.Is(err, location.ErrInvalidCoordinate) {
			e.notify(clientID, NewError(KindInvalidCoordinate, err.Error()))
		}
		return err
	}
	return nil
}

// Notify queues msg for a single client.
func (e *Engine) Notify(clientID string, msg Message) error {
	return e.dispatcher.Send(clientID, msg)
}

// Broadcast delivers msg to every subscriber of key.
func (e *Engine) Broadcast(key location.Key, msg Message) int {
	return e.dispatcher.Broadcast(key, msg)
}

// Current returns a fresh reading for key using the same cache and upstream
// deduplication as streaming.
func (e *Engine) Current(ctx context.Context, key location.Key) (*airquality.Reading, error) {
	reading, _, err := e.fetcher.Current(ctx, key)
	return reading, err
}

// Stats returns a snapshot of clients, keys and poll cycles.
func (e *Engine) Stats() Stats {
	rs := e.registry.Stats()
	return Stats{
		Clients:   rs.Clients,
		Locations: rs.Locations,
		Cycles:    e.supervisor.Stats(),
		PerKey:    rs.Subscribers,
	}
}

// Registry returns the engine's subscription registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Supervisor returns the engine's poller supervisor.
func (e *Engine) Supervisor() *Supervisor {
	return e.supervisor
}

// Shutdown stops every poll cycle, disconnects every client and waits for
// engine goroutines to exit or ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()

	// Clients are disconnected even when poll cycles outlive ctx.
	supervisorErr := e.supervisor.Shutdown(ctx)

	for _, sub := range e.registry.Close() {
		e.metrics.clientDisconnected()
		if err := sub.transport.Close(); err != nil {
			e.logger.Debug().Err(err).Str("client_id", sub.clientID).Msg("closing transport")
		}
	}
	if supervisorErr != nil {
		return supervisorErr
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return e.dispatcher.Wait(ctx)
}

// pushCached sends a joining client what the key's cycle already knows. On a
// cache miss with no recorded error the cycle's next broadcast reaches it.
func (e *Engine) pushCached(clientID string, key location.Key) {
	defer e.wg.Done()

	reading, ok := e.fetcher.Cached(e.ctx, key)
	if e.ctx.Err() != nil {
		return
	}

	// The client may have moved on during the lookup.
	if current, found := e.registry.KeyOf(clientID); !found || current != key {
		return
	}

	if ok {
		e.notify(clientID, NewReadingUpdate(key, reading))
		return
	}
	if err := e.supervisor.LastError(key); err != nil {
		e.notify(clientID, NewFetchError(key, err))
	}
}

func (e *Engine) notify(clientID string, msg Message) {
	if err := e.dispatcher.Send(clientID, msg); err != nil && !errors.Is(err, ErrUnknownClient) {
		e.logger.Debug().Err(err).Str("client_id", clientID).Msg("notify failed")
	}
}
