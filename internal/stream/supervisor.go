package stream

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/location"
)

// Default poll cycle delays.
const (
	DefaultRefreshInterval = 300 * time.Second
	DefaultRetryInterval   = 5 * time.Second
	DefaultRateLimitDelay  = 30 * time.Second
)

// Fetcher returns a fresh reading for a key, from cache or upstream.
type Fetcher interface {
	Current(ctx context.Context, key location.Key) (*airquality.Reading, airquality.Source, error)
}

// Broadcaster delivers a message to every subscriber of a key.
type Broadcaster interface {
	Broadcast(key location.Key, msg Message) int
}

// CycleState is the state of a poll cycle.
type CycleState int

const (
	CycleIdle CycleState = iota
	CycleRunning
	CycleBackoff
	CycleStopped
)

func (s CycleState) String() string {
	switch s {
	case CycleIdle:
		return "idle"
	case CycleRunning:
		return "running"
	case CycleBackoff:
		return "backoff"
	case CycleStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s CycleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CycleStats describes one poll cycle.
type CycleStats struct {
	Key                 string     `json:"key"`
	State               CycleState `json:"state"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastAttemptAt       time.Time  `json:"lastAttemptAt,omitempty"`
}

type pollCycle struct {
	key    location.Key
	cancel context.CancelFunc
	done   chan struct{}

	mu                  sync.Mutex
	state               CycleState
	consecutiveFailures int
	lastAttemptAt       time.Time
	lastErr             error
}

func (c *pollCycle) setState(state CycleState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *pollCycle) attempt() {
	c.mu.Lock()
	c.state = CycleRunning
	c.lastAttemptAt = time.Now()
	c.mu.Unlock()
}

func (c *pollCycle) succeed() {
	c.mu.Lock()
	c.consecutiveFailures = 0
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *pollCycle) fail(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures++
	c.lastErr = err
	return c.consecutiveFailures
}

func (c *pollCycle) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *pollCycle) stats() CycleStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CycleStats{
		Key:                 c.key.String(),
		State:               c.state,
		ConsecutiveFailures: c.consecutiveFailures,
		LastAttemptAt:       c.lastAttemptAt,
	}
}

// SupervisorConfig holds configuration for the poller supervisor.
type SupervisorConfig struct {
	// Fetcher provides readings (required).
	Fetcher Fetcher

	// Broadcaster delivers results to subscribers (required).
	Broadcaster Broadcaster

	// RefreshInterval is the delay after a successful fetch (default: 300s).
	RefreshInterval time.Duration

	// RetryInterval is the delay after a failed fetch (default: 5s).
	RetryInterval time.Duration

	// RateLimitDelay is the delay after a rate limited fetch when the
	// provider did not advertise one (default: 30s).
	RateLimitDelay time.Duration

	// Logger for supervisor operations.
	Logger zerolog.Logger

	// Metrics records cycle and fetch metrics (optional).
	Metrics *Metrics
}

// Supervisor runs exactly one poll cycle per started location key.
type Supervisor struct {
	fetcher         Fetcher
	broadcaster     Broadcaster
	refreshInterval time.Duration
	retryInterval   time.Duration
	rateLimitDelay  time.Duration
	logger          zerolog.Logger
	metrics         *Metrics

	mu       sync.Mutex
	cycles   map[location.Key]*pollCycle
	stopping map[location.Key]*pollCycle
	closed   bool
	wg       sync.WaitGroup
}

// NewSupervisor creates a new poller supervisor.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	refresh := cfg.RefreshInterval
	if refresh == 0 {
		refresh = DefaultRefreshInterval
	}

	retry := cfg.RetryInterval
	if retry == 0 {
		retry = DefaultRetryInterval
	}

	rateLimit := cfg.RateLimitDelay
	if rateLimit == 0 {
		rateLimit = DefaultRateLimitDelay
	}

	return &Supervisor{
		fetcher:         cfg.Fetcher,
		broadcaster:     cfg.Broadcaster,
		refreshInterval: refresh,
		retryInterval:   retry,
		rateLimitDelay:  rateLimit,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		cycles:          make(map[location.Key]*pollCycle),
		stopping:        make(map[location.Key]*pollCycle),
	}
}

// Start begins the poll cycle for key unless one is already running.
// A cycle that is still winding down from a previous Stop is waited for
// before the new cycle makes its first fetch.
func (s *Supervisor) Start(key location.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if _, ok := s.cycles[key]; ok {
		return
	}

	var prev <-chan struct{}
	if old, ok := s.stopping[key]; ok {
		prev = old.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &pollCycle{
		key:    key,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  CycleIdle,
	}
	s.cycles[key] = c

	s.wg.Add(1)
	go s.run(ctx, c, prev)

	s.metrics.cycleStarted()
	s.logger.Debug().Str("location_key", key.String()).Msg("poll cycle started")
}

// Stop cancels the poll cycle for key, including any pending delay.
func (s *Supervisor) Stop(key location.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cycles[key]
	if !ok {
		return
	}
	delete(s.cycles, key)
	s.stopping[key] = c
	c.cancel()

	s.metrics.cycleStopped()
	s.logger.Debug().Str("location_key", key.String()).Msg("poll cycle stopped")
}

// Running reports whether a poll cycle is active for key.
func (s *Supervisor) Running(key location.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cycles[key]
	return ok
}

// LastError returns the error of the latest poll for key, or nil when the
// latest poll succeeded or no cycle is running.
func (s *Supervisor) LastError(key location.Key) error {
	s.mu.Lock()
	c, ok := s.cycles[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return c.err()
}

// Active returns the number of running poll cycles.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cycles)
}

// Stats returns the state of every running poll cycle, ordered by key.
func (s *Supervisor) Stats() []CycleStats {
	s.mu.Lock()
	cycles := make([]*pollCycle, 0, len(s.cycles))
	for _, c := range s.cycles {
		cycles = append(cycles, c)
	}
	s.mu.Unlock()

	stats := make([]CycleStats, 0, len(cycles))
	for _, c := range cycles {
		stats = append(stats, c.stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}

// Shutdown cancels every poll cycle and waits for them to exit or ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for key, c := range s.cycles {
		delete(s.cycles, key)
		s.stopping[key] = c
		c.cancel()
		s.metrics.cycleStopped()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) run(ctx context.Context, c *pollCycle, prev <-chan struct{}) {
	defer s.wg.Done()
	defer s.exit(c)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	for {
		delay := s.poll(ctx, c)
		if ctx.Err() != nil {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Supervisor) exit(c *pollCycle) {
	c.setState(CycleStopped)

	s.mu.Lock()
	if s.stopping[c.key] == c {
		delete(s.stopping, c.key)
	}
	s.mu.Unlock()

	close(c.done)
}

// poll runs one fetch-or-cache-hit and broadcast, returning the delay before
// the next attempt.
func (s *Supervisor) poll(ctx context.Context, c *pollCycle) time.Duration {
	if ctx.Err() != nil {
		return 0
	}
	c.attempt()

	reading, source, err := s.fetcher.Current(ctx, c.key)
	if ctx.Err() != nil {
		// Stopped while fetching; subscribers are gone.
		return 0
	}

	if err != nil {
		failures := c.fail(err)
		delay := s.failureDelay(err)
		c.setState(CycleBackoff)

		s.metrics.pollFailed(airquality.KindOf(err))
		s.logger.Warn().
			Err(err).
			Str("location_key", c.key.String()).
			Int("consecutive_failures", failures).
			Dur("retry_in", delay).
			Msg("poll failed")

		s.broadcaster.Broadcast(c.key, NewFetchError(c.key, err))
		return delay
	}

	c.succeed()
	s.metrics.pollSucceeded(source)
	n := s.broadcaster.Broadcast(c.key, NewReadingUpdate(c.key, reading))

	s.logger.Debug().
		Str("location_key", c.key.String()).
		Str("source", string(source)).
		Float64("aqi", reading.AQI).
		Int("subscribers", n).
		Msg("reading broadcast")

	return s.refreshInterval
}

func (s *Supervisor) failureDelay(err error) time.Duration {
	if !errors.Is(err, airquality.ErrRateLimited) {
		return s.retryInterval
	}
	if d, ok := airquality.RetryAfterOf(err); ok {
		return d
	}
	return s.rateLimitDelay
}
