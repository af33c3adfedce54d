package stream_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/airquality/cache"
	"github.com/climateaction/airstream/internal/location"
	"github.com/climateaction/airstream/internal/stream"
)

type engineOptions struct {
	refresh   time.Duration
	retry     time.Duration
	rateLimit time.Duration
	noCache   bool
}

func newTestEngine(t *testing.T, provider airquality.Provider, opts engineOptions) *stream.Engine {
	t.Helper()

	if opts.refresh == 0 {
		opts.refresh = time.Hour
	}
	if opts.retry == 0 {
		opts.retry = 10 * time.Millisecond
	}
	if opts.rateLimit == 0 {
		opts.rateLimit = 40 * time.Millisecond
	}

	svcCfg := airquality.ServiceConfig{Provider: provider, Logger: zerolog.Nop()}
	if !opts.noCache {
		svcCfg.Cache = cache.NewMemory(cache.MemoryConfig{})
	}

	metrics, err := stream.NewMetrics()
	require.NoError(t, err)

	engine := stream.NewEngine(stream.EngineConfig{
		Fetcher:         airquality.NewService(svcCfg),
		RefreshInterval: opts.refresh,
		RetryInterval:   opts.retry,
		RateLimitDelay:  opts.rateLimit,
		SendTimeout:     time.Second,
		Logger:          zerolog.Nop(),
		Metrics:         metrics,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, engine.Shutdown(ctx))
	})
	return engine
}

func TestEngine_SubscribeReceivesComputedAQI(t *testing.T) {
	provider := newStubProvider(alwaysPM25(10.0))
	engine := newTestEngine(t, provider, engineOptions{})

	tr := &fakeTransport{}
	require.NoError(t, engine.Connect("client-1", tr))
	require.NoError(t, engine.HandleMessage("client-1", []byte(`{"latitude": 37.7749, "longitude": -122.4194}`)))

	msgs := tr.waitFor(t, stream.MessageReadingUpdate, 1)
	update := msgs[0].msg.Data.(*stream.ReadingUpdate)
	assert.Equal(t, 41.67, update.AQI)
	assert.Equal(t, 10.0, update.Pollutants[airquality.PollutantPM25])
	assert.Equal(t, "37.7749,-122.4194", update.Location.Key)
	assert.Equal(t, 37.7749, update.Location.Lat)
	assert.Equal(t, -122.4194, update.Location.Lon)
}

func TestEngine_NearbySubscribersShareOneFetch(t *testing.T) {
	provider := newStubProvider(alwaysPM25(20))
	provider.delay = 30 * time.Millisecond
	engine := newTestEngine(t, provider, engineOptions{})

	a, b := &fakeTransport{}, &fakeTransport{}
	require.NoError(t, engine.Connect("a", a))
	require.NoError(t, engine.Connect("b", b))

	_, err := engine.SetLocation("a", -1.28641, 36.81722)
	require.NoError(t, err)
	_, err = engine.SetLocation("b", -1.28638, 36.81718)
	require.NoError(t, err)

	a.waitFor(t, stream.MessageReadingUpdate, 1)
	b.waitFor(t, stream.MessageReadingUpdate, 1)

	assert.Equal(t, int32(1), provider.calls.Load())
	assert.Equal(t, int32(1), provider.maxInFlight.Load())
	assert.Equal(t, 1, engine.Supervisor().Active())
}

func TestEngine_JoiningRunningKeyGetsImmediateReading(t *testing.T) {
	provider := newStubProvider(alwaysPM25(35.4))
	engine := newTestEngine(t, provider, engineOptions{})

	first := &fakeTransport{}
	require.NoError(t, engine.Connect("first", first))
	_, err := engine.SetLocation("first", 0.0917, 34.768)
	require.NoError(t, err)
	first.waitFor(t, stream.MessageReadingUpdate, 1)

	late := &fakeTransport{}
	require.NoError(t, engine.Connect("late", late))
	_, err = engine.SetLocation("late", 0.0917, 34.768)
	require.NoError(t, err)

	msgs := late.waitFor(t, stream.MessageReadingUpdate, 1)
	assert.Equal(t, 100.0, msgs[0].msg.Data.(*stream.ReadingUpdate).AQI)
	assert.Equal(t, int32(1), provider.calls.Load(), "the late subscriber is served from cache")
	assert.Len(t, first.ofType(stream.MessageReadingUpdate), 1, "existing subscribers are not re-notified")
}

func TestEngine_LastDisconnectStopsFetching(t *testing.T) {
	provider := newStubProvider(alwaysPM25(5))
	engine := newTestEngine(t, provider, engineOptions{refresh: 15 * time.Millisecond, noCache: true})

	key := location.MustNormalize(-4.0435, 39.6682)
	a, b := &fakeTransport{}, &fakeTransport{}
	require.NoError(t, engine.Connect("a", a))
	require.NoError(t, engine.Connect("b", b))
	_, _ = engine.SetLocation("a", -4.0435, 39.6682)
	_, _ = engine.SetLocation("b", -4.0435, 39.6682)

	require.Eventually(t, func() bool { return provider.callsFor(key) >= 3 }, time.Second, time.Millisecond)

	engine.Disconnect("a")
	assert.True(t, engine.Supervisor().Running(key), "cycle continues while b remains")

	engine.Disconnect("b")
	engine.Disconnect("b")
	assert.False(t, engine.Supervisor().Running(key))

	time.Sleep(10 * time.Millisecond)
	settled := provider.callsFor(key)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, provider.callsFor(key), "no upstream fetch after the last subscriber left")

	// A new subscriber restarts polling.
	c := &fakeTransport{}
	require.NoError(t, engine.Connect("c", c))
	_, _ = engine.SetLocation("c", -4.0435, 39.6682)
	c.waitFor(t, stream.MessageReadingUpdate, 1)
	assert.Greater(t, provider.callsFor(key), settled)
}

func TestEngine_TransportFailureIsolated(t *testing.T) {
	provider := newStubProvider(alwaysPM25(8))
	engine := newTestEngine(t, provider, engineOptions{refresh: 20 * time.Millisecond, noCache: true})

	broken := &fakeTransport{sendErr: errBoom}
	healthy := &fakeTransport{}
	require.NoError(t, engine.Connect("broken", broken))
	require.NoError(t, engine.Connect("healthy", healthy))
	_, _ = engine.SetLocation("broken", 9, 9)
	_, _ = engine.SetLocation("healthy", 9, 9)

	healthy.waitFor(t, stream.MessageReadingUpdate, 3)
	_, ok := engine.Registry().Lookup("broken")
	assert.False(t, ok)
	assert.Equal(t, 1, engine.Stats().Clients)
}

func TestEngine_RateLimitedScenario(t *testing.T) {
	const retryAfter = 60 * time.Millisecond

	provider := newStubProvider(alwaysFail(&airquality.UpstreamError{
		Kind:       airquality.KindRateLimited,
		StatusCode: 429,
		RetryAfter: retryAfter,
	}))
	engine := newTestEngine(t, provider, engineOptions{retry: time.Millisecond})

	tr := &fakeTransport{}
	require.NoError(t, engine.Connect("a", tr))
	_, err := engine.SetLocation("a", 37.7749, -122.4194)
	require.NoError(t, err)

	errs := tr.waitFor(t, stream.MessageError, 3)[:3]
	for i, m := range errs {
		assert.Equal(t, stream.KindRateLimited, m.msg.Data.(*stream.ErrorData).Kind)
		if i > 0 {
			assert.GreaterOrEqual(t, m.at.Sub(errs[i-1].at), retryAfter-10*time.Millisecond,
				"errors must be spaced by the advertised retry-after")
		}
	}
	assert.Empty(t, tr.ofType(stream.MessageReadingUpdate))
}

func TestEngine_RateLimitedWithoutRetryAfterUsesDefault(t *testing.T) {
	provider := newStubProvider(alwaysFail(airquality.NewUpstreamError(airquality.KindRateLimited, nil)))
	engine := newTestEngine(t, provider, engineOptions{retry: time.Millisecond, rateLimit: 50 * time.Millisecond})

	tr := &fakeTransport{}
	require.NoError(t, engine.Connect("a", tr))
	_, _ = engine.SetLocation("a", 1, 1)

	errs := tr.waitFor(t, stream.MessageError, 3)[:3]
	for i := 1; i < len(errs); i++ {
		assert.GreaterOrEqual(t, errs[i].at.Sub(errs[i-1].at), 40*time.Millisecond)
	}
	assert.Empty(t, tr.ofType(stream.MessageReadingUpdate))
}

func TestEngine_RateLimitedKeyIsNotRefetchedByClients(t *testing.T) {
	provider := newStubProvider(alwaysFail(&airquality.UpstreamError{
		Kind:       airquality.KindRateLimited,
		StatusCode: 429,
		RetryAfter: 10 * time.Second,
	}))
	engine := newTestEngine(t, provider, engineOptions{})
	subscribe := []byte(`{"latitude": 40.7128, "longitude": -74.006}`)

	first := &fakeTransport{}
	require.NoError(t, engine.Connect("first", first))
	require.NoError(t, engine.HandleMessage("first", subscribe))
	first.waitFor(t, stream.MessageError, 1)

	for i := 0; i < 20; i++ {
		require.NoError(t, engine.HandleMessage("first", subscribe))
	}

	joiner := &fakeTransport{}
	require.NoError(t, engine.Connect("joiner", joiner))
	require.NoError(t, engine.HandleMessage("joiner", subscribe))

	msgs := joiner.waitFor(t, stream.MessageError, 1)
	assert.Equal(t, stream.KindRateLimited, msgs[0].msg.Data.(*stream.ErrorData).Kind,
		"a joiner sees the cycle's latest error")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), provider.calls.Load(), "only the poll cycle reaches the upstream")
	assert.Len(t, first.ofType(stream.MessageError), 1)
	assert.Len(t, joiner.ofType(stream.MessageError), 1)
}

func TestEngine_ResendingSameLocationIsNoOp(t *testing.T) {
	provider := newStubProvider(alwaysPM25(12))
	engine := newTestEngine(t, provider, engineOptions{})

	tr := &fakeTransport{}
	require.NoError(t, engine.Connect("a", tr))
	require.NoError(t, engine.HandleMessage("a", []byte(`{"latitude": 48.8566, "longitude": 2.3522}`)))
	tr.waitFor(t, stream.MessageReadingUpdate, 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, engine.HandleMessage("a", []byte(`{"latitude": 48.85661, "longitude": 2.35219}`)))
	}

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, tr.messages(), 1)
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestEngine_MoveBetweenKeys(t *testing.T) {
	provider := newStubProvider(alwaysPM25(15))
	engine := newTestEngine(t, provider, engineOptions{})

	k1 := location.MustNormalize(10, 10)
	k2 := location.MustNormalize(20, 20)

	tr := &fakeTransport{}
	require.NoError(t, engine.Connect("a", tr))
	_, _ = engine.SetLocation("a", 10, 10)
	tr.waitFor(t, stream.MessageReadingUpdate, 1)
	assert.True(t, engine.Supervisor().Running(k1))

	key, err := engine.SetLocation("a", 20, 20)
	require.NoError(t, err)
	assert.Equal(t, k2, key)
	assert.False(t, engine.Supervisor().Running(k1))
	assert.True(t, engine.Supervisor().Running(k2))

	msgs := tr.waitFor(t, stream.MessageReadingUpdate, 2)
	assert.Equal(t, k2.String(), msgs[1].msg.Data.(*stream.ReadingUpdate).Location.Key)
	assert.Equal(t, 1, provider.callsFor(k2))
}

func TestEngine_MoveOntoRunningKey(t *testing.T) {
	provider := newStubProvider(alwaysPM25(15))
	engine := newTestEngine(t, provider, engineOptions{})

	k1 := location.MustNormalize(10, 10)
	k2 := location.MustNormalize(20, 20)

	other := &fakeTransport{}
	require.NoError(t, engine.Connect("other", other))
	_, _ = engine.SetLocation("other", 20, 20)
	other.waitFor(t, stream.MessageReadingUpdate, 1)

	tr := &fakeTransport{}
	require.NoError(t, engine.Connect("a", tr))
	_, _ = engine.SetLocation("a", 10, 10)
	tr.waitFor(t, stream.MessageReadingUpdate, 1)

	_, err := engine.SetLocation("a", 20, 20)
	require.NoError(t, err)
	assert.False(t, engine.Supervisor().Running(k1))
	assert.True(t, engine.Supervisor().Running(k2))

	msgs := tr.waitFor(t, stream.MessageReadingUpdate, 2)
	assert.Equal(t, k2.String(), msgs[1].msg.Data.(*stream.ReadingUpdate).Location.Key)
	assert.Equal(t, 1, provider.callsFor(k2), "joining a running key reuses its cached reading")
}

func TestEngine_InvalidInput(t *testing.T) {
	provider := newStubProvider(alwaysPM25(15))
	engine := newTestEngine(t, provider, engineOptions{})

	tr := &fakeTransport{}
	require.NoError(t, engine.Connect("a", tr))
	require.NoError(t, engine.HandleMessage("a", []byte(`{"latitude": 1, "longitude": 1}`)))
	tr.waitFor(t, stream.MessageReadingUpdate, 1)

	tests := []struct {
		name string
		body string
		kind stream.ErrorKind
	}{
		{"not json", `hello`, stream.KindInvalidMessage},
		{"missing longitude", `{"latitude": 1}`, stream.KindInvalidMessage},
		{"string coordinates", `{"latitude": "1", "longitude": "1"}`, stream.KindInvalidMessage},
		{"latitude out of range", `{"latitude": 95, "longitude": 1}`, stream.KindInvalidCoordinate},
		{"longitude out of range", `{"latitude": 1, "longitude": -181}`, stream.KindInvalidCoordinate},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, engine.HandleMessage("a", []byte(tt.body)))
			msgs := tr.waitFor(t, stream.MessageError, i+1)
			assert.Equal(t, tt.kind, msgs[i].msg.Data.(*stream.ErrorData).Kind)

			key, ok := engine.Registry().KeyOf("a")
			require.True(t, ok)
			assert.Equal(t, location.MustNormalize(1, 1), key, "subscription unchanged")
		})
	}
}

func TestEngine_DuplicateConnect(t *testing.T) {
	engine := newTestEngine(t, newStubProvider(alwaysPM25(1)), engineOptions{})

	require.NoError(t, engine.Connect("a", &fakeTransport{}))
	assert.ErrorIs(t, engine.Connect("a", &fakeTransport{}), stream.ErrAlreadySubscribed)
}

func TestEngine_Current(t *testing.T) {
	provider := newStubProvider(alwaysPM25(10))
	engine := newTestEngine(t, provider, engineOptions{})

	reading, err := engine.Current(context.Background(), location.MustNormalize(37.7749, -122.4194))
	require.NoError(t, err)
	assert.Equal(t, 41.67, reading.AQI)

	_, err = engine.Current(context.Background(), location.MustNormalize(37.7749, -122.4194))
	require.NoError(t, err)
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestEngine_StatsAndShutdown(t *testing.T) {
	provider := newStubProvider(alwaysPM25(10))
	engine := newTestEngine(t, provider, engineOptions{})

	transports := make([]*fakeTransport, 3)
	for i := range transports {
		transports[i] = &fakeTransport{}
		id := string(rune('a' + i))
		require.NoError(t, engine.Connect(id, transports[i]))
		_, _ = engine.SetLocation(id, float64(i%2), 0)
	}

	stats := engine.Stats()
	assert.Equal(t, 3, stats.Clients)
	assert.Equal(t, 2, stats.Locations)
	assert.Len(t, stats.Cycles, 2)
	assert.Equal(t, 2, stats.PerKey["0.0000,0.0000"])

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, engine.Shutdown(ctx))

	assert.Equal(t, 0, engine.Supervisor().Active())
	assert.Equal(t, 0, engine.Stats().Clients)
	for _, tr := range transports {
		assert.Equal(t, int32(1), tr.closed.Load())
	}
	assert.ErrorIs(t, engine.Connect("late", &fakeTransport{}), stream.ErrEngineClosed)
}

// stuckSource blocks every fetch until released, ignoring cancellation.
type stuckSource struct {
	calls   atomic.Int32
	release chan struct{}
}

func (s *stuckSource) Current(context.Context, location.Key) (*airquality.Reading, airquality.Source, error) {
	s.calls.Add(1)
	<-s.release
	return nil, "", errBoom
}

func (s *stuckSource) Cached(context.Context, location.Key) (*airquality.Reading, bool) {
	return nil, false
}

func TestEngine_ShutdownClosesClientsWhenCyclesOverrun(t *testing.T) {
	source := &stuckSource{release: make(chan struct{})}
	engine := stream.NewEngine(stream.EngineConfig{
		Fetcher:         source,
		RefreshInterval: time.Hour,
		SendTimeout:     time.Second,
		Logger:          zerolog.Nop(),
	})

	tr := &fakeTransport{}
	require.NoError(t, engine.Connect("a", tr))
	_, err := engine.SetLocation("a", 35.6762, 139.6503)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return source.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, engine.Shutdown(ctx), context.DeadlineExceeded)

	assert.Equal(t, int32(1), tr.closed.Load())
	assert.Equal(t, 0, engine.Stats().Clients)

	close(source.release)
	done, cancelDone := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelDone()
	assert.NoError(t, engine.Shutdown(done))
	assert.Equal(t, 0, engine.Supervisor().Active())
}
