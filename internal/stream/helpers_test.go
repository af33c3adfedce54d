package stream_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/location"
	"github.com/climateaction/airstream/internal/stream"
)

type receivedMessage struct {
	msg stream.Message
	at  time.Time
}

// fakeTransport records delivered messages.
type fakeTransport struct {
	mu       sync.Mutex
	received []receivedMessage
	sendErr  error
	stall    bool
	closed   atomic.Int32
}

func (f *fakeTransport) Send(ctx context.Context, msg stream.Message) error {
	f.mu.Lock()
	stall, sendErr := f.stall, f.sendErr
	f.mu.Unlock()

	if stall {
		<-ctx.Done()
		return ctx.Err()
	}
	if sendErr != nil {
		return sendErr
	}

	f.mu.Lock()
	f.received = append(f.received, receivedMessage{msg: msg, at: time.Now()})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed.Add(1)
	return nil
}

func (f *fakeTransport) messages() []receivedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]receivedMessage, len(f.received))
	copy(out, f.received)
	return out
}

func (f *fakeTransport) ofType(typ stream.MessageType) []receivedMessage {
	var out []receivedMessage
	for _, m := range f.messages() {
		if m.msg.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) waitFor(t *testing.T, typ stream.MessageType, n int) []receivedMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.ofType(typ)) >= n }, 2*time.Second, 2*time.Millisecond,
		"expected %d %s messages", n, typ)
	return f.ofType(typ)
}

// stubProvider is an upstream provider with call accounting.
type stubProvider struct {
	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration

	mu      sync.Mutex
	byKey   map[location.Key]int
	respond func(key location.Key, call int) (*airquality.Reading, error)
}

func newStubProvider(respond func(key location.Key, call int) (*airquality.Reading, error)) *stubProvider {
	return &stubProvider{byKey: make(map[location.Key]int), respond: respond}
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Fetch(_ context.Context, key location.Key) (*airquality.Reading, error) {
	n := p.calls.Add(1)
	cur := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		peak := p.maxInFlight.Load()
		if cur <= peak || p.maxInFlight.CompareAndSwap(peak, cur) {
			break
		}
	}

	p.mu.Lock()
	p.byKey[key]++
	p.mu.Unlock()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return p.respond(key, int(n))
}

func (p *stubProvider) callsFor(key location.Key) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byKey[key]
}

func pm25Reading(pm25 float64) (*airquality.Reading, error) {
	aqi, err := airquality.AQIFromPM25(pm25)
	if err != nil {
		return nil, err
	}
	return &airquality.Reading{
		AQI:        aqi,
		Pollutants: map[airquality.Pollutant]float64{airquality.PollutantPM25: pm25},
		FetchedAt:  time.Now(),
	}, nil
}

func alwaysPM25(pm25 float64) func(location.Key, int) (*airquality.Reading, error) {
	return func(location.Key, int) (*airquality.Reading, error) { return pm25Reading(pm25) }
}

func alwaysFail(err error) func(location.Key, int) (*airquality.Reading, error) {
	return func(location.Key, int) (*airquality.Reading, error) { return nil, err }
}

var errBoom = errors.New("boom")
