package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/climateaction/airstream/internal/location"
	"github.com/climateaction/airstream/internal/worker"
)

func TestJobRunner_Handle(t *testing.T) {
	broken := location.MustNormalize(2, 2)

	tests := []struct {
		name      string
		payload   string
		fail      map[location.Key]error
		wantAck   bool
		wantCalls int32
	}{
		{name: "warm-up", payload: `{"job_type":"cache_warmup"}`, wantAck: true, wantCalls: 2},
		{name: "health check", payload: `{"job_type":"health_check"}`, wantAck: true, wantCalls: 1},
		{
			name:      "health check failure is retried",
			payload:   `{"job_type":"health_check"}`,
			fail:      map[location.Key]error{location.MustNormalize(1, 1): errors.New("down")},
			wantAck:   false,
			wantCalls: 1,
		},
		{
			name:      "warm-up with half failing is acknowledged",
			payload:   `{"job_type":"cache_warmup"}`,
			fail:      map[location.Key]error{broken: errors.New("down")},
			wantAck:   true,
			wantCalls: 2,
		},
		{name: "unknown job", payload: `{"job_type":"provider_refresh"}`, wantAck: true},
		{name: "malformed", payload: `not json`, wantAck: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &stubSource{fail: tt.fail}
			job := worker.NewWarmupJob(worker.WarmupJobConfig{
				Config: worker.WarmupConfig{
					Targets:     []worker.WarmupTarget{{Name: "Test", Points: []worker.Point{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}}}},
					Concurrency: 1,
					Timeout:     time.Second,
				},
				Source: source,
				Logger: zerolog.Nop(),
			})
			runner := worker.NewJobRunner(job, zerolog.Nop())

			ack := runner.Handle(context.Background(), []byte(tt.payload), zerolog.Nop())

			assert.Equal(t, tt.wantAck, ack)
			assert.Equal(t, tt.wantCalls, source.calls.Load())
		})
	}
}

func TestJobRunner_WarmupMostlyFailing(t *testing.T) {
	source := &stubSource{fail: map[location.Key]error{
		location.MustNormalize(1, 1): errors.New("down"),
		location.MustNormalize(2, 2): errors.New("down"),
	}}
	job := worker.NewWarmupJob(worker.WarmupJobConfig{
		Config: worker.WarmupConfig{
			Targets:     []worker.WarmupTarget{{Name: "Test", Points: []worker.Point{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}, {Lat: 3, Lon: 3}}}},
			Concurrency: 2,
			Timeout:     time.Second,
		},
		Source: source,
		Logger: zerolog.Nop(),
	})

	ack := worker.NewJobRunner(job, zerolog.Nop()).Handle(context.Background(), []byte(`{"job_type":"cache_warmup"}`), zerolog.Nop())

	assert.False(t, ack)
}
