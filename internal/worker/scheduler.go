package worker

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
)

// ErrInvalidInterval is returned when a schedule interval is not positive.
var ErrInvalidInterval = errors.New("warm-up interval must be positive")

// Scheduler runs the warm-up job periodically.
type Scheduler struct {
	scheduler *gocron.Scheduler
	job       *WarmupJob
	interval  time.Duration
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler that runs job every interval.
func NewScheduler(job *WarmupJob, interval time.Duration, logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		job:       job,
		interval:  interval,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules the job, runs it once immediately and returns. Runs never
// overlap; a run still in progress when the next is due is skipped.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		return ErrInvalidInterval
	}

	_, err := s.scheduler.Every(s.interval).SingletonMode().Do(func() {
		s.job.Run(s.ctx)
	})
	if err != nil {
		return err
	}

	s.logger.Info().Dur("interval", s.interval).Msg("warm-up scheduled")
	s.scheduler.StartAsync()
	return nil
}

// Stop cancels any run in progress and stops future runs.
func (s *Scheduler) Stop() {
	s.cancel()
	s.scheduler.Stop()
}
