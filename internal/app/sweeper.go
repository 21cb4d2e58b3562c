package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSweepSchedule = "@every 1m"
	sweepTimeout         = 30 * time.Second
)

// ExpirySweeper clears reservations whose TTL has passed. Expired holds are
// already ignored by allocation; sweeping only keeps the rows tidy.
type ExpirySweeper struct {
	repo         SweepRepository
	reservations *ReservationManager
	logger       zerolog.Logger
}

type SweeperOption func(*ExpirySweeper)

func WithSweeperLogger(l zerolog.Logger) SweeperOption {
	return func(s *ExpirySweeper) {
		s.logger = l
	}
}

func NewExpirySweeper(repo SweepRepository, reservations *ReservationManager, opts ...SweeperOption) *ExpirySweeper {
	s := &ExpirySweeper{
		repo:         repo,
		reservations: reservations,
		logger:       log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep clears every expired, unbooked reservation and returns the count.
func (s *ExpirySweeper) Sweep(ctx context.Context) (int, error) {
	if !s.reservations.Enabled() {
		sweepsTotal.WithLabelValues("disabled").Inc()
		return 0, nil
	}

	ctx, span := tracer.Start(ctx, "reservations.Sweep")
	defer span.End()

	n, err := s.repo.ClearExpiredReservations(ctx, s.reservations.Cutoff())
	if err != nil {
		span.RecordError(err)
		sweepsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("sweep expired reservations: %w", err)
	}
	sweepsTotal.WithLabelValues("ok").Inc()
	expiredReservations.Add(float64(n))
	return n, nil
}

// Start runs Sweep on a cron schedule until the returned stop func is
// called. stop's context is done once a running tick has finished.
func (s *ExpirySweeper) Start(schedule string) (stop func() context.Context, err error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{s.logger})))
	if _, err := c.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("schedule sweeper %q: %w", schedule, err)
	}
	c.Start()
	s.logger.Info().Str("schedule", schedule).Msg("reservation sweeper started")
	return c.Stop, nil
}

func (s *ExpirySweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("reservation sweep failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int("cleared", n).Msg("expired reservations cleared")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
