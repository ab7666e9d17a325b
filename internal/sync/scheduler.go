package sync

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const minBackoff = 5 * time.Second

// Syncer is what the scheduler drives; *Engine implements it.
type Syncer interface {
	Sync(ctx context.Context) error
}

// Scheduler runs Sync periodically and shortly after local changes. Triggers
// arriving while a sync is pending collapse into one, and consecutive runs
// are at least minGap apart. Transient failures back off exponentially up to
// the interval.
type Scheduler struct {
	syncer   Syncer
	interval time.Duration
	limiter  *rate.Limiter
	trigger  chan struct{}
	log      *logrus.Entry
}

func NewScheduler(s Syncer, interval, minGap time.Duration, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if minGap > 0 {
		lim = rate.NewLimiter(rate.Every(minGap), 1)
	}
	return &Scheduler{
		syncer:   s,
		interval: interval,
		limiter:  lim,
		trigger:  make(chan struct{}, 1),
		log:      logger.WithField("component", "scheduler"),
	}
}

// Trigger requests a sync soon. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	var backoff time.Duration
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-s.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		err := s.syncer.Sync(ctx)
		next := s.interval
		switch {
		case err == nil, errors.Is(err, ErrDisabled), errors.Is(err, ErrAbandoned):
			backoff = 0
		case Transient(err):
			backoff = nextBackoff(backoff, s.interval)
			next = backoff
			s.log.WithError(err).WithField("retry_in", backoff).Debug("transient sync failure")
		default:
			backoff = 0
			s.log.WithError(err).Warn("scheduled sync failed")
		}
		timer.Reset(next)
	}
}

func nextBackoff(cur, ceiling time.Duration) time.Duration {
	next := cur * 2
	if next < minBackoff {
		next = minBackoff
	}
	if next > ceiling {
		next = ceiling
	}
	return next
}
