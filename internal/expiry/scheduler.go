// Package expiry drives the time-based maintenance loops: the access-key TTL
// sweep plus the small recurring cleanups other components register, such as
// reject-set pruning and rate-limit bucket sweeps. It wraps gocron; every job
// runs in singleton mode so a slow tick is never overlapped by the next one.
package expiry

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/AerNos/firefrp-server/internal/credential"
)

// SweepInterval is how often live keys are checked against their deadline.
const SweepInterval = 30 * time.Second

// Scheduler owns the recurring jobs of the process.
// The zero value is not usable — create instances with New.
type Scheduler struct {
	cron  gocron.Scheduler
	creds *credential.Service
	log   *zap.Logger
}

// New creates the scheduler. Call Start to begin ticking.
func New(creds *credential.Service, logger *zap.Logger) (*Scheduler, error) {
	c, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("expiry: create gocron scheduler: %w", err)
	}
	return &Scheduler{cron: c, creds: creds, log: logger.Named("expiry")}, nil
}

// Start registers the TTL sweep and starts the underlying scheduler. The
// first sweep runs immediately so a restart catches up on keys whose deadline
// passed while the process was down.
func (s *Scheduler) Start() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(SweepInterval),
		gocron.NewTask(s.sweep),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags("ttl-sweep"),
	)
	if err != nil {
		return fmt.Errorf("expiry: schedule ttl sweep: %w", err)
	}
	s.cron.Start()
	s.log.Info("expiry scheduler started", zap.Duration("interval", SweepInterval))
	return nil
}

// AddMaintenance registers an extra fixed-interval job under the given tag.
// Safe to call before or after Start.
func (s *Scheduler) AddMaintenance(name string, every time.Duration, fn func()) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(fn),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithTags(name),
	)
	if err != nil {
		return fmt.Errorf("expiry: schedule %s: %w", name, err)
	}
	return nil
}

// Stop shuts the scheduler down, waiting for an in-flight tick to complete
// before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("expiry: scheduler shutdown: %w", err)
	}
	s.log.Info("expiry scheduler stopped")
	return nil
}

// sweep is one tick. Per-key failures are handled inside ExpireDue; a tick
// only reports how much work it did.
func (s *Scheduler) sweep() {
	if n := s.creds.ExpireDue(); n > 0 {
		s.log.Info("expired overdue keys", zap.Int("count", n))
	}
}
