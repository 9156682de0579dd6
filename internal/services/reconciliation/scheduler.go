package reconciliation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"payment-orchestration-backend/internal/config"
	"payment-orchestration-backend/internal/models"
	"payment-orchestration-backend/internal/providers"
)

// Submitter queues a reconciliation job.
type Submitter interface {
	Submit(ctx context.Context, req Request) (*models.ReconciliationJob, error)
}

// Scheduler submits a reconciliation of the trailing lookback window over
// every provider on each tick.
type Scheduler struct {
	submitter Submitter
	interval  time.Duration
	lookback  time.Duration
	autoFix   bool
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewScheduler(submitter Submitter, cfg config.ReconciliationConfig, log logrus.FieldLogger) *Scheduler {
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Scheduler{
		submitter: submitter,
		interval:  cfg.Interval,
		lookback:  lookback,
		autoFix:   cfg.AutoFix,
		log:       log.WithField("module", "reconciliation.scheduler"),
		now:       time.Now,
	}
}

// Run blocks until ctx is done. A non-positive interval disables it.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.log.Info("scheduled reconciliation disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	end := s.now().UTC()
	job, err := s.submitter.Submit(ctx, Request{
		Window:      providers.Window{Start: end.Add(-s.lookback), End: end},
		AutoFix:     s.autoFix,
		RequestedBy: "scheduler",
	})
	if err != nil {
		config.LogError(s.log, "reconciliation", "Scheduler.tick", "scheduled reconciliation not submitted", s.lookback.String(), err)
		return
	}
	s.log.WithField("jobId", job.ID).Info("scheduled reconciliation submitted")
}
