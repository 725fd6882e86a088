package settlement

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler triggers the settlement jobs on their cron specs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
}

func NewScheduler(jobs *Jobs, monthlySpec, weeklySpec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{cron: cron.New(), jobs: jobs, logger: logger}
	if _, err := s.cron.AddFunc(monthlySpec, s.runMonthly); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc(weeklySpec, s.runWeekly); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) runMonthly() {
	ctx := context.Background()
	if _, err := s.jobs.MonthlyReset(ctx, ""); err != nil {
		s.logger.ErrorContext(ctx, "monthly reset failed", "module", "earnings.settlement", "error", err)
	}
}

func (s *Scheduler) runWeekly() {
	ctx := context.Background()
	if _, err := s.jobs.WeeklySweep(ctx, ""); err != nil {
		s.logger.ErrorContext(ctx, "weekly sweep failed", "module", "earnings.settlement", "error", err)
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
