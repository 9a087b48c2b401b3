package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/config"
)

// jobTimeout bounds a single scheduled run
const jobTimeout = 2 * time.Minute

// CronService manages scheduled background jobs
type CronService struct {
	cron       *cron.Cron
	saga       *PaymentSagaService
	users      UserStore
	pendingTTL time.Duration
	jobs       config.JobsConfig
	logger     *logrus.Logger
}

// NewCronService creates a new CronService
func NewCronService(saga *PaymentSagaService, users UserStore, jobs config.JobsConfig, pendingTTL time.Duration, loc *time.Location, logger *logrus.Logger) *CronService {
	if loc == nil {
		loc = time.UTC
	}
	// Seconds precision, schedules evaluated in the business timezone
	c := cron.New(cron.WithSeconds(), cron.WithLocation(loc))

	return &CronService{
		cron:       c,
		saga:       saga,
		users:      users,
		pendingTTL: pendingTTL,
		jobs:       jobs,
		logger:     logger,
	}
}

// Start schedules all jobs and starts the scheduler
func (s *CronService) Start() error {
	// Job 1: resolve abandoned checkouts
	if _, err := s.cron.AddFunc(s.jobs.PendingSweepSpec, s.sweepPendingJob); err != nil {
		return fmt.Errorf("failed to schedule pending sweep job: %w", err)
	}
	s.logger.WithField("spec", s.jobs.PendingSweepSpec).Info("Scheduled: abandoned checkout sweep")

	// Job 2: monthly quota reset
	if _, err := s.cron.AddFunc(s.jobs.QuotaResetSpec, s.resetQuotaJob); err != nil {
		return fmt.Errorf("failed to schedule quota reset job: %w", err)
	}
	s.logger.WithField("spec", s.jobs.QuotaResetSpec).Info("Scheduled: monthly quota reset")

	s.cron.Start()
	s.logger.Info("Cron service started")
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *CronService) Stop() {
	s.logger.Info("Stopping cron service...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Cron service stopped")
}

func (s *CronService) sweepPendingJob() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := s.RunPendingSweepNow(ctx); err != nil {
		s.logger.WithError(err).Error("[CRON] Abandoned checkout sweep failed")
	}
}

func (s *CronService) resetQuotaJob() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	startTime := time.Now()
	reset, err := s.users.ResetMonthlyBookings(ctx)
	if err != nil {
		s.logger.WithError(err).Error("[CRON] Monthly quota reset failed")
		return
	}
	s.logger.WithFields(logrus.Fields{
		"users":    reset,
		"duration": time.Since(startTime).String(),
	}).Info("[CRON] Monthly quota reset")
}

// RunPendingSweepNow runs the abandoned checkout sweep immediately
func (s *CronService) RunPendingSweepNow(ctx context.Context) (*SweepReport, error) {
	return s.saga.ExpireAbandoned(ctx, s.pendingTTL)
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	entries := s.cron.Entries()

	jobs := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, map[string]interface{}{
			"id":       entry.ID,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	return map[string]interface{}{
		"running":   len(entries) > 0,
		"job_count": len(entries),
		"jobs":      jobs,
	}
}
