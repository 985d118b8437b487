package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"ledger-api/internal/config"
	"ledger-api/internal/monitoring"
	"ledger-api/internal/repository"
)

type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	locks    repository.LockRepository
	metrics  monitoring.MetricsService
	config   config.SchedulerConfig
	logger   *logrus.Logger
	baseCtx  context.Context
	cancel   context.CancelFunc
	entryIDs map[string]cron.EntryID
}

func NewScheduler(
	jobs *Jobs,
	locks repository.LockRepository,
	metrics monitoring.MetricsService,
	cfg config.SchedulerConfig,
	logger *logrus.Logger,
) *Scheduler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}

	cronLogger := cronLogrus{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		jobs:     jobs,
		locks:    locks,
		metrics:  metrics,
		config:   cfg,
		logger:   logger,
		entryIDs: make(map[string]cron.EntryID),
	}
}

// Start registers the jobs and starts the cron runner. Jobs stop receiving
// new runs once ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx, s.cancel = context.WithCancel(ctx)

	schedules := []struct {
		name    string
		spec    string
		enabled bool
		run     func(context.Context) (int, error)
	}{
		{JobOutboxRelay, every(s.config.OutboxInterval, 5*time.Second), s.jobs.publisher != nil, s.jobs.RelayOutbox},
		{JobExpireDeposits, every(s.config.ExpiryInterval, time.Minute), s.jobs.orders != nil, s.jobs.ExpireDeposits},
		{JobReconcile, s.config.ReconcileSpec, s.jobs.reconciliation != nil, s.jobs.Reconcile},
		{JobFlagStranded, every(s.config.StrandedInterval, 5*time.Minute), s.jobs.orders != nil, s.jobs.FlagStrandedWithdrawals},
	}

	for _, job := range schedules {
		if job.spec == "" || !job.enabled {
			continue
		}
		job := job
		id, err := s.cron.AddFunc(job.spec, func() { s.RunOnce(s.baseCtx, job.name, job.run) })
		if err != nil {
			return fmt.Errorf("failed to schedule %s with %q: %w", job.name, job.spec, err)
		}
		s.entryIDs[job.name] = id
	}

	s.cron.Start()
	s.logger.WithField("jobs", len(s.entryIDs)).Info("Scheduler started")
	return nil
}

// RunOnce runs one job under its Redis lease. A lease held by another
// instance skips the run.
func (s *Scheduler) RunOnce(ctx context.Context, name string, run func(context.Context) (int, error)) {
	if ctx.Err() != nil {
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, s.config.LeaseTTL)
	defer cancel()

	log := s.logger.WithField("job", name)

	if s.locks != nil {
		lock, err := s.locks.AcquireLock(runCtx, "job:"+name, s.config.LeaseTTL)
		if errors.Is(err, repository.ErrLockHeld) {
			log.Debug("Job lease held elsewhere, skipping")
			return
		}
		if err != nil {
			log.WithError(err).Warn("Failed to acquire job lease, skipping")
			return
		}
		defer func() {
			if err := s.locks.ReleaseLock(context.Background(), lock); err != nil {
				log.WithError(err).Warn("Failed to release job lease")
			}
		}()
	}

	start := time.Now()
	processed, err := run(runCtx)
	duration := time.Since(start)

	if s.metrics != nil {
		s.metrics.RecordJobRun(name, err == nil, duration)
	}

	log = log.WithFields(logrus.Fields{
		"processed": processed,
		"duration":  duration.String(),
	})
	if err != nil {
		log.WithError(err).Error("Job run failed")
		return
	}
	if processed > 0 {
		log.Info("Job run completed")
	}
}

// Stop waits for running jobs to finish or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	if s.cancel != nil {
		defer s.cancel()
	}

	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func every(interval, fallback time.Duration) string {
	if interval <= 0 {
		interval = fallback
	}
	return "@every " + interval.String()
}

// cronLogrus adapts logrus to cron.Logger.
type cronLogrus struct {
	logger *logrus.Logger
}

func (l cronLogrus) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogrus) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error("cron: " + msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
