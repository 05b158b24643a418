package grok

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
)

// Scheduler runs the bot's periodic jobs (due digests, emoji refresh).
// Jobs run in singleton mode, so a slow run delays the next one instead
// of overlapping it.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger

	mu   sync.Mutex
	jobs map[string]gocron.Job
}

func newScheduler(logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		logger:    logger,
		jobs:      map[string]gocron.Job{},
	}, nil
}

func (s *Scheduler) task(ctx context.Context, name string, fn func(ctx context.Context) error) gocron.Task {
	return gocron.NewTask(
		func() {
			if ctx.Err() != nil {
				return
			}
			logger := s.logger.With("job", name)
			start := time.Now()
			if err := fn(WithLogger(ctx, logger)); err != nil {
				logger.ErrorContext(ctx, "job failed", tint.Err(err))
				return
			}
			logger.DebugContext(ctx, "job finished", "elapsed", time.Since(start))
		},
	)
}

func (s *Scheduler) addJob(name string, def gocron.JobDefinition, task gocron.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[name]; ok {
		if err := s.scheduler.RemoveJob(existing.ID()); err != nil {
			return fmt.Errorf("failed to remove job %q: %w", name, err)
		}
		delete(s.jobs, name)
	}

	job, err := s.scheduler.NewJob(
		def,
		task,
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create job %q: %w", name, err)
	}
	s.jobs[name] = job
	return nil
}

// AddCronJob schedules fn on a standard 5-field crontab, replacing any
// job with the same name. ctx is passed to every run.
func (s *Scheduler) AddCronJob(
	ctx context.Context,
	name string,
	crontab string,
	fn func(ctx context.Context) error,
) error {
	if err := s.addJob(name, gocron.CronJob(crontab, false), s.task(ctx, name, fn)); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "scheduled job", "job", name, "crontab", crontab)
	return nil
}

// AddIntervalJob schedules fn every interval, replacing any job with the
// same name
func (s *Scheduler) AddIntervalJob(
	ctx context.Context,
	name string,
	interval time.Duration,
	fn func(ctx context.Context) error,
) error {
	if err := s.addJob(name, gocron.DurationJob(interval), s.task(ctx, name, fn)); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "scheduled job", "job", name, "interval", interval)
	return nil
}

// Jobs returns the names of the scheduled jobs
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Shutdown stops the scheduler, waiting for running jobs to finish
func (s *Scheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}
