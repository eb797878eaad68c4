package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is executed on every tick of a job.
type JobFunc = func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	entryID  cron.EntryID
	run      func()
}

// JobInfo is the public view of a registered job.
type JobInfo struct {
	Name     string
	Interval time.Duration
	LastRun  time.Time
	NextRun  time.Time
}

// Scheduler runs named background jobs on fixed intervals.
type Scheduler struct {
	cron   *cron.Cron
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	jobs map[string]*job
}

// New creates a scheduler. Jobs receive a context that is cancelled by Stop.
func New(logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(),
		logger: logger.With().Str("component", "scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Every registers fn to run every interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	if fn == nil {
		return fmt.Errorf("job %s: function is required", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	registered := &job{name: name, interval: interval}
	registered.run = func() { s.execute(name, fn) }
	registered.entryID = s.cron.Schedule(cron.Every(interval), cron.FuncJob(registered.run))
	s.jobs[name] = registered

	s.logger.Debug().Str("job", name).Dur("interval", interval).Msg("registered scheduled job")
	return nil
}

func (s *Scheduler) execute(name string, fn JobFunc) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error().Str("job", name).Interface("panic", recovered).Msg("scheduled job panicked")
		}
	}()

	start := time.Now()
	if err := fn(s.ctx); err != nil {
		s.logger.Error().Err(err).Str("job", name).Msg("scheduled job failed")
		return
	}
	s.logger.Debug().Str("job", name).Dur("duration", time.Since(start)).Msg("scheduled job completed")
}

// Trigger runs a registered job immediately on the calling goroutine.
func (s *Scheduler) Trigger(name string) error {
	s.mu.RLock()
	registered, ok := s.jobs[name]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("job not found: %s", name)
	}

	s.logger.Info().Str("job", name).Msg("manually triggering job")
	registered.run()
	return nil
}

// Jobs lists registered jobs sorted by name.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]JobInfo, 0, len(s.jobs))
	for _, registered := range s.jobs {
		entry := s.cron.Entry(registered.entryID)
		result = append(result, JobInfo{
			Name:     registered.name,
			Interval: registered.interval,
			LastRun:  entry.Prev,
			NextRun:  entry.Next,
		})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Start begins running registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop cancels job contexts and waits for running jobs until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.logger.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}
