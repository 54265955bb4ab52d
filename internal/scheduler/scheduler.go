package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultJobTimeout bounds a job run when AddJob is given no timeout.
const DefaultJobTimeout = 30 * time.Minute

// ErrJobRunning is returned by RunNow when the job is already running.
var ErrJobRunning = errors.New("job is already running")

// ErrStopped is returned by RunNow after Stop.
var ErrStopped = errors.New("scheduler is stopped")

// Job represents a scheduled task
type Job func(ctx context.Context) error

type entry struct {
	id      cron.EntryID
	job     Job
	timeout time.Duration
	// running is held for the duration of a run, whether started by a tick
	// or by RunNow.
	running *sync.Mutex
}

// Scheduler manages periodic tasks. A job never runs twice at once: a tick or
// RunNow that finds the job still running is a no-op.
type Scheduler struct {
	cron     *cron.Cron
	timezone *time.Location
	logger   zerolog.Logger

	mu      sync.Mutex
	jobs    map[string]entry
	stopped bool
	// inflight counts runs in progress; Stop waits for it.
	inflight sync.WaitGroup
	// ctx is the parent of every job run; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new scheduler with the given timezone
func New(timezone string, logger zerolog.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", timezone, err)
	}

	logger = logger.With().Str("component", "scheduler").Logger()
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     c,
		timezone: loc,
		logger:   logger,
		jobs:     make(map[string]entry),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// AddJob adds a job with a cron schedule, e.g. "*/30 * * * *". A
// non-positive timeout means DefaultJobTimeout.
func (s *Scheduler) AddJob(name, schedule string, timeout time.Duration, job Job) error {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s is already scheduled", name)
	}

	e := entry{job: job, timeout: timeout, running: &sync.Mutex{}}
	tick := e
	entryID, err := s.cron.AddFunc(schedule, func() {
		if err := s.execute(s.ctx, name, tick); errors.Is(err, ErrJobRunning) {
			s.logger.Info().Str("job", name).Msg("previous run still in progress, skipping tick")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}

	e.id = entryID
	s.jobs[name] = e
	s.logger.Info().Str("job", name).Str("schedule", schedule).Msg("added job")
	return nil
}

func (s *Scheduler) execute(parent context.Context, name string, e entry) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if !e.running.TryLock() {
		s.mu.Unlock()
		return ErrJobRunning
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()
	defer e.running.Unlock()

	ctx, cancel := context.WithTimeout(parent, e.timeout)
	defer cancel()

	logger := s.logger.With().Str("job", name).Logger()
	logger.Info().Msg("starting job")
	start := time.Now()

	err := e.job(ctx)
	if err != nil {
		logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("job failed")
		return err
	}
	logger.Info().Dur("elapsed", time.Since(start)).Msg("job completed")
	return nil
}

// RemoveJob removes a scheduled job
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.jobs[name]; ok {
		s.cron.Remove(e.id)
		delete(s.jobs, name)
		s.logger.Info().Str("job", name).Msg("removed job")
	}
}

// Start begins running scheduled jobs
func (s *Scheduler) Start() {
	s.logger.Info().Str("timezone", s.timezone.String()).Msg("starting scheduler")
	s.cron.Start()
}

// Stop halts the scheduler and cancels running jobs, including those started
// by RunNow. The returned context is done once they have all returned.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info().Msg("stopping scheduler")
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	cronDone := s.cron.Stop()

	ctx, done := context.WithCancel(context.Background())
	go func() {
		<-cronDone.Done()
		s.inflight.Wait()
		done()
	}()
	return ctx
}

// RunNow immediately executes a scheduled job under ctx. It returns
// ErrJobRunning without running the job when a run is already in progress.
// Stop cancels the run as it would a scheduled one.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job: %s", name)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return s.execute(ctx, name, e)
}

// ListJobs returns info about scheduled jobs, sorted by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, e := range s.jobs {
		ce := s.cron.Entry(e.id)
		infos = append(infos, JobInfo{
			Name:    name,
			NextRun: ce.Next,
			LastRun: ce.Prev,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// JobInfo contains information about a scheduled job
type JobInfo struct {
	Name    string    `json:"name"`
	NextRun time.Time `json:"next_run"`
	LastRun time.Time `json:"last_run"`
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
