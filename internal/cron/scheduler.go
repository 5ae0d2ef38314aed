package cron

import (
	"context"
	"fmt"
	stdlog "log"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"loom/pkg/logger"
)

// Prompter enqueues one prompt turn on a session. The orchestrator
// satisfies it through an adapter in the serve wiring.
type Prompter interface {
	Prompt(ctx context.Context, sessionID, prompt string) error
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, sessionID, prompt string) error

// Prompt implements Prompter.
func (f PrompterFunc) Prompt(ctx context.Context, sessionID, prompt string) error {
	return f(ctx, sessionID, prompt)
}

// DefaultRunTimeout bounds one run. Enqueueing a prompt is quick; the
// bound exists so a wedged queue cannot pin the scheduler's waitgroup.
const DefaultRunTimeout = time.Minute

// Scheduler drives enabled jobs with robfig/cron. One run enqueues the
// job's prompt; overlapping ticks for the same job are skipped.
type Scheduler struct {
	cron     *robfig.Cron
	jobs     *JobStore
	history  *HistoryStore
	prompter Prompter
	timeout  time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	entries map[string]robfig.EntryID
	running bool

	wg        sync.WaitGroup
	executing sync.Map // job name -> start time
}

// SchedulerOption customises a Scheduler.
type SchedulerOption func(*Scheduler)

// WithRunTimeout bounds each job run.
func WithRunTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewScheduler builds a scheduler over the job and history stores.
func NewScheduler(jobs *JobStore, history *HistoryStore, prompter Prompter, opts ...SchedulerOption) *Scheduler {
	log := *logger.Component("cron")
	s := &Scheduler{
		cron: robfig.New(
			robfig.WithSeconds(),
			robfig.WithLogger(robfig.PrintfLogger(stdlog.New(log, "", 0))),
		),
		jobs:     jobs,
		history:  history,
		prompter: prompter,
		timeout:  DefaultRunTimeout,
		entries:  make(map[string]robfig.EntryID),
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads enabled jobs and begins ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	jobs, err := s.jobs.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	for _, job := range jobs {
		if err := s.addEntryLocked(job.Name, job.Schedule); err != nil {
			s.log.Error().Err(err).Str("job", job.Name).Msg("job not registered")
		}
	}

	s.cron.Start()
	s.running = true
	s.log.Info().Int("jobs", len(s.entries)).Msg("cron scheduler started")
	return nil
}

// Stop halts ticking and waits for in-flight runs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopped := s.cron.Stop()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("cron scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddJob persists a job and registers it when the scheduler runs.
func (s *Scheduler) AddJob(ctx context.Context, create JobCreate) (*Job, error) {
	job, err := s.jobs.Create(ctx, create)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && job.Enabled {
		if err := s.addEntryLocked(job.Name, job.Schedule); err != nil {
			s.log.Error().Err(err).Str("job", job.Name).Msg("job not registered")
		}
	}
	return job, nil
}

// UpdateJob patches a job and re-registers its entry.
func (s *Scheduler) UpdateJob(ctx context.Context, name string, patch JobPatch) (*Job, error) {
	job, err := s.jobs.Update(ctx, name, patch)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeEntryLocked(name)
	if s.running && job.Enabled {
		if err := s.addEntryLocked(job.Name, job.Schedule); err != nil {
			s.log.Error().Err(err).Str("job", job.Name).Msg("job not re-registered")
		}
	}
	return job, nil
}

// RemoveJob unregisters and deletes a job.
func (s *Scheduler) RemoveJob(ctx context.Context, name string) error {
	s.mu.Lock()
	s.removeEntryLocked(name)
	s.mu.Unlock()

	return s.jobs.Delete(ctx, name)
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// addEntryLocked registers one schedule. Caller holds s.mu.
func (s *Scheduler) addEntryLocked(name, schedule string) error {
	normalized, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	id, err := s.cron.AddFunc(normalized, func() { s.runJob(name) })
	if err != nil {
		return fmt.Errorf("add cron entry: %w", err)
	}
	s.entries[name] = id
	return nil
}

// removeEntryLocked drops one schedule if registered. Caller holds s.mu.
func (s *Scheduler) removeEntryLocked(name string) {
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// runJob performs one tick: reload the row, record a history run, and
// enqueue the prompt. A tick that fires while the previous run is still
// in flight is skipped.
func (s *Scheduler) runJob(name string) {
	if _, loaded := s.executing.LoadOrStore(name, time.Now()); loaded {
		s.log.Warn().Str("job", name).Msg("previous run still active, skipping")
		return
	}
	defer s.executing.Delete(name)

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	// Reload: the row may have been edited or disabled since registration.
	job, err := s.jobs.Get(ctx, name)
	if err != nil {
		s.log.Error().Err(err).Str("job", name).Msg("job vanished, skipping run")
		return
	}
	if !job.Enabled {
		return
	}

	runID, err := s.history.Begin(ctx, name)
	if err != nil {
		s.log.Error().Err(err).Str("job", name).Msg("run not recorded")
	}

	s.log.Info().Str("job", name).Str("session", job.SessionID).Msg("running scheduled prompt")

	status, detail := RunSucceeded, ""
	if err := s.prompter.Prompt(ctx, job.SessionID, job.Prompt); err != nil {
		status, detail = RunFailed, err.Error()
		s.log.Error().Err(err).Str("job", name).Msg("scheduled prompt rejected")
	}

	if runID != 0 {
		// Fresh context: the run context may already be past its deadline.
		fctx, fcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer fcancel()
		if err := s.history.Finish(fctx, runID, status, detail); err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("run not finalized")
		}
	}
}
