// Package schedule runs named periodic jobs on cron specs. A job that is
// still running when its next tick fires is skipped rather than stacked.
package schedule

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type Job func(ctx context.Context)

type Scheduler struct {
	cron   *cron.Cron
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	jobs     map[string]Job
	entries  map[string]cron.EntryID
	inflight map[string]struct{}
	started  bool
}

func New(log *zerolog.Logger) *Scheduler {
	l := zerolog.Nop()
	if log != nil {
		l = log.With().Str("component", "schedule").Logger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(),
		log:      l,
		ctx:      ctx,
		cancel:   cancel,
		jobs:     map[string]Job{},
		entries:  map[string]cron.EntryID{},
		inflight: map[string]struct{}{},
	}
}

// Add registers job under name. An empty spec disables the job.
func (s *Scheduler) Add(name, spec string, job Job) error {
	if spec == "" {
		return nil
	}
	s.mu.Lock()
	if _, dup := s.jobs[name]; dup {
		s.mu.Unlock()
		return fmt.Errorf("schedule: job %q already registered", name)
	}
	s.jobs[name] = job
	s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, func() { s.Run(name) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		delete(s.jobs, name)
		return fmt.Errorf("schedule %s %q: %w", name, spec, err)
	}
	s.entries[name] = id
	return nil
}

// Remove unregisters name so it can be added again. A run already in flight
// finishes normally. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	id, ok := s.entries[name]
	delete(s.entries, name)
	delete(s.jobs, name)
	s.mu.Unlock()
	if ok {
		s.cron.Remove(id)
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts the ticker, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Run executes the named job now unless it is already running. It reports
// whether the job ran.
func (s *Scheduler) Run(name string) bool {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, busy := s.inflight[name]; busy {
		s.mu.Unlock()
		s.log.Debug().Str("job", name).Msg("previous run still in flight, skipping")
		return false
	}
	s.inflight[name] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, name)
		s.mu.Unlock()
	}()

	if s.ctx.Err() != nil {
		return false
	}
	job(s.ctx)
	return true
}
