// Package service runs the gateway's background maintenance: pruning in-memory security
// state, audit retention and periodic health checks.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GabrielFerla/xp/internal/pkg/metrics"
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	// RunImmediately runs the job once at Start before the first tick.
	RunImmediately bool
	Run            func(ctx context.Context) error
}

// Scheduler runs each registered job on its own ticker goroutine. A failing or panicking
// run is logged and counted; the next tick runs as usual.
type Scheduler struct {
	log *zap.Logger

	mu      sync.Mutex
	jobs    []Job
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{log: log.Named("maintenance")}
}

// Register adds j. Jobs must be registered before Start.
func (s *Scheduler) Register(j Job) error {
	if j.Name == "" || j.Run == nil {
		return errors.New("job requires a name and a run function")
	}
	if j.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", j.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("job %s: scheduler already started", j.Name)
	}
	for _, existing := range s.jobs {
		if existing.Name == j.Name {
			return fmt.Errorf("job %s already registered", j.Name)
		}
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// Start launches every job. It returns immediately; jobs stop on Stop or when ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.log.Info("Starting maintenance job", zap.String("job", j.Name), zap.Duration("interval", j.Interval))
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	return nil
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// RunNow executes the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var job *Job
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			job = &s.jobs[i]
			break
		}
	}
	s.mu.Unlock()
	if job == nil {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(ctx, *job)
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.Name
	}
	return names
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	if j.RunImmediately {
		_ = s.run(ctx, j)
	}
	for {
		select {
		case <-ticker.C:
			_ = s.run(ctx, j)
		case <-ctx.Done():
			s.log.Info("Maintenance job stopped", zap.String("job", j.Name))
			return
		}
	}
}

func (s *Scheduler) run(ctx context.Context, j Job) (err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job %s panicked: %v", j.Name, p)
		}
		duration := time.Since(start)
		metrics.MaintenanceDurationSeconds.WithLabelValues(j.Name).Observe(duration.Seconds())
		if err != nil {
			metrics.MaintenanceRunsTotal.WithLabelValues(j.Name, "error").Inc()
			s.log.Error("Maintenance job failed", zap.String("job", j.Name), zap.Error(err))
			return
		}
		metrics.MaintenanceRunsTotal.WithLabelValues(j.Name, "success").Inc()
		s.log.Debug("Maintenance job completed", zap.String("job", j.Name), zap.Int64("duration_ms", duration.Milliseconds()))
	}()

	s.log.Debug("Running maintenance job", zap.String("job", j.Name))
	return j.Run(ctx)
}
