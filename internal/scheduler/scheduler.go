// Package scheduler fires registered jobs on fixed intervals, gated by
// leadership and per-tick job locks so only one replica executes each tick.
package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"gridpoller/internal/locks"
	"gridpoller/internal/observability/metrics"
)

// JobFunc is one scheduled job body. The tick identifies the firing; the
// same (job id, tick) pair executes at most once across all replicas.
type JobFunc func(ctx context.Context, tick time.Time) error

// Job pairs an identifier with an interval and a body.
type Job struct {
	ID       string
	Interval time.Duration
	Run      JobFunc
}

// Scheduler runs registered jobs on their intervals. Every firing re-checks
// leadership and lock-store health, then claims the per-tick job lock before
// executing; any failure of those gates skips the tick silently.
type Scheduler struct {
	manager *locks.Manager
	logger  *log.Logger

	mu      sync.Mutex
	jobs    []Job
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a scheduler.
func New(manager *locks.Manager, logger *log.Logger) (*Scheduler, error) {
	if manager == nil {
		return nil, errors.New("scheduler: nil lock manager")
	}
	if logger == nil {
		return nil, errors.New("scheduler: nil logger")
	}
	return &Scheduler{manager: manager, logger: logger}, nil
}

// Register adds a job. Jobs registered after Start are picked up on the next
// Start only.
func (s *Scheduler) Register(job Job) error {
	if job.ID == "" {
		return errors.New("scheduler: empty job id")
	}
	if job.Interval <= 0 {
		return errors.New("scheduler: non-positive interval")
	}
	if job.Run == nil {
		return errors.New("scheduler: nil job func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches one timer loop per registered job. Calling Start while
// running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	jobs := make([]Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.runLoop(runCtx, job)
		}(job)
	}
	go func() {
		wg.Wait()
		close(s.done)
	}()
}

// Stop halts all job loops and waits for in-flight ticks. Calling Stop while
// stopped is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.runOnce(ctx, job, now.UTC().Truncate(time.Second))
		}
	}
}

// runOnce executes one gated tick. Job panics and errors are contained here;
// a failed tick never stops future ticks.
func (s *Scheduler) runOnce(ctx context.Context, job Job, tick time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("scheduler: job %s panicked at tick %d: %v", job.ID, tick.Unix(), r)
		}
	}()

	if !s.manager.IsLeader(ctx) {
		metrics.SetLeader(false)
		metrics.IncSkippedTick("not_leader")
		return
	}
	metrics.SetLeader(true)

	if !s.manager.Healthy(ctx) {
		metrics.IncSkippedTick("store_unhealthy")
		s.logger.Printf("scheduler: lock store unhealthy, skipping job %s tick %d", job.ID, tick.Unix())
		return
	}

	acquired, err := s.manager.AcquireJobLock(ctx, job.ID, tick)
	metrics.IncLockAcquire("job", acquired)
	if err != nil {
		s.logger.Printf("scheduler: job lock error for %s tick %d: %v", job.ID, tick.Unix(), err)
		return
	}
	if !acquired {
		metrics.IncSkippedTick("tick_claimed")
		return
	}

	if err := job.Run(ctx, tick); err != nil {
		s.logger.Printf("scheduler: job %s failed at tick %d: %v", job.ID, tick.Unix(), err)
	}
}
