// Package scheduler implements the job scheduler: a priority queue of jobs
// drained by a worker pool, plus a single promoter thread that feeds due
// recurring jobs into the queue on each tick. The worker-pool shape
// generalises from "flush one tree's dirty pages" to "run an arbitrary
// priority-ordered job."
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Priority orders jobs within the queue: LOW < NORMAL < HIGH < CRITICAL,
// ties broken by earliest ScheduledAt.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

// Status is a job's lifecycle state.
type Status int

const (
	Pending Status = iota
	Running
	Succeeded
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Job is one unit of scheduled work. Execute returns true on success; a
// panic or a false return both count as a failure for health tracking.
type Job struct {
	ID          string
	Type        string
	Priority    Priority
	ScheduledAt time.Time
	Execute     func(ctx context.Context) bool
	Description string
	Timeout     time.Duration

	status Status
	mu     sync.Mutex
}

func (j *Job) setStatus(s Status) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

// statusSnapshot reports the job's current lifecycle state.
func (j *Job) statusSnapshot() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// recurring is a named job template the promoter re-schedules on every
// interval tick.
type recurring struct {
	name        string
	interval    time.Duration
	fn          func(ctx context.Context) bool
	description string
	priority    Priority
	nextAt      time.Time
}

// jobHeap orders *Job by (Priority desc, ScheduledAt asc), implementing
// container/heap.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ScheduledAt.Before(h[j].ScheduledAt)
}
func (h jobHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)        { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Config tunes the worker pool and promoter cadence.
type Config struct {
	Workers        int
	PromoteInterval time.Duration
}

// DefaultConfig returns 4 scheduler workers plus 1 promoter thread.
func DefaultConfig() Config {
	return Config{Workers: 4, PromoteInterval: 200 * time.Millisecond}
}

// Scheduler is the priority job queue plus its worker pool and promoter.
type Scheduler struct {
	cfg    Config
	logger *zap.Logger
	limit  *rate.Limiter

	mu        sync.Mutex
	cond      *sync.Cond
	heap      jobHeap
	jobs      map[string]*Job
	recurring map[string]*recurring
	stopped   bool

	succeeded uint64
	failed    uint64

	wg         sync.WaitGroup
	promoteDone chan struct{}
}

// New starts cfg.Workers worker goroutines and one promoter goroutine.
// Call Stop to shut the pool down.
func New(cfg Config, logger *zap.Logger) *Scheduler {
	d := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = d.PromoteInterval
	}

	s := &Scheduler{
		cfg:         cfg,
		logger:      logger,
		jobs:        make(map[string]*Job),
		recurring:   make(map[string]*recurring),
		promoteDone: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	// A promoter-local throttle keeps rapid back-to-back ticks (e.g. a very
	// short PromoteInterval under test) from hammering the job map lock in
	// a tight loop. Promotion only needs to happen on each tick, not at a
	// specific rate, so this is a safety margin, not a correctness
	// requirement.
	s.limit = rate.NewLimiter(rate.Every(time.Millisecond), 1)

	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	go s.promote()
	return s
}

// Schedule enqueues a one-shot job and returns its id.
func (s *Scheduler) Schedule(jobType string, priority Priority, fn func(ctx context.Context) bool, description string, delay, timeout time.Duration) string {
	j := &Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Priority:    priority,
		ScheduledAt: time.Now().Add(delay),
		Execute:     fn,
		Description: description,
		Timeout:     timeout,
		status:      Pending,
	}
	s.mu.Lock()
	s.jobs[j.ID] = j
	heap.Push(&s.heap, j)
	s.cond.Broadcast()
	s.mu.Unlock()
	return j.ID
}

// ScheduleCheckpoint is a named helper for a CRITICAL-priority checkpoint
// run.
func (s *Scheduler) ScheduleCheckpoint(fn func(ctx context.Context) bool) string {
	return s.Schedule("checkpoint", Critical, fn, "checkpoint", 0, 0)
}

// ScheduleVersionPrune is a named helper for the WAL-truncation cleanup
// job.
func (s *Scheduler) ScheduleVersionPrune(fn func(ctx context.Context) bool) string {
	return s.Schedule("version_prune", Low, fn, "wal truncation", 0, 0)
}

// AddRecurring registers name to be re-scheduled every interval; the
// promoter enqueues the first run on its next tick.
func (s *Scheduler) AddRecurring(name string, interval time.Duration, fn func(ctx context.Context) bool, description string, priority Priority) {
	s.mu.Lock()
	s.recurring[name] = &recurring{
		name:        name,
		interval:    interval,
		fn:          fn,
		description: description,
		priority:    priority,
		nextAt:      time.Now(),
	}
	s.mu.Unlock()
}

// Cancel marks a pending job as cancelled; it is a no-op once the job has
// started running.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return false
	}
	if j.statusSnapshot() != Pending {
		return false
	}
	j.setStatus(Cancelled)
	return true
}

// Status returns a job's current lifecycle state.
func (s *Scheduler) Status(jobID string) (Status, bool) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return Pending, false
	}
	return j.statusSnapshot(), true
}

// IsHealthy reports whether the running success rate is at least 99.98%.
// A scheduler that has never run a job is healthy.
func (s *Scheduler) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.succeeded + s.failed
	if total == 0 {
		return true
	}
	return float64(s.succeeded)/float64(total) >= 0.9998
}

// Stop stops the promoter and drains the worker pool, letting any job
// already running finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()

	close(s.promoteDone)
	s.wg.Wait()
}

func (s *Scheduler) promote() {
	t := time.NewTicker(s.cfg.PromoteInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.promoteTick()
		case <-s.promoteDone:
			return
		}
	}
}

func (s *Scheduler) promoteTick() {
	_ = s.limit.Wait(context.Background())
	now := time.Now()

	s.mu.Lock()
	var due []*recurring
	for _, r := range s.recurring {
		if !now.Before(r.nextAt) {
			due = append(due, r)
			r.nextAt = now.Add(r.interval)
		}
	}
	s.mu.Unlock()

	for _, r := range due {
		s.Schedule(r.name, r.priority, r.fn, r.description, 0, 0)
	}
}

func (s *Scheduler) worker(idx int) {
	defer s.wg.Done()
	for {
		j := s.nextJob()
		if j == nil {
			return
		}
		s.run(idx, j)
	}
}

// nextJob blocks until a ready job (ScheduledAt <= now) is available or the
// scheduler is stopped, then pops and returns it. It returns nil once
// stopped with nothing left to drain.
func (s *Scheduler) nextJob() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		now := time.Now()
		if len(s.heap) > 0 && !s.heap[0].ScheduledAt.After(now) {
			j := heap.Pop(&s.heap).(*Job)
			if j.statusSnapshot() == Cancelled {
				continue
			}
			return j
		}
		if s.stopped && len(s.heap) == 0 {
			return nil
		}
		if len(s.heap) > 0 {
			// A job is queued but not yet due; wake up at its deadline
			// instead of spinning.
			wait := s.heap[0].ScheduledAt.Sub(now)
			s.mu.Unlock()
			time.Sleep(wait)
			s.mu.Lock()
			continue
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) run(workerIdx int, j *Job) {
	j.setStatus(Running)

	ctx := context.Background()
	var cancel context.CancelFunc
	if j.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	ok := s.execute(ctx, j)

	s.mu.Lock()
	if ok {
		s.succeeded++
	} else {
		s.failed++
	}
	s.mu.Unlock()

	if ok {
		j.setStatus(Succeeded)
		if s.logger != nil {
			s.logger.Debug("scheduler job succeeded",
				zap.String("job_id", j.ID), zap.String("type", j.Type), zap.Int("worker", workerIdx))
		}
	} else {
		j.setStatus(Failed)
		if s.logger != nil {
			s.logger.Warn("scheduler job failed",
				zap.String("job_id", j.ID), zap.String("type", j.Type), zap.Int("worker", workerIdx))
		}
	}
}

// execute recovers a panicking Execute func as a failure: an exception
// inside execute marks the job FAILED rather than crashing the worker.
func (s *Scheduler) execute(ctx context.Context, j *Job) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			if s.logger != nil {
				s.logger.Error("scheduler job panicked",
					zap.String("job_id", j.ID), zap.Any("panic", r))
			}
			ok = false
		}
	}()
	return j.Execute(ctx)
}
