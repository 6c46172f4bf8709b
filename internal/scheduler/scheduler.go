// Package scheduler drives the substrate's background tasks (sync, rotation,
// eviction, reconciliation) under bounded jitter, named mutex groups, and
// per-task circuit breakers.
//
// The circuit breaker is github.com/sony/gobreaker: ReadyToTrip expresses the
// task's maxFailures, Timeout expresses its reset window, and MaxRequests=1
// gives the single half-open trial the model requires. Handlers run on plain
// goroutines armed by time.AfterFunc; they must not CPU-block more than
// briefly, matching the cooperative model the rest of the substrate assumes.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/hollowware/substrate/internal/metrics"
	"github.com/hollowware/substrate/pkg/clock"
	suberrors "github.com/hollowware/substrate/pkg/errors"
	"github.com/hollowware/substrate/pkg/logx"
)

// Status values a task may report.
const (
	StatusIdle        = "idle"
	StatusRunning     = "running"
	StatusCircuitOpen = "circuit_open"
	StatusDisabled    = "disabled"
)

// minDelay is the floor every computed delay is clamped to.
const minDelay = time.Second

// Handler is a scheduled task body. Errors are caught and counted, never
// propagated to other tasks.
type Handler func(ctx context.Context) error

// TaskConfig registers one periodic task.
type TaskConfig struct {
	ID          string
	Name        string
	Interval    time.Duration
	Jitter      time.Duration
	Handler     Handler
	MutexGroup  string
	MaxFailures int
	Reset       time.Duration
}

// TaskStatus is a point-in-time snapshot returned by GetStatus.
type TaskStatus struct {
	ID                  string
	Name                string
	Status              string
	LastRun             *time.Time
	LastSuccess         *time.Time
	ConsecutiveFailures int
}

type task struct {
	cfg      TaskConfig
	breaker  *gobreaker.CircuitBreaker
	timer    *time.Timer
	disabled bool
	running  bool

	lastRun     *time.Time
	lastSuccess *time.Time
}

// Scheduler owns the task registry. It is the single writer to that registry;
// all state is guarded by one internal lock, and handlers run outside it.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	groups  map[string]string
	started bool

	ctx    context.Context
	cancel context.CancelFunc

	clock   clock.Clock
	logger  *logx.Logger
	metrics metrics.Recorder
	rng     *rand.Rand
}

// New constructs an empty Scheduler. The rng seeds from the injected clock so
// jitter is reproducible under a fixed clock in tests.
func New(clk clock.Clock, logger *logx.Logger, rec metrics.Recorder) *Scheduler {
	return &Scheduler{
		tasks:   map[string]*task{},
		groups:  map[string]string{},
		clock:   clk,
		logger:  logger,
		metrics: rec,
		rng:     rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// Register adds a task to the registry. Must be called before Start; a task
// registered after Start is scheduled immediately.
func (s *Scheduler) Register(cfg TaskConfig) error {
	if cfg.ID == "" || cfg.Handler == nil {
		return fmt.Errorf("scheduler: task needs an id and a handler")
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Reset <= 0 {
		cfg.Reset = time.Minute
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[cfg.ID]; exists {
		return fmt.Errorf("scheduler: task %q already registered", cfg.ID)
	}
	t := &task{cfg: cfg, breaker: newBreaker(cfg)}
	s.tasks[cfg.ID] = t
	if s.started {
		s.armLocked(t)
	}
	return nil
}

func newBreaker(cfg TaskConfig) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.ID,
		MaxRequests: 1,
		Timeout:     cfg.Reset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.MaxFailures
		},
	})
}

// Start schedules every enabled task with its initial jittered delay.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return suberrors.ErrAlreadyRunning
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	for _, t := range s.tasks {
		if !t.disabled {
			s.armLocked(t)
		}
	}
	return nil
}

// Stop cancels the run context and stops every pending timer. In-flight
// handlers observe cancellation through their context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	s.cancel()
	for _, t := range s.tasks {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
	}
}

// delayFor computes interval + U(−jitter, +jitter), clamped to >= 1s.
func (s *Scheduler) delayFor(cfg TaskConfig) time.Duration {
	d := cfg.Interval
	if cfg.Jitter > 0 {
		d += time.Duration(s.rng.Int63n(int64(2*cfg.Jitter))) - cfg.Jitter
	}
	if d < minDelay {
		d = minDelay
	}
	return d
}

// armLocked schedules t's next tick. Caller must hold s.mu.
func (s *Scheduler) armLocked(t *task) {
	if !s.started || t.disabled {
		return
	}
	id := t.cfg.ID
	t.timer = time.AfterFunc(s.delayFor(t.cfg), func() {
		s.tick(id)
	})
}

// tick is one scheduled execution attempt: it runs the task, then re-arms it.
func (s *Scheduler) tick(id string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || !s.started || t.disabled {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.runOnce(ctx, t)

	s.mu.Lock()
	s.armLocked(t)
	s.mu.Unlock()
}

// runOnce executes one attempt of t: mutex-group admission, breaker gate,
// handler, bookkeeping. A task whose group is busy skips this attempt and is
// re-armed by its caller rather than blocking.
func (s *Scheduler) runOnce(ctx context.Context, t *task) {
	id := t.cfg.ID

	s.mu.Lock()
	if g := t.cfg.MutexGroup; g != "" {
		if holder, busy := s.groups[g]; busy {
			s.mu.Unlock()
			s.metrics.IncCounter("scheduler_ticks_total", map[string]string{"task": t.cfg.Name, "outcome": "skipped"})
			s.logger.Debug("scheduler: mutex group busy, rescheduled", logx.Fields{"task": t.cfg.Name, "group": g, "holder": holder})
			return
		}
		s.groups[g] = id
	}
	t.running = true
	now := s.clock.Now()
	t.lastRun = &now
	s.mu.Unlock()

	runToken := uuid.NewString()
	_, err := t.breaker.Execute(func() (interface{}, error) {
		return nil, runHandler(ctx, t.cfg.Handler)
	})

	s.mu.Lock()
	t.running = false
	if g := t.cfg.MutexGroup; g != "" && s.groups[g] == id {
		delete(s.groups, g)
	}
	if err == nil {
		done := s.clock.Now()
		t.lastSuccess = &done
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		s.metrics.IncCounter("scheduler_ticks_total", map[string]string{"task": t.cfg.Name, "outcome": "success"})
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		s.metrics.IncCounter("scheduler_ticks_total", map[string]string{"task": t.cfg.Name, "outcome": "circuit_open"})
		s.logger.Debug("scheduler: circuit open, tick skipped", logx.Fields{"task": t.cfg.Name, "run": runToken})
	default:
		s.metrics.IncCounter("scheduler_ticks_total", map[string]string{"task": t.cfg.Name, "outcome": "failure"})
		s.logger.Warn("scheduler: task failed", logx.Fields{"task": t.cfg.Name, "run": runToken, "error": err.Error()})
		if t.breaker.State() == gobreaker.StateOpen {
			s.logger.Info("scheduler: circuit opened", logx.Fields{"task": t.cfg.Name})
		}
	}
}

// runHandler converts a handler panic into an error so a misbehaving task
// counts as a failure instead of taking the process down.
func runHandler(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: handler panic: %v", r)
		}
	}()
	return h(ctx)
}

// Trigger runs the task immediately on the caller's goroutine, subject to the
// same breaker and mutex-group gates as a scheduled tick.
func (s *Scheduler) Trigger(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return suberrors.ErrUnknownTask
	}
	if t.disabled {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.runOnce(ctx, t)
	return nil
}

// Disable gates future runs of the task and stops its pending timer.
func (s *Scheduler) Disable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return suberrors.ErrUnknownTask
	}
	t.disabled = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return nil
}

// Enable re-enables a disabled task, scheduling it if the scheduler is
// started.
func (s *Scheduler) Enable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return suberrors.ErrUnknownTask
	}
	if !t.disabled {
		return nil
	}
	t.disabled = false
	s.armLocked(t)
	return nil
}

// ResetCircuitBreaker clears the task's failure history by replacing its
// breaker with a fresh closed one.
func (s *Scheduler) ResetCircuitBreaker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return suberrors.ErrUnknownTask
	}
	t.breaker = newBreaker(t.cfg)
	return nil
}

// GetStatus returns a snapshot of the task's current state.
func (s *Scheduler) GetStatus(id string) (TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return TaskStatus{}, suberrors.ErrUnknownTask
	}

	status := StatusIdle
	switch {
	case t.disabled:
		status = StatusDisabled
	case t.running:
		status = StatusRunning
	case t.breaker.State() == gobreaker.StateOpen:
		status = StatusCircuitOpen
	}

	return TaskStatus{
		ID:                  t.cfg.ID,
		Name:                t.cfg.Name,
		Status:              status,
		LastRun:             t.lastRun,
		LastSuccess:         t.lastSuccess,
		ConsecutiveFailures: int(t.breaker.Counts().ConsecutiveFailures),
	}, nil
}
