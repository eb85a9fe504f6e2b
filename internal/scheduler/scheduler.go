package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"token-alerts/internal/metrics"
)

// TaskFunc is invoked on every interval.
type TaskFunc func(ctx context.Context, tick time.Time) error

// State is the lifecycle phase of a scheduled task.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options tune scheduler behaviour.
type Options struct {
	Name         string
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	RunOnStart   bool
	Timeout      time.Duration
}

// Snapshot is a point-in-time view of one scheduler.
type Snapshot struct {
	Name         string    `json:"name"`
	State        string    `json:"state"`
	Interval     string    `json:"interval"`
	Runs         uint64    `json:"runs"`
	Failures     uint64    `json:"failures"`
	Skipped      uint64    `json:"skipped"`
	LastStarted  time.Time `json:"last_started,omitempty"`
	LastFinished time.Time `json:"last_finished,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Scheduler drives one periodic task. A tick that arrives while the previous
// run is still in flight is skipped, never queued.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger

	state    atomic.Int32
	runs     atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64
	wg       sync.WaitGroup

	mu           sync.Mutex
	lastStarted  time.Time
	lastFinished time.Time
	lastErr      string
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Name == "" {
		opts.Name = "task"
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Str("task", opts.Name).Logger(),
	}
}

// Name returns the task name.
func (s *Scheduler) Name() string { return s.opts.Name }

// State returns the current lifecycle phase.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Snapshot returns counters and the last run outcome.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Name:         s.opts.Name,
		State:        s.State().String(),
		Interval:     s.opts.Interval.String(),
		Runs:         s.runs.Load(),
		Failures:     s.failures.Load(),
		Skipped:      s.skipped.Load(),
		LastStarted:  s.lastStarted,
		LastFinished: s.lastFinished,
		LastError:    s.lastErr,
	}
}

// Run blocks, invoking task at each interval until ctx is cancelled. It waits
// for an in-flight run to return before exiting.
func (s *Scheduler) Run(ctx context.Context, task TaskFunc) error {
	defer s.wg.Wait()

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunOnStart {
		s.launch(ctx, task, time.Now().UTC())
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		s.launch(ctx, task, s.bucketStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) launch(ctx context.Context, task TaskFunc, tick time.Time) {
	// Failed only lasts until the next tick.
	s.state.CompareAndSwap(int32(StateFailed), int32(StateIdle))
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		s.skipped.Add(1)
		metrics.CyclesSkipped.WithLabelValues(s.opts.Name).Inc()
		s.logger.Warn().Time("tick", tick).Msg("previous run still in flight, tick skipped")
		return
	}

	s.mu.Lock()
	s.lastStarted = time.Now().UTC()
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.execute(ctx, task, tick)
		s.finish(tick, err)
	}()
}

func (s *Scheduler) execute(ctx context.Context, task TaskFunc, tick time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("scheduler_" + s.opts.Name).Inc()
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		metrics.CycleDuration.WithLabelValues(s.opts.Name).Observe(time.Since(start).Seconds())
	}()

	s.logger.Debug().Time("tick", tick).Msg("executing scheduled tick")
	return task(ctx, tick)
}

func (s *Scheduler) finish(tick time.Time, err error) {
	s.runs.Add(1)
	s.mu.Lock()
	s.lastFinished = time.Now().UTC()
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.failures.Add(1)
		metrics.CyclesTotal.WithLabelValues(s.opts.Name, "failed").Inc()
		s.logger.Error().Err(err).Time("tick", tick).Msg("tick execution failed")
		s.state.Store(int32(StateFailed))
		return
	}
	metrics.CyclesTotal.WithLabelValues(s.opts.Name, "ok").Inc()
	s.state.Store(int32(StateIdle))
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
