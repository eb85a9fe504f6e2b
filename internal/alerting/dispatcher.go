package alerting

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"token-alerts/internal/metrics"
	"token-alerts/internal/retry"
)

// Job is one pending notification.
type Job struct {
	ID             string
	SubscriptionID string
	Destination    string
	Text           string
	Attempt        int
	EnqueuedAt     time.Time
}

// GoneReporter is told about subscriptions whose destination no longer exists.
type GoneReporter interface {
	Flag(subscriptionID, destination string)
}

// DispatcherOptions parameterise the delivery pool.
type DispatcherOptions struct {
	QueueSize       int
	Workers         int
	DeliveryTimeout time.Duration
	Retry           retry.Policy
}

// DispatcherStats is a point-in-time view of the dispatcher.
type DispatcherStats struct {
	Queued         int   `json:"queued"`
	PendingRetries int   `json:"pending_retries"`
	Delivered      int64 `json:"delivered"`
	Retried        int64 `json:"retried"`
	Dropped        int64 `json:"dropped"`
	Gone           int64 `json:"gone"`
}

// Dispatcher decouples delivery from evaluation: Enqueue never blocks, a fixed
// pool of workers performs the I/O, and failed jobs wait for their retry on a
// timer rather than on a worker.
type Dispatcher struct {
	notifier Notifier
	gone     GoneReporter
	opts     DispatcherOptions
	logger   zerolog.Logger

	queue  chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	started bool

	delivered atomic.Int64
	retried   atomic.Int64
	dropped   atomic.Int64
	goneCount atomic.Int64
}

// NewDispatcher constructs a dispatcher. The retry schedule is fixed here.
func NewDispatcher(notifier Notifier, gone GoneReporter, opts DispatcherOptions, logger zerolog.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		notifier: notifier,
		gone:     gone,
		opts:     opts,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		queue:    make(chan Job, opts.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
	}
}

// Start launches the delivery workers. It returns immediately.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info().Int("workers", d.opts.Workers).Int("queue_size", d.opts.QueueSize).Msg("dispatcher started")
}

// Stop cancels in-flight deliveries and pending retries, then waits for the
// workers to exit. Jobs still queued are discarded.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	d.logger.Info().Int("discarded", len(d.queue)).Msg("dispatcher stopped")
}

// Enqueue hands job to the workers without blocking. It reports false when the
// job was not accepted because the queue is full or the dispatcher is stopped.
func (d *Dispatcher) Enqueue(job Job) bool {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	return d.offer(job)
}

func (d *Dispatcher) offer(job Job) bool {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		d.logger.Warn().Str("job", job.ID).Str("subscription", job.SubscriptionID).Msg("dispatcher stopped, notification not queued")
		return false
	}

	select {
	case d.queue <- job:
		metrics.DispatchQueueDepth.Inc()
		return true
	default:
		d.dropped.Add(1)
		metrics.NotificationsTotal.WithLabelValues("queue_full").Inc()
		d.logger.Error().
			Str("job", job.ID).
			Str("subscription", job.SubscriptionID).
			Int("attempt", job.Attempt).
			Msg("dispatch queue full, notification dropped")
		return false
	}
}

// Stats returns current counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	pending := len(d.timers)
	d.mu.Unlock()
	return DispatcherStats{
		Queued:         len(d.queue),
		PendingRetries: pending,
		Delivered:      d.delivered.Load(),
		Retried:        d.retried.Load(),
		Dropped:        d.dropped.Load(),
		Gone:           d.goneCount.Load(),
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case job := <-d.queue:
			metrics.DispatchQueueDepth.Dec()
			d.safeDeliver(id, job)
		}
	}
}

func (d *Dispatcher) safeDeliver(worker int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("dispatcher").Inc()
			d.logger.Error().
				Interface("panic", r).
				Int("worker", worker).
				Str("job", job.ID).
				Msg("panic during delivery")
			d.handleFailure(job, errors.New("notifier panicked"))
		}
	}()
	d.deliver(job)
}

func (d *Dispatcher) deliver(job Job) {
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	err := d.notifier.Send(ctx, job.Destination, job.Text)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		d.delivered.Add(1)
		metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
		d.logger.Info().
			Str("job", job.ID).
			Str("subscription", job.SubscriptionID).
			Int("attempt", job.Attempt).
			Msg("notification delivered")
		return
	}
	if d.ctx.Err() != nil {
		d.dropped.Add(1)
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn().
			Str("job", job.ID).
			Str("subscription", job.SubscriptionID).
			Int("attempt", job.Attempt).
			Err(err).
			Msg("dispatcher stopping, in-flight notification discarded")
		return
	}
	d.handleFailure(job, err)
}

func (d *Dispatcher) handleFailure(job Job, err error) {
	log := d.logger.With().
		Str("job", job.ID).
		Str("subscription", job.SubscriptionID).
		Int("attempt", job.Attempt).
		Err(err).
		Logger()

	switch {
	case errors.Is(err, ErrDestinationGone):
		d.goneCount.Add(1)
		metrics.NotificationsTotal.WithLabelValues("gone").Inc()
		log.Warn().Msg("destination gone, flagged for cleanup")
		if d.gone != nil {
			d.gone.Flag(job.SubscriptionID, job.Destination)
		}
		return
	case errors.Is(err, ErrUnknownChannel):
		d.dropped.Add(1)
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		log.Error().Msg("no channel for destination, notification dropped")
		return
	}

	delay, ok := d.opts.Retry.Next(job.Attempt)
	if !ok {
		d.dropped.Add(1)
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		log.Error().Msg("retry schedule exhausted, notification dropped")
		return
	}

	d.retried.Add(1)
	metrics.NotificationsTotal.WithLabelValues("retried").Inc()
	log.Warn().Dur("retry_in", delay).Msg("delivery failed, retry scheduled")
	d.scheduleRetry(job, delay)
}

func (d *Dispatcher) scheduleRetry(job Job, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		d.dropped.Add(1)
		d.logger.Warn().Str("job", job.ID).Str("subscription", job.SubscriptionID).Msg("dispatcher stopped, retry discarded")
		return
	}
	next := job
	next.Attempt++
	d.timers[job.ID] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, job.ID)
		d.mu.Unlock()
		d.offer(next)
	})
}
