package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"token-alerts/internal/alerting"
	"token-alerts/internal/events"
	"token-alerts/internal/fetcher"
	"token-alerts/internal/metrics"
	"token-alerts/internal/retry"
	"token-alerts/internal/storage"
)

// Store is the persistence the evaluation cycle needs.
type Store interface {
	ListTargets(ctx context.Context, class storage.MetricClass) ([]storage.Target, error)
	ListCandidates(ctx context.Context, target storage.Target, notBefore time.Time) ([]storage.Subscription, error)
	AppendSample(ctx context.Context, sample storage.MetricSample) error
	LatestSample(ctx context.Context, target storage.Target) (*storage.MetricSample, error)
}

// Enqueuer accepts notification jobs without blocking.
type Enqueuer interface {
	Enqueue(job alerting.Job) bool
}

// Options tune a single evaluation cycle.
type Options struct {
	Concurrency  int
	FetchTimeout time.Duration
	StoreTimeout time.Duration
	FetchRetry   retry.Policy
	LockKey      int64
	// DryRun evaluates without side effects: no sample is appended, nothing is
	// claimed or notified. Crossings are counted as WouldFire.
	DryRun bool
}

// Dependencies are the collaborators of the service.
type Dependencies struct {
	Store      Store
	Source     fetcher.MetricSource
	Policy     alerting.CooldownPolicy
	Committer  *alerting.Committer
	Dispatcher Enqueuer
	Events     events.Publisher
}

// CycleReport summarises one evaluation cycle.
type CycleReport struct {
	Class       storage.MetricClass `json:"class"`
	Skipped     bool                `json:"skipped,omitempty"`
	Targets     int                 `json:"targets"`
	Fetched     int                 `json:"fetched"`
	Unavailable int                 `json:"unavailable"`
	Failed      int                 `json:"failed"`
	Fired       int                 `json:"fired"`
	Lost        int                 `json:"lost"`
	DryRun      bool                `json:"dry_run,omitempty"`
	WouldFire   int                 `json:"would_fire,omitempty"`
	Duration    time.Duration       `json:"duration"`
}

type cycleCounters struct {
	fetched, unavailable, failed, fired, lost, wouldFire atomic.Int64
}

// Service runs evaluation cycles: fetch a sample per target, detect threshold
// crossings, claim the subscriptions that fire and hand them to the dispatcher.
type Service struct {
	deps   Dependencies
	opts   Options
	locker storage.AdvisoryLocker
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs the evaluation service.
func New(deps Dependencies, opts Options, logger zerolog.Logger) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if deps.Events == nil {
		deps.Events = events.NopPublisher{}
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		deps:   deps,
		opts:   opts,
		locker: locker,
		logger: logger.With().Str("component", "service").Logger(),
		now:    time.Now,
	}
}

// Task adapts RunCycle for the scheduler.
func (s *Service) Task(class storage.MetricClass) func(ctx context.Context, tick time.Time) error {
	return func(ctx context.Context, _ time.Time) error {
		_, err := s.RunCycle(ctx, class)
		return err
	}
}

// RunCycle evaluates every target of class once. Only a failure to list the
// targets (or to take the cycle lock) is returned; fetch and per-target store
// errors are logged and counted in the report.
func (s *Service) RunCycle(ctx context.Context, class storage.MetricClass) (CycleReport, error) {
	start := time.Now()
	report := CycleReport{Class: class, DryRun: s.opts.DryRun}

	unlock, proceed, err := s.acquireLock(ctx, class)
	if err != nil {
		return report, err
	}
	if !proceed {
		s.logger.Debug().Str("class", string(class)).Msg("skip cycle because advisory lock held elsewhere")
		report.Skipped = true
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	storeCtx, cancel := s.storeContext(ctx)
	targets, err := s.deps.Store.ListTargets(storeCtx, class)
	cancel()
	if err != nil {
		return report, fmt.Errorf("list %s targets: %w", class, err)
	}
	report.Targets = len(targets)

	var counters cycleCounters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, group := range groupByInstrument(targets) {
		g.Go(func() error {
			// windows of one instrument are evaluated one after another
			for _, target := range group {
				if gctx.Err() != nil {
					return nil
				}
				s.evaluateTarget(gctx, target, &counters)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Fetched = int(counters.fetched.Load())
	report.Unavailable = int(counters.unavailable.Load())
	report.Failed = int(counters.failed.Load())
	report.Fired = int(counters.fired.Load())
	report.Lost = int(counters.lost.Load())
	report.WouldFire = int(counters.wouldFire.Load())
	report.Duration = time.Since(start)

	s.logger.Info().
		Str("class", string(class)).
		Int("targets", report.Targets).
		Int("fetched", report.Fetched).
		Int("unavailable", report.Unavailable).
		Int("failed", report.Failed).
		Int("fired", report.Fired).
		Int("lost", report.Lost).
		Int("would_fire", report.WouldFire).
		Bool("dry_run", report.DryRun).
		Dur("duration", report.Duration).
		Msg("evaluation cycle complete")

	return report, ctx.Err()
}

func (s *Service) evaluateTarget(ctx context.Context, target storage.Target, counters *cycleCounters) {
	log := s.logger.With().Str("target", target.String()).Logger()
	class := string(target.Class)

	quote, err := s.fetch(ctx, target)
	if err != nil {
		counters.unavailable.Add(1)
		metrics.MetricFetchTotal.WithLabelValues(class, "unavailable").Inc()
		log.Warn().Err(err).Msg("metric unavailable, target skipped")
		return
	}
	counters.fetched.Add(1)
	metrics.MetricFetchTotal.WithLabelValues(class, "ok").Inc()

	now := s.now().UTC()
	sample := storage.MetricSample{
		Instrument: target.Instrument,
		Class:      target.Class,
		Window:     target.Window,
		Value:      quote.Value,
		ObservedAt: now,
		Source:     quote.Source,
	}

	prev, candidates, err := s.recordSample(ctx, target, sample, now)
	if err != nil {
		counters.failed.Add(1)
		metrics.TargetFailures.WithLabelValues(class).Inc()
		log.Error().Err(err).Msg("store failure, target skipped")
		return
	}

	var previous *decimal.Decimal
	if prev != nil {
		v := prev.Value
		previous = &v
	}

	for _, sub := range candidates {
		if !alerting.Crossed(sub.Direction, sub.Threshold, previous, sample.Value) {
			continue
		}
		if !s.deps.Policy.Eligible(sub, now) {
			continue
		}
		if s.opts.DryRun {
			counters.wouldFire.Add(1)
			log.Info().
				Str("subscription", sub.ID).
				Str("destination", sub.Destination).
				Str("direction", string(sub.Direction)).
				Str("threshold", sub.Threshold.String()).
				Str("current", sample.Value.String()).
				Msg("alert would fire")
			continue
		}

		result, err := s.deps.Committer.Claim(ctx, sub, now)
		if err != nil {
			counters.failed.Add(1)
			log.Error().Err(err).Str("subscription", sub.ID).Msg("claim failed")
			continue
		}
		if result == alerting.ClaimLost {
			counters.lost.Add(1)
			continue
		}

		counters.fired.Add(1)
		s.fire(ctx, sub.Destination, alerting.NewAlert(sub, previous, sample, now), log)
	}
}

func (s *Service) fetch(ctx context.Context, target storage.Target) (fetcher.Quote, error) {
	var quote fetcher.Quote
	err := s.opts.FetchRetry.Do(ctx, func(ctx context.Context) error {
		fctx := ctx
		if s.opts.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(ctx, s.opts.FetchTimeout)
			defer cancel()
		}
		q, err := fetcher.Fetch(fctx, s.deps.Source, target)
		if err != nil {
			return err
		}
		quote = q
		return nil
	}, fetcher.IsRetryable)
	if err != nil && !errors.Is(err, fetcher.ErrMetricUnavailable) {
		err = fmt.Errorf("%w: %w", fetcher.ErrMetricUnavailable, err)
	}
	return quote, err
}

// recordSample reads the previous sample, appends the new one (except in a dry
// run) and lists the subscriptions out of cooldown.
func (s *Service) recordSample(ctx context.Context, target storage.Target, sample storage.MetricSample, now time.Time) (*storage.MetricSample, []storage.Subscription, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	prev, err := s.deps.Store.LatestSample(storeCtx, target)
	if err != nil {
		return nil, nil, fmt.Errorf("latest sample: %w", err)
	}
	if !s.opts.DryRun {
		if err := s.deps.Store.AppendSample(storeCtx, sample); err != nil {
			return nil, nil, fmt.Errorf("append sample: %w", err)
		}
	}
	candidates, err := s.deps.Store.ListCandidates(storeCtx, target, s.deps.Policy.NotBefore(target.Class, now))
	if err != nil {
		return nil, nil, fmt.Errorf("list candidates: %w", err)
	}
	return prev, candidates, nil
}

func (s *Service) fire(ctx context.Context, destination string, alert alerting.Alert, log zerolog.Logger) {
	log.Info().
		Str("subscription", alert.SubscriptionID).
		Str("direction", string(alert.Direction)).
		Str("threshold", alert.Threshold.String()).
		Str("current", alert.Current.String()).
		Msg("alert fired")

	switch {
	case s.deps.Dispatcher == nil:
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		log.Warn().
			Str("subscription", alert.SubscriptionID).
			Str("destination", destination).
			Msg("no dispatcher configured, fired alert not delivered")
	case !s.deps.Dispatcher.Enqueue(alerting.Job{
		SubscriptionID: alert.SubscriptionID,
		Destination:    destination,
		Text:           alerting.RenderMessage(alert),
	}):
		log.Warn().
			Str("subscription", alert.SubscriptionID).
			Str("destination", destination).
			Msg("fired alert not accepted for delivery")
	}

	if err := s.deps.Events.Publish(ctx, alert.Event()); err != nil {
		log.Warn().Err(err).Str("subscription", alert.SubscriptionID).Msg("failed to publish fired event")
	}
}

func (s *Service) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

func (s *Service) acquireLock(ctx context.Context, class storage.MetricClass) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey+classLockOffset(class))
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func classLockOffset(class storage.MetricClass) int64 {
	for i, c := range storage.Classes {
		if c == class {
			return int64(i)
		}
	}
	return int64(len(storage.Classes))
}

func groupByInstrument(targets []storage.Target) [][]storage.Target {
	index := make(map[string]int)
	var groups [][]storage.Target
	for _, t := range targets {
		i, ok := index[t.Instrument]
		if !ok {
			i = len(groups)
			index[t.Instrument] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], t)
	}
	return groups
}
