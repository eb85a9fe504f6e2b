package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"token-alerts/internal/alerting"
	"token-alerts/internal/metrics"
	"token-alerts/internal/storage"
)

// SweepStore is the persistence the cleanup sweep needs.
type SweepStore interface {
	ListEnabled(ctx context.Context) ([]storage.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// SweepOptions tune the cleanup sweep.
type SweepOptions struct {
	Concurrency  int
	ProbeTimeout time.Duration
	StoreTimeout time.Duration
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Subscriptions int           `json:"subscriptions"`
	Destinations  int           `json:"destinations"`
	Gone          int           `json:"gone"`
	Deleted       int           `json:"deleted"`
	ProbeErrors   int           `json:"probe_errors"`
	Duration      time.Duration `json:"duration"`
}

// Sweeper removes subscriptions whose destination is confirmed gone. Only
// alerting.ErrDestinationGone deletes; any other probe failure keeps the
// subscription for the next sweep.
type Sweeper struct {
	store  SweepStore
	prober alerting.Prober
	opts   SweepOptions
	logger zerolog.Logger

	mu       sync.Mutex
	suspects map[string]string
}

// NewSweeper constructs the cleanup sweeper.
func NewSweeper(store SweepStore, prober alerting.Prober, opts SweepOptions, logger zerolog.Logger) *Sweeper {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 10 * time.Second
	}
	return &Sweeper{
		store:    store,
		prober:   prober,
		opts:     opts,
		logger:   logger.With().Str("component", "cleanup").Logger(),
		suspects: make(map[string]string),
	}
}

// Flag implements alerting.GoneReporter. Flagged destinations are probed first
// on the next sweep; nothing is deleted without a probe.
func (s *Sweeper) Flag(subscriptionID, destination string) {
	s.mu.Lock()
	s.suspects[destination] = subscriptionID
	s.mu.Unlock()
	s.logger.Info().Str("subscription", subscriptionID).Str("destination", destination).Msg("destination flagged for cleanup")
}

// Suspects returns the number of flagged destinations awaiting a probe.
func (s *Sweeper) Suspects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.suspects)
}

// Task adapts Sweep for the scheduler.
func (s *Sweeper) Task() func(ctx context.Context, tick time.Time) error {
	return func(ctx context.Context, _ time.Time) error {
		_, err := s.Sweep(ctx)
		return err
	}
}

// Sweep probes every distinct destination of the enabled subscriptions once.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	var report SweepReport

	listCtx, cancel := s.storeContext(ctx)
	subs, err := s.store.ListEnabled(listCtx)
	cancel()
	if err != nil {
		return report, fmt.Errorf("list enabled subscriptions: %w", err)
	}
	report.Subscriptions = len(subs)

	byDest := make(map[string][]storage.Subscription)
	for _, sub := range subs {
		byDest[sub.Destination] = append(byDest[sub.Destination], sub)
	}
	report.Destinations = len(byDest)

	var gone, deleted, probeErrors atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, dest := range s.probeOrder(byDest) {
		owned := byDest[dest]
		g.Go(func() error {
			err := s.probe(gctx, dest)
			s.unflag(dest)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, alerting.ErrDestinationGone):
				gone.Add(1)
				deleted.Add(int64(s.deleteAll(gctx, dest, owned)))
			default:
				probeErrors.Add(1)
				metrics.CleanupProbeErrors.Inc()
				s.logger.Warn().Err(err).Str("destination", dest).Msg("probe failed, subscriptions kept")
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Gone = int(gone.Load())
	report.Deleted = int(deleted.Load())
	report.ProbeErrors = int(probeErrors.Load())
	report.Duration = time.Since(start)

	s.logger.Info().
		Int("subscriptions", report.Subscriptions).
		Int("destinations", report.Destinations).
		Int("gone", report.Gone).
		Int("deleted", report.Deleted).
		Int("probe_errors", report.ProbeErrors).
		Dur("duration", report.Duration).
		Msg("cleanup sweep complete")
	return report, ctx.Err()
}

// probeOrder lists flagged destinations before the rest.
func (s *Sweeper) probeOrder(byDest map[string][]storage.Subscription) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	order := make([]string, 0, len(byDest))
	for dest := range byDest {
		if _, ok := s.suspects[dest]; ok {
			order = append(order, dest)
		}
	}
	for dest := range byDest {
		if _, ok := s.suspects[dest]; !ok {
			order = append(order, dest)
		}
	}
	// flags for destinations no longer subscribed are stale
	for dest := range s.suspects {
		if _, ok := byDest[dest]; !ok {
			delete(s.suspects, dest)
		}
	}
	return order
}

func (s *Sweeper) probe(ctx context.Context, destination string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()
	return s.prober.Probe(ctx, destination)
}

func (s *Sweeper) deleteAll(ctx context.Context, destination string, subs []storage.Subscription) int {
	deleted := 0
	for _, sub := range subs {
		storeCtx, cancel := s.storeContext(ctx)
		err := s.store.DeleteSubscription(storeCtx, sub.ID)
		cancel()
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error().Err(err).Str("subscription", sub.ID).Msg("failed to delete subscription")
			continue
		}
		if err == nil {
			deleted++
			metrics.CleanupDeleted.Inc()
		}
	}
	s.logger.Info().Str("destination", destination).Int("deleted", deleted).Msg("destination gone, subscriptions removed")
	return deleted
}

func (s *Sweeper) unflag(destination string) {
	s.mu.Lock()
	delete(s.suspects, destination)
	s.mu.Unlock()
}

func (s *Sweeper) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

var _ alerting.GoneReporter = (*Sweeper)(nil)
