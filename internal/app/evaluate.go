package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"token-alerts/internal/alerting"
	"token-alerts/internal/events"
	"token-alerts/internal/service"
)

// Evaluate runs a single evaluation cycle for one metric class and prints the
// report. Without Notify the cycle is a dry run: nothing is stored, claimed or
// sent, and crossings are reported as would_fire. With Notify the claims are
// real and notifications are delivered inline, one attempt each.
func (a *App) Evaluate(ctx context.Context, opts EvaluateOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var enqueuer service.Enqueuer
	if opts.Notify {
		router, err := a.newRouter()
		if err != nil {
			return err
		}
		enqueuer = &inlineSender{ctx: ctx, notifier: router, timeout: a.Config.Alerting.DeliveryTimeout, logger: a.Logger}
	}

	svc := a.newService(store, enqueuer, events.NopPublisher{}, !opts.Notify)
	report, err := svc.RunCycle(ctx, opts.Class)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// inlineSender delivers each job synchronously. Only suitable for one-off CLI runs.
type inlineSender struct {
	ctx      context.Context
	notifier alerting.Notifier
	timeout  time.Duration
	logger   zerolog.Logger
}

func (s *inlineSender) Enqueue(job alerting.Job) bool {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	if err := s.notifier.Send(ctx, job.Destination, job.Text); err != nil {
		s.logger.Error().Err(err).Str("subscription", job.SubscriptionID).Msg("inline delivery failed")
		return false
	}
	fmt.Fprintf(os.Stderr, "delivered alert for subscription %s\n", job.SubscriptionID)
	return true
}
