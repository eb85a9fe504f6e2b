package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"token-alerts/internal/storage"
)

// Show prints recent samples of one target, or the enabled subscriptions when
// no instrument is given.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if opts.Instrument == "" {
		return showSubscriptions(ctx, store)
	}

	target := storage.Target{Instrument: opts.Instrument, Class: opts.Class, Window: opts.Window}
	samples, err := store.ListRecentSamples(ctx, target, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tTarget\tValue\tSource")
	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\n",
			sample.ObservedAt.UTC().Format(time.RFC3339),
			target.String(),
			sample.Value.String(),
			sanitizeInline(sample.Source),
		)
	}
	return writer.Flush()
}

func showSubscriptions(ctx context.Context, store storage.SubscriptionStore) error {
	subs, err := store.ListEnabled(ctx)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		fmt.Fprintln(os.Stdout, "no enabled subscriptions")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTarget\tDirection\tThreshold\tDestination\tLast fired (UTC)")
	for _, sub := range subs {
		lastFired := "-"
		if sub.LastFiredAt != nil {
			lastFired = sub.LastFiredAt.UTC().Format(time.RFC3339)
		}
		target := storage.Target{Instrument: sub.Instrument, Class: sub.Class, Window: sub.Window}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			sub.ID,
			target.String(),
			sub.Direction,
			sub.Threshold.String(),
			sanitizeInline(sub.Destination),
			lastFired,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
