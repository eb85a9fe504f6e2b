package app

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rs/zerolog"

	"token-alerts/internal/service"
	"token-alerts/internal/storage"
)

// Sweep runs one cleanup sweep and prints the report. DryRun probes every
// destination but deletes nothing.
func (a *App) Sweep(ctx context.Context, opts SweepOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	router, err := a.newRouter()
	if err != nil {
		return err
	}

	var sweepStore service.SweepStore = store
	if opts.DryRun {
		sweepStore = dryRunStore{SweepStore: store, logger: a.Logger}
	}

	report, err := a.newSweeper(sweepStore, router).Sweep(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

type dryRunStore struct {
	service.SweepStore
	logger zerolog.Logger
}

func (d dryRunStore) DeleteSubscription(_ context.Context, id string) error {
	d.logger.Info().Str("subscription", id).Msg("dry-run: would delete subscription")
	return nil
}

// Migrate applies the embedded schema to the configured database.
func (a *App) Migrate(ctx context.Context) error {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Str("driver", a.Config.Database.Driver).Msg("schema applied")
	return nil
}
